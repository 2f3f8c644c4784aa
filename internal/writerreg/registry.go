// Package writerreg implements the Writer Registry (spec.md §4.4): the
// single source of truth for "stream X is actively recording in writer W".
// It is grounded on the donor's RecordingService (internal/recorder/
// recorder.go, later legacy_recorder.go, no longer in this tree) which held
// currentRecording/eventRecording under a single mutex with an explicit
// "finalize outside the lock" discipline — generalized here to an arbitrary
// number of streams, each with at most one live writer, with the
// detach-then-close contract spelled out as the registry's core invariant.
package writerreg

import (
	"sync"
	"time"

	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/ringbuf"
)

// Handle is the live state of one in-flight segment (spec.md §3 "Writer
// handle"): the muxer, the catalog segment id being built, the on-disk
// paths, and the first/last written frame timestamps.
type Handle struct {
	Writer     muxer.Writer
	SegmentID  int64
	PartPath   string
	FinalPath  string
	StreamName string

	FirstFrameAt time.Time
	LastFrameAt  time.Time
}

// Registry is the Writer Registry. Mutations (arm/disarm) are serialized
// through mu; handle lookups take the read side so they stay fast even
// while another stream is being armed or disarmed (spec.md §4.4 "handle
// lookups are fast (read-mostly)").
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// New constructs an empty Writer Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Arm installs h as the current writer for h.StreamName. If a writer was
// already armed for that stream, it is detached and returned to the caller,
// who MUST close it outside any lock the caller might be holding (spec.md
// §4.4: "the previous writer handle is detached and returned to the
// caller ... then the new writer replaces it").
//
// If pool is non-nil and has a buffered ring for the stream, the ring's
// keyframe-aligned contents (from the oldest buffered keyframe onward, so
// the first flushed frame is always a keyframe) are written into h.Writer
// before Arm returns; a ring holding no keyframe flushes nothing.
func (r *Registry) Arm(h *Handle, pool *ringbuf.Pool) (previous *Handle, err error) {
	r.mu.Lock()
	previous = r.handles[h.StreamName]
	r.handles[h.StreamName] = h
	r.mu.Unlock()

	if pool == nil {
		return previous, nil
	}
	ring := pool.Get(h.StreamName)
	if ring == nil {
		return previous, nil
	}
	frames := ring.DrainKeyframeAligned()
	for _, f := range frames {
		if _, werr := h.Writer.WriteFrame(f.Payload, f.PTS, f.Keyframe); werr != nil {
			return previous, werr
		}
		h.LastFrameAt = f.Timestamp
		if h.FirstFrameAt.IsZero() {
			h.FirstFrameAt = f.Timestamp
		}
	}
	return previous, nil
}

// Handle returns the current writer handle for stream, or nil. The
// returned pointer remains valid for as long as the caller uses it — the
// registry never mutates or closes a Handle it has already returned; a
// concurrent Disarm/Arm only removes it from the map, per spec.md §4.4.
func (r *Registry) Handle(stream string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[stream]
}

// Disarm removes the entry for stream and returns the previous writer for
// the caller to close. Returns nil if no writer was armed.
func (r *Registry) Disarm(stream string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[stream]
	delete(r.handles, stream)
	return h
}

// DisarmAll detaches every armed writer, for use during global shutdown
// (spec.md §5 "A global shutdown invokes stop on all workers in parallel").
// Callers close the returned handles' writers themselves; the registry
// never holds its mutex across a writer Close.
func (r *Registry) DisarmAll() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.handles = make(map[string]*Handle)
	return out
}

// Streams lists every currently-armed stream name.
func (r *Registry) Streams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for name := range r.handles {
		out = append(out, name)
	}
	return out
}
