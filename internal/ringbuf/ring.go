// Package ringbuf implements the per-stream pre-roll ring buffer pool
// (spec component 4.3): a fixed-capacity, single-producer/single-consumer
// FIFO of frame records, keyed by stream name and owned by the engine.
package ringbuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes the track a frame belongs to within a segment.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
	KindSubtitle
)

// MaxPrerollFrames is the compile-time ceiling referenced by spec.md §4.3
// ("clamped to MAX_PREROLL_FRAMES"); it bounds memory even if an operator
// configures an unreasonably large pre-roll window.
const MaxPrerollFrames = 18000 // e.g. 30fps * 600s

// Frame is one decoded/encoded frame record carried through the ring buffer
// and on into the active writer. Payload holds the codec-specific bytes
// exactly as received from the capture worker — the ring never transcodes.
type Frame struct {
	PTS       time.Duration // presentation timestamp, monotone within a stream (I5)
	Timestamp time.Time     // wall-clock time the frame was received
	Payload   []byte
	Kind      Kind
	Keyframe  bool
	Sequence  uint64

	pooled bool
}

// Buffer is a bounded, keyframe-aware FIFO for one stream's pre-roll frames.
// Write is called only by the stream's Capture Worker goroutine; drains
// happen synchronously within that same worker during segment handoff, so
// the producer and the "consumer" never run concurrently on the same ring
// (spec.md §5, Ring Buffer shared-resource policy).
type Buffer struct {
	frames   []*Frame
	capacity int
	writePos int64
	size     atomic.Int64
	sequence atomic.Uint64

	mu   sync.RWMutex
	pool *FramePool

	totalWrites   atomic.Uint64
	droppedFrames atomic.Uint64
	overflows     atomic.Uint64
}

// New creates a ring buffer sized for capacity frames, clamped to
// [1, MaxPrerollFrames]: a capacity of 0 or less yields a one-frame ring.
// Disabled pre-roll (pre_detection_buffer=0) is represented by not
// allocating a Buffer at all (see NewForStream), not by a zero capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	if capacity > MaxPrerollFrames {
		capacity = MaxPrerollFrames
	}
	if capacity == 0 {
		capacity = 1
	}
	return &Buffer{
		frames:   make([]*Frame, capacity),
		capacity: capacity,
		pool:     NewFramePool(capacity),
	}
}

// NewForStream computes ring capacity from preRollSeconds*fps, clamped to
// MaxPrerollFrames, per spec.md §4.3. It returns nil when preRollSeconds<=0,
// per the resolved open question in spec.md §9(b): pre-roll of zero disables
// the ring buffer entirely rather than allocating a zero-capacity one.
func NewForStream(preRollSeconds float64, fps float64) *Buffer {
	if preRollSeconds <= 0 {
		return nil
	}
	if fps <= 0 {
		fps = 1
	}
	capacity := int(preRollSeconds * fps)
	if capacity <= 0 {
		capacity = 1
	}
	return New(capacity)
}

// Push appends a frame, dropping the oldest frame when full (spec.md §4.3:
// "push(frame) drops the oldest frame when full"). The frame's payload is
// copied into a pooled buffer before retention, since the caller (typically
// a Source implementation mid-ReadFrame) may reuse or overwrite frame's
// backing array as soon as Push returns.
func (b *Buffer) Push(frame *Frame) error {
	if frame == nil {
		return fmt.Errorf("ringbuf: cannot push nil frame")
	}

	owned := frame
	if b.pool != nil {
		owned = b.pool.GetWithPayload(frame.Payload)
		owned.Timestamp = frame.Timestamp
		owned.PTS = frame.PTS
		owned.Keyframe = frame.Keyframe
		owned.Kind = frame.Kind
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owned.Sequence = b.sequence.Add(1)

	pos := int(b.writePos % int64(b.capacity))
	if old := b.frames[pos]; old != nil {
		b.overflows.Add(1)
		if b.size.Load() >= int64(b.capacity) {
			b.droppedFrames.Add(1)
		}
		if old.pooled && b.pool != nil {
			b.pool.Put(old)
		}
	}

	b.frames[pos] = owned
	b.writePos++
	if b.size.Load() < int64(b.capacity) {
		b.size.Add(1)
	}
	b.totalWrites.Add(1)
	return nil
}

// DrainKeyframeAligned returns the frames currently retained, starting at the
// oldest buffered keyframe, in write order. If no keyframe is present it
// returns an empty slice — per spec.md §4.3, a non-keyframe-aligned prefix
// is never emitted since it would not be independently decodable. Draining
// does not clear the buffer; callers that want a fresh window after handoff
// call Reset explicitly.
func (b *Buffer) DrainKeyframeAligned() []*Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := int(b.size.Load())
	if size == 0 {
		return nil
	}
	start := b.writePos - int64(size)
	if start < 0 {
		start = 0
	}

	firstKeyframe := -1
	ordered := make([]*Frame, 0, size)
	for i := 0; i < size; i++ {
		pos := int((start + int64(i)) % int64(b.capacity))
		f := b.frames[pos]
		if f == nil {
			continue
		}
		if firstKeyframe == -1 && f.Kind == KindVideo && f.Keyframe {
			firstKeyframe = len(ordered)
		}
		ordered = append(ordered, f)
	}
	if firstKeyframe == -1 {
		return nil
	}
	return ordered[firstKeyframe:]
}

// Reset clears the buffer, returning pooled frames to the pool.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.frames {
		if f := b.frames[i]; f != nil && f.pooled && b.pool != nil {
			b.pool.Put(f)
		}
		b.frames[i] = nil
	}
	b.writePos = 0
	b.size.Store(0)
}

// Size returns the number of frames currently retained.
func (b *Buffer) Size() int { return int(b.size.Load()) }

// Capacity returns the ring's fixed capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Metrics returns counters for observability wiring (internal/metrics).
func (b *Buffer) Metrics() (writes, dropped, overflows uint64) {
	return b.totalWrites.Load(), b.droppedFrames.Load(), b.overflows.Load()
}

// Pool is a keyed set of per-stream ring buffers — the "Ring Buffer Pool"
// component named in spec.md §2/§4.3. It owns creation on first enable and
// destruction on disable, and is safe for concurrent use across streams.
type Pool struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
	memory  *MemoryManager
}

// NewPool creates an empty ring buffer pool.
func NewPool() *Pool {
	return &Pool{buffers: make(map[string]*Buffer)}
}

// WithMemoryManager attaches a memory pressure monitor: every ring buffer
// enabled from this point on has its frame/payload pools registered with
// mm, so mm's periodic sweep can trim them under pressure. Returns p for
// chaining at construction.
func (p *Pool) WithMemoryManager(mm *MemoryManager) *Pool {
	p.mu.Lock()
	p.memory = mm
	p.mu.Unlock()
	return p
}

// MemoryManager returns the pool's attached memory pressure monitor, or nil
// if WithMemoryManager was never called.
func (p *Pool) MemoryManager() *MemoryManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.memory
}

// Enable creates (or replaces) the ring buffer for a stream. A nil buffer
// argument records "no ring for this stream" (pre-roll disabled).
func (p *Pool) Enable(stream string, buf *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf == nil {
		delete(p.buffers, stream)
		return
	}
	p.buffers[stream] = buf
	if p.memory != nil {
		p.memory.RegisterFramePool(buf.pool)
		p.memory.RegisterPayloadPool(buf.pool.PayloadPool())
	}
}

// Get returns the ring buffer for a stream, or nil if none is enabled.
func (p *Pool) Get(stream string) *Buffer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.buffers[stream]
}

// Disable removes and discards the ring buffer for a stream.
func (p *Pool) Disable(stream string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers[stream]; ok {
		buf.Reset()
		delete(p.buffers, stream)
	}
}
