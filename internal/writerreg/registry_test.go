package writerreg

import (
	"testing"
	"time"

	"github.com/lightnvr/engine/internal/ringbuf"
)

type fakeWriter struct {
	frames     [][]byte
	sawKF      bool
	closed     bool
	size       int64
	writeErr   error
}

func (w *fakeWriter) WriteFrame(data []byte, pts time.Duration, keyframe bool) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	w.frames = append(w.frames, data)
	if keyframe {
		w.sawKF = true
	}
	w.size += int64(len(data))
	return len(data), nil
}
func (w *fakeWriter) SawKeyframe() bool { return w.sawKF }
func (w *fakeWriter) Close() error      { w.closed = true; return nil }
func (w *fakeWriter) Size() int64       { return w.size }

func TestArmWithoutPreviousReturnsNil(t *testing.T) {
	r := New()
	h := &Handle{StreamName: "cam1", Writer: &fakeWriter{}}

	prev, err := r.Arm(h, nil)
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if prev != nil {
		t.Fatalf("prev = %v, want nil for first arm", prev)
	}
	if got := r.Handle("cam1"); got != h {
		t.Fatalf("Handle(cam1) = %v, want %v", got, h)
	}
}

func TestArmDetachesPrevious(t *testing.T) {
	r := New()
	h1 := &Handle{StreamName: "cam1", Writer: &fakeWriter{}}
	h2 := &Handle{StreamName: "cam1", Writer: &fakeWriter{}}

	if _, err := r.Arm(h1, nil); err != nil {
		t.Fatalf("Arm h1: %v", err)
	}
	prev, err := r.Arm(h2, nil)
	if err != nil {
		t.Fatalf("Arm h2: %v", err)
	}
	if prev != h1 {
		t.Fatalf("prev = %v, want h1", prev)
	}
	if got := r.Handle("cam1"); got != h2 {
		t.Fatalf("Handle(cam1) = %v, want h2", got)
	}
}

func TestArmFlushesKeyframeAlignedPreroll(t *testing.T) {
	pool := ringbuf.NewPool()
	buf := ringbuf.New(4)
	pool.Enable("cam1", buf)

	now := time.Now()
	_ = buf.Push(&ringbuf.Frame{Payload: []byte("kf"), Kind: ringbuf.KindVideo, Keyframe: true, Timestamp: now})
	_ = buf.Push(&ringbuf.Frame{Payload: []byte("p2"), Kind: ringbuf.KindVideo, Timestamp: now.Add(time.Second)})

	fw := &fakeWriter{}
	h := &Handle{StreamName: "cam1", Writer: fw}

	r := New()
	if _, err := r.Arm(h, pool); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if len(fw.frames) != 2 {
		t.Fatalf("frames written = %d, want 2 (flushed pre-roll)", len(fw.frames))
	}
	if h.FirstFrameAt.IsZero() {
		t.Fatal("FirstFrameAt should be set after preroll flush")
	}
}

func TestArmSkipsFlushWithoutKeyframe(t *testing.T) {
	pool := ringbuf.NewPool()
	buf := ringbuf.New(4)
	pool.Enable("cam1", buf)
	_ = buf.Push(&ringbuf.Frame{Payload: []byte("p1"), Kind: ringbuf.KindVideo})

	fw := &fakeWriter{}
	h := &Handle{StreamName: "cam1", Writer: fw}

	r := New()
	if _, err := r.Arm(h, pool); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if len(fw.frames) != 0 {
		t.Fatalf("frames written = %d, want 0 without a keyframe", len(fw.frames))
	}
}

func TestDisarmRemovesAndReturnsHandle(t *testing.T) {
	r := New()
	h := &Handle{StreamName: "cam1", Writer: &fakeWriter{}}
	_, _ = r.Arm(h, nil)

	got := r.Disarm("cam1")
	if got != h {
		t.Fatalf("Disarm returned %v, want %v", got, h)
	}
	if r.Handle("cam1") != nil {
		t.Fatal("Handle should be nil after Disarm")
	}
	if r.Disarm("cam1") != nil {
		t.Fatal("second Disarm on an already-disarmed stream should return nil")
	}
}

func TestDisarmAllClearsRegistry(t *testing.T) {
	r := New()
	_, _ = r.Arm(&Handle{StreamName: "cam1", Writer: &fakeWriter{}}, nil)
	_, _ = r.Arm(&Handle{StreamName: "cam2", Writer: &fakeWriter{}}, nil)

	all := r.DisarmAll()
	if len(all) != 2 {
		t.Fatalf("DisarmAll returned %d handles, want 2", len(all))
	}
	if len(r.Streams()) != 0 {
		t.Fatal("registry should be empty after DisarmAll")
	}
}

func TestStreamsListsArmedStreams(t *testing.T) {
	r := New()
	_, _ = r.Arm(&Handle{StreamName: "cam1", Writer: &fakeWriter{}}, nil)
	_, _ = r.Arm(&Handle{StreamName: "cam2", Writer: &fakeWriter{}}, nil)

	streams := r.Streams()
	if len(streams) != 2 {
		t.Fatalf("Streams() = %v, want 2 entries", streams)
	}
}
