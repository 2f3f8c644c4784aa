package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/metrics"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/ringbuf"
	"github.com/lightnvr/engine/internal/segstore"
	"github.com/lightnvr/engine/internal/writerreg"
)

type frameResult struct {
	frame *ringbuf.Frame
	err   error
}

// fakeSource is a controllable capture.Source. Open returns openErr/params
// once; ReadFrame serves queued results one at a time, blocking on ctx if
// the queue is empty.
type fakeSource struct {
	openErr error
	params  muxer.Params
	results chan frameResult
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{results: make(chan frameResult, 16)}
}

func (f *fakeSource) Open(ctx context.Context, url string) (muxer.Params, error) {
	if f.openErr != nil {
		return muxer.Params{}, f.openErr
	}
	return f.params, nil
}

func (f *fakeSource) ReadFrame(ctx context.Context) (*ringbuf.Frame, error) {
	select {
	case r := <-f.results:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func makeFrame(keyframe bool, payload string) *ringbuf.Frame {
	return &ringbuf.Frame{
		Payload:   []byte(payload),
		Keyframe:  keyframe,
		Timestamp: time.Now(),
	}
}

func testStream(name string) model.Stream {
	return model.Stream{
		Name: name, URL: "rtsp://x", Width: 640, Height: 480, FPS: 15,
		Codec: "h264", Record: true, Enabled: true, SegmentDuration: 3600,
	}
}

func newTestWorker(t *testing.T, stream model.Stream, source Source, cfg config.CaptureConfig) (*Worker, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(config.CatalogConfig{
		Path: filepath.Join(dir, "catalog.db"), BusyTimeout: 5 * time.Second, MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	if _, err := cat.UpsertStream(context.Background(), &stream); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}

	segs := segstore.New(filepath.Join(dir, "recordings"), cat, metrics.New())
	pool := ringbuf.NewPool()
	registry := writerreg.New()
	w := NewWorker(stream, source, pool, registry, segs, cat, cfg, metrics.New())
	return w, cat
}

func TestNewWorkerStartsIdle(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{})
	if w.State() != StateIdle {
		t.Fatalf("state = %s, want idle", w.State())
	}
}

func TestRunIdleTransitionsToConnectingOnceEnabled(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{})
	w.Enable(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.runIdle(ctx)

	if w.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", w.State())
	}
}

func TestRunIdleReturnsOnStop(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{})
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.runIdle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runIdle did not return after stop was closed")
	}
}

func TestRunConnectingSuccessTransitionsToStreaming(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	w, _ := newTestWorker(t, testStream("cam1"), src, config.CaptureConfig{})

	w.runConnecting(context.Background())

	if w.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", w.State())
	}
	if w.currentParams != src.params {
		t.Fatalf("currentParams = %+v, want %+v", w.currentParams, src.params)
	}
	if w.backoffPolicy != nil {
		t.Fatal("expected backoffPolicy reset to nil on successful connect")
	}
	if !w.segmentStart.IsZero() {
		t.Fatal("expected segmentStart reset to zero, forcing a fresh segment")
	}
}

func TestRunConnectingFailureTransitionsToBackoff(t *testing.T) {
	src := newFakeSource()
	src.openErr = errors.New("dial refused")
	w, _ := newTestWorker(t, testStream("cam1"), src, config.CaptureConfig{})

	w.runConnecting(context.Background())

	if w.State() != StateBackoff {
		t.Fatalf("state = %s, want backoff", w.State())
	}
}

func TestRunBackoffReconnectsAfterInterval(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.runBackoff(ctx)

	if w.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", w.State())
	}
	if w.backoffPolicy == nil {
		t.Fatal("expected backoffPolicy to have been constructed")
	}
}

func TestRunBackoffReturnsOnStop(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{
		BackoffInitial: time.Hour,
	})
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.runBackoff(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runBackoff did not return after stop was closed")
	}
	if w.State() != StateIdle {
		t.Fatalf("state should be unchanged (idle) when backoff is interrupted, got %s", w.State())
	}
}

func TestNotifyDetectionDropsOldestWhenInboxFull(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{
		DetectionInboxCap: 1,
	})

	first := time.Now()
	second := first.Add(time.Second)
	w.NotifyDetection(DetectionTrigger{At: first})
	w.NotifyDetection(DetectionTrigger{At: second})

	select {
	case trig := <-w.detectionInbox:
		if !trig.At.Equal(second) {
			t.Fatalf("expected the newest trigger to survive drop-oldest, got %v want %v", trig.At, second)
		}
	default:
		t.Fatal("expected one trigger left in the inbox")
	}
}

func TestRecordFrameErrorEscalatesAtBurstThreshold(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{
		ErrorBurstCount:  3,
		ErrorBurstWindow: time.Minute,
	})

	if w.recordFrameError() {
		t.Fatal("1st error should not escalate")
	}
	if w.recordFrameError() {
		t.Fatal("2nd error should not escalate")
	}
	if !w.recordFrameError() {
		t.Fatal("3rd error should escalate to backoff")
	}
}

func TestRecordFrameErrorResetsAfterWindow(t *testing.T) {
	w, _ := newTestWorker(t, testStream("cam1"), newFakeSource(), config.CaptureConfig{
		ErrorBurstCount:  2,
		ErrorBurstWindow: time.Millisecond,
	})

	if w.recordFrameError() {
		t.Fatal("1st error should not escalate")
	}
	time.Sleep(5 * time.Millisecond)
	if w.recordFrameError() {
		t.Fatal("error count should have reset after the burst window elapsed")
	}
}

func TestOpenNextSegmentArmsRegistryForContinuousStream(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	w, cat := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}

	h := w.registry.Handle("cam1")
	if h == nil {
		t.Fatal("expected a continuous stream to be armed immediately")
	}
	segs, err := cat.ListSegments(context.Background(), model.SegmentQuery{StreamName: "cam1"})
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected one open segment row, got %d", len(segs))
	}
}

func TestOpenNextSegmentStaysDisarmedForDetectionStream(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.DetectionBasedRecording = true
	stream.PostDetectionBuffer = 5
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}

	if h := w.registry.Handle("cam1"); h != nil {
		t.Fatal("detection-triggered stream must stay disarmed until a trigger arrives")
	}
	if w.pendingHandle == nil {
		t.Fatal("expected the opened segment to be stashed as pendingHandle")
	}
}

func TestMaybeArmForDetectionArmsPendingHandleOnTrigger(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.DetectionBasedRecording = true
	stream.PostDetectionBuffer = 5
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}
	if w.registry.Handle("cam1") != nil {
		t.Fatal("precondition: should start disarmed")
	}

	w.NotifyDetection(DetectionTrigger{At: time.Now()})
	w.maybeArmForDetection(context.Background())

	if w.registry.Handle("cam1") == nil {
		t.Fatal("expected a detection trigger to arm the pending handle")
	}
	if w.pendingHandle != nil {
		t.Fatal("expected pendingHandle cleared once armed")
	}
}

func TestMaybeDisarmForDetectionWaitsOutPostBuffer(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.DetectionBasedRecording = true
	stream.PostDetectionBuffer = 3600 // long enough it never elapses in-test
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}
	w.NotifyDetection(DetectionTrigger{At: time.Now()})
	w.maybeArmForDetection(context.Background())
	if w.registry.Handle("cam1") == nil {
		t.Fatal("precondition: expected armed handle")
	}

	w.maybeDisarmForDetection(context.Background())

	if w.registry.Handle("cam1") == nil {
		t.Fatal("should stay armed while inside the post-detection buffer window")
	}
}

func TestMaybeDisarmForDetectionDisarmsAfterPostBufferElapses(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.DetectionBasedRecording = true
	stream.PostDetectionBuffer = 0 // elapses immediately (time.Since >= 0)
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}
	w.NotifyDetection(DetectionTrigger{At: time.Now().Add(-time.Second)})
	w.maybeArmForDetection(context.Background())
	if w.registry.Handle("cam1") == nil {
		t.Fatal("precondition: expected armed handle")
	}

	w.maybeDisarmForDetection(context.Background())

	if w.registry.Handle("cam1") != nil {
		t.Fatal("expected the writer disarmed once the post-detection buffer elapsed")
	}
}

func TestRunRotatingClosesUnarmedPendingHandle(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.DetectionBasedRecording = true
	stream.SegmentDuration = 60
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}
	stale := w.pendingHandle
	if stale == nil {
		t.Fatal("precondition: expected an unarmed pendingHandle")
	}

	// segment_duration elapsed with no detection trigger: runRotating must
	// still close the never-armed pending segment instead of leaking it.
	w.runRotating(context.Background())

	if w.pendingHandle == stale {
		t.Fatal("expected runRotating to replace the stale, never-armed pendingHandle")
	}
	if _, err := os.Stat(stale.PartPath); !os.IsNotExist(err) {
		t.Fatal("expected the abandoned segment's .part file to be removed")
	}
}

func TestDisarmAndAbandonDiscardsPartialSegment(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	w, cat := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}
	h := w.registry.Handle("cam1")
	if h == nil {
		t.Fatal("expected an armed handle")
	}

	w.disarmAndAbandon(context.Background(), h)

	if w.registry.Handle("cam1") != nil {
		t.Fatal("expected the writer disarmed after a mid-frame failure")
	}
	if !w.segmentStart.IsZero() {
		t.Fatal("expected segmentStart reset so the next loop opens a fresh segment")
	}

	events, err := cat.ListEvents(context.Background(), "cam1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == model.EventWriterFailure {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a writer_failure event to be recorded")
	}
}

func TestRunStreamingWritesFramesUntilStopped(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.SegmentDuration = 3600 // long enough that time-based rotation never triggers
	w, cat := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.currentParams = src.params
	w.Enable(true)

	src.results <- frameResult{frame: makeFrame(true, "keyframe-1")}
	src.results <- frameResult{frame: makeFrame(false, "delta-1")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.runStreaming(ctx)
		close(done)
	}()

	// Let both frames drain, then request a stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runStreaming did not return after ctx was cancelled")
	}

	h := w.registry.Handle("cam1")
	if h == nil {
		t.Fatal("expected the writer to still be armed (runStreaming does not close on ctx cancel)")
	}
	if h.FirstFrameAt.IsZero() {
		t.Fatal("expected at least one frame written before cancellation")
	}
	_ = cat
}

func TestRunStreamingReturnsToIdleWhenDisabled(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{})
	w.enable.Store(false)

	w.runStreaming(context.Background())

	if w.State() != StateIdle {
		t.Fatalf("state = %s, want idle once disabled mid-stream", w.State())
	}
	if w.registry.Handle("cam1") != nil {
		t.Fatal("expected the active writer closed when disabled")
	}
}

func TestRunStoppingClosesWriterAndSource(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	w, cat := newTestWorker(t, stream, src, config.CaptureConfig{ShutdownGrace: time.Second})
	w.currentParams = src.params

	if err := w.openNextSegment(context.Background()); err != nil {
		t.Fatalf("openNextSegment: %v", err)
	}

	w.runStopping()

	if !src.closed {
		t.Fatal("expected the source closed on shutdown")
	}
	if w.State() != StateIdle {
		t.Fatalf("state = %s, want idle after stopping", w.State())
	}
	segs, err := cat.ListSegments(context.Background(), model.SegmentQuery{StreamName: "cam1"})
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 || !segs[0].IsComplete {
		t.Fatalf("expected the open segment finalized as complete, got %+v", segs)
	}
}

func TestRunEndToEndReachesStreamingAndStopsCleanly(t *testing.T) {
	src := newFakeSource()
	src.params = muxer.Params{Codec: "h264", Width: 640, Height: 480, FrameRate: 15}
	stream := testStream("cam1")
	stream.SegmentDuration = 3600
	w, _ := newTestWorker(t, stream, src, config.CaptureConfig{ShutdownGrace: time.Second})
	w.Enable(true)

	go func() {
		for {
			select {
			case src.results <- frameResult{frame: makeFrame(true, "kf")}:
				time.Sleep(time.Millisecond)
			case <-w.stopped:
				return
			}
		}
	}()

	runDone := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(runDone)
	}()

	// Give the state machine time to reach Streaming and write frames.
	deadline := time.After(time.Second)
	for w.State() != StateStreaming {
		select {
		case <-deadline:
			t.Fatal("worker never reached Streaming")
		case <-time.After(time.Millisecond):
		}
	}

	w.Stop()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
