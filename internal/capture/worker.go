// Package capture implements the Capture Worker (spec.md §4.5): one
// long-lived task per enabled stream that pulls frames from the upstream
// source, pushes them into the Ring Buffer Pool, and — when armed — hands
// them to the Writer Registry's active writer.
//
// It is grounded on the donor's ContinuousRecorder/MotionRecorder
// (legacy_continuous.go, legacy_motion.go) for the rotate-on-time-or-size
// and pre-buffer-then-live-stream shapes, and on RecordingService's
// frameProcessor/motionHandler goroutines (legacy_recorder.go) for the
// select-loop-over-channels worker shape. The explicit state machine and
// exponential backoff are new: the donor reconnects ad hoc inside its own
// capture code (out of scope here) rather than exposing a named state
// machine, so State/backoff are grounded on spec.md §4.5's transition
// table plus cenkalti/backoff/v4 (already a donor dependency, previously
// unused for this purpose).
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/engine/errs"
	"github.com/lightnvr/engine/internal/metrics"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/recorderlog"
	"github.com/lightnvr/engine/internal/ringbuf"
	"github.com/lightnvr/engine/internal/segstore"
	"github.com/lightnvr/engine/internal/writerreg"
)

// State is one node of the Capture Worker state machine (spec.md §4.5).
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateBackoff    State = "backoff"
	StateStreaming  State = "streaming"
	StateRotating   State = "rotating"
	StateStopping   State = "stopping"
)

// Source is the upstream frame producer a Capture Worker drives. Real
// transport implementations (RTSP/ONVIF pull, etc.) are outside this
// engine's scope — the spec describes the recording core downstream of
// "open source URL, probe codec", not the wire protocol itself — so Source
// is the seam a deployment plugs a puller into.
type Source interface {
	// Open connects to url and probes the codec/dimensions, per spec.md
	// §4.5's Connecting state entry action.
	Open(ctx context.Context, url string) (muxer.Params, error)
	// ReadFrame blocks until the next frame is available, ctx is done, or
	// the source is closed.
	ReadFrame(ctx context.Context) (*ringbuf.Frame, error)
	Close() error
}

// DetectionTrigger is a single external "start/extend a detection window"
// signal delivered through NotifyDetection (spec.md §6.4).
type DetectionTrigger struct {
	At time.Time
}

const detectionInboxCapDefault = 8

// Worker drives one stream end-to-end.
type Worker struct {
	stream   model.Stream
	source   Source
	pool     *ringbuf.Pool
	registry *writerreg.Registry
	segs     *segstore.Store
	cat      *catalog.Store
	cfg      config.CaptureConfig
	metrics  *metrics.Metrics
	logger   recorderlog.Logger

	mu    sync.RWMutex
	state State

	stop            chan struct{}
	stopped         chan struct{}
	detectionInbox  chan DetectionTrigger
	enable          atomic.Bool
	lastDetectionAt atomic.Int64 // unix nanos

	// Fields below are only ever touched from the single goroutine that
	// runs Run, so they need no synchronization of their own.
	currentParams   muxer.Params
	backoffPolicy   *backoff.ExponentialBackOff
	segmentStart    time.Time
	pendingHandle   *writerreg.Handle
	lastRingDropped uint64

	errBurst struct {
		mu     sync.Mutex
		count  int
		window time.Time
	}
}

// NewWorker constructs a Capture Worker for stream, idle until Run is
// called and Enable(true) is invoked. m may be nil, in which case the
// worker records no metrics (used by tests that don't care about them).
func NewWorker(stream model.Stream, source Source, pool *ringbuf.Pool, registry *writerreg.Registry, segs *segstore.Store, cat *catalog.Store, cfg config.CaptureConfig, m *metrics.Metrics) *Worker {
	inboxCap := cfg.DetectionInboxCap
	if inboxCap <= 0 {
		inboxCap = detectionInboxCapDefault
	}
	return &Worker{
		stream:         stream,
		source:         source,
		pool:           pool,
		registry:       registry,
		segs:           segs,
		cat:            cat,
		cfg:            cfg,
		metrics:        m,
		logger:         recorderlog.L().Named("capture").With(recorderlog.String("stream", stream.Name)),
		state:          StateIdle,
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
		detectionInbox: make(chan DetectionTrigger, inboxCap),
	}
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

var allStates = []State{StateIdle, StateConnecting, StateBackoff, StateStreaming, StateRotating, StateStopping}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()

	if w.metrics == nil {
		return
	}
	for _, candidate := range allStates {
		v := 0.0
		if candidate == s {
			v = 1
		}
		w.metrics.CaptureState.WithLabelValues(w.stream.Name, string(candidate)).Set(v)
	}
}

// Enable transitions Idle -> Connecting (or, if false, requests a stop from
// any state, matching the "disable -> Idle" edge from Streaming).
func (w *Worker) Enable(on bool) {
	w.enable.Store(on)
}

// NotifyDetection delivers a detection trigger via a bounded, drop-oldest
// inbox (spec.md §6.4: "per-stream bounded inbox"). It never blocks.
func (w *Worker) NotifyDetection(t DetectionTrigger) {
	select {
	case w.detectionInbox <- t:
	default:
		select {
		case <-w.detectionInbox:
		default:
		}
		select {
		case w.detectionInbox <- t:
		default:
		}
	}
	w.lastDetectionAt.Store(t.At.UnixNano())
}

// Stop signals the worker to finish its current frame write, detach and
// close its writer, and exit (spec.md §5 cancellation contract). It blocks
// until the worker has fully stopped.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.stopped
}

// Run drives the state machine until Stop is called or ctx is done. It is
// meant to be launched once per stream in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	for {
		select {
		case <-ctx.Done():
			w.runStopping()
			return
		case <-w.stop:
			w.runStopping()
			return
		default:
		}

		switch w.State() {
		case StateIdle:
			w.runIdle(ctx)
		case StateConnecting:
			w.runConnecting(ctx)
		case StateBackoff:
			w.runBackoff(ctx)
		case StateStreaming:
			w.runStreaming(ctx)
		case StateRotating:
			w.runRotating(ctx)
		case StateStopping:
			w.runStopping()
			return
		}
	}
}

func (w *Worker) runIdle(ctx context.Context) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-t.C:
			if w.enable.Load() {
				w.setState(StateConnecting)
				return
			}
		}
	}
}

func (w *Worker) runConnecting(ctx context.Context) {
	params, err := w.source.Open(ctx, w.stream.URL)
	if err != nil {
		w.logger.Warn("connect failed", recorderlog.Error(err))
		w.setState(StateBackoff)
		return
	}
	w.currentParams = params
	w.backoffPolicy = nil
	w.setState(StateStreaming)
	w.segmentStart = time.Time{}
}

func (w *Worker) runBackoff(ctx context.Context) {
	if w.backoffPolicy == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = orDefault(w.cfg.BackoffInitial, time.Second)
		eb.MaxInterval = orDefault(w.cfg.BackoffMax, 30*time.Second)
		eb.Multiplier = 2
		eb.MaxElapsedTime = 0 // never gives up; the worker retries indefinitely
		w.backoffPolicy = eb
	}
	wait := w.backoffPolicy.NextBackOff()

	select {
	case <-ctx.Done():
		return
	case <-w.stop:
		return
	case <-time.After(wait):
		w.setState(StateConnecting)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (w *Worker) runStreaming(ctx context.Context) {
	if w.segmentStart.IsZero() {
		if err := w.openNextSegment(ctx); err != nil {
			w.logger.Error("failed to open initial segment", recorderlog.Error(err))
			w.setState(StateBackoff)
			return
		}
	}

	segDuration := time.Duration(w.stream.SegmentDuration) * time.Second
	hardCeiling := 2 * segDuration

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		if !w.enable.Load() {
			w.setState(StateIdle)
			w.closeActiveWriter(ctx)
			return
		}

		frame, err := w.source.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if w.recordFrameError() {
				w.logger.Warn("error burst, escalating to backoff", recorderlog.Error(err))
				w.setState(StateBackoff)
				return
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.FramesReceivedTotal.WithLabelValues(w.stream.Name).Inc()
		}

		if ring := w.pool.Get(w.stream.Name); ring != nil {
			if err := ring.Push(frame); err != nil {
				w.logger.Debug("ring push failed", recorderlog.Error(err))
			}
			if w.metrics != nil {
				_, dropped, _ := ring.Metrics()
				if delta := dropped - w.lastRingDropped; delta > 0 {
					w.metrics.FramesDroppedTotal.WithLabelValues(w.stream.Name).Add(float64(delta))
				}
				w.lastRingDropped = dropped
			}
		}

		w.maybeArmForDetection(ctx)

		if h := w.registry.Handle(w.stream.Name); h != nil {
			if _, err := h.Writer.WriteFrame(frame.Payload, frame.PTS, frame.Keyframe); err != nil {
				w.logger.Warn("writer failed, disarming", recorderlog.Error(err))
				w.disarmAndAbandon(ctx, h)
			} else {
				h.LastFrameAt = frame.Timestamp
				if h.FirstFrameAt.IsZero() {
					h.FirstFrameAt = frame.Timestamp
				}
			}
		}

		w.maybeDisarmForDetection(ctx)

		elapsed := time.Since(w.segmentStart)
		wantsRotate := segDuration > 0 && elapsed >= segDuration
		// A zero segmentStart (after disarmAndAbandon) waits for a keyframe.
		mustRotate := !w.segmentStart.IsZero() && elapsed >= hardCeiling
		if wantsRotate && (frame.Keyframe || mustRotate) {
			w.setState(StateRotating)
			return
		}
	}
}

func (w *Worker) runRotating(ctx context.Context) {
	// closeActiveWriter is nil-safe for both the registry and pendingHandle
	// paths: an unarmed detection stream's open segment lives only in
	// pendingHandle, so gating this on registry.Handle != nil would rotate
	// past it without ever closing it.
	w.closeActiveWriter(ctx)
	if err := w.openNextSegment(ctx); err != nil {
		w.logger.Error("failed to rotate segment", recorderlog.Error(err))
		w.setState(StateBackoff)
		return
	}
	w.setState(StateStreaming)
}

func (w *Worker) runStopping() {
	ctx, cancel := context.WithTimeout(context.Background(), orDefault(w.cfg.ShutdownGrace, 5*time.Second))
	defer cancel()
	w.closeActiveWriter(ctx)
	if w.source != nil {
		_ = w.source.Close()
	}
	w.setState(StateIdle)
}

// openNextSegment opens a new segment file, registers it with the catalog
// (open_segment observed before any video data, per spec.md §5), arms the
// Writer Registry, and flushes the pre-roll buffer if this stream isn't in
// detection-triggered mode (continuous streams arm immediately).
func (w *Worker) openNextSegment(ctx context.Context) error {
	start := time.Now()
	writer, finalPath, partPath, err := w.segs.OpenSegment(w.stream.Name, start, w.currentParams)
	if err != nil {
		return err
	}

	segID, err := w.cat.OpenSegment(ctx, w.stream.Name, finalPath, start.Unix(),
		w.currentParams.Width, w.currentParams.Height, w.currentParams.FrameRate, w.currentParams.Codec)
	if err != nil {
		_ = w.segs.AbandonSegment(partPath)
		return errs.New(errs.FatalIO, "capture.openNextSegment", err)
	}

	handle := &writerreg.Handle{
		Writer:     writer,
		SegmentID:  segID,
		PartPath:   partPath,
		FinalPath:  finalPath,
		StreamName: w.stream.Name,
	}

	if w.metrics != nil {
		w.metrics.SegmentsOpenedTotal.WithLabelValues(w.stream.Name).Inc()
	}

	w.segmentStart = start

	if w.stream.DetectionBasedRecording {
		// Detection-triggered streams stay disarmed until a trigger fires;
		// the segment file exists (and the writer is open) but is not
		// installed in the registry yet.
		w.pendingHandle = handle
		return nil
	}

	previous, err := w.registry.Arm(handle, w.pool)
	if err != nil {
		w.logger.Warn("pre-roll flush into new writer failed", recorderlog.Error(err))
	}
	w.closeHandle(ctx, previous)
	return nil
}

func (w *Worker) maybeArmForDetection(ctx context.Context) {
	if !w.stream.DetectionBasedRecording {
		return
	}
	select {
	case trig := <-w.detectionInbox:
		w.lastDetectionAt.Store(trig.At.UnixNano())
		if w.registry.Handle(w.stream.Name) != nil {
			return
		}
		if w.pendingHandle == nil {
			return
		}
		previous, err := w.registry.Arm(w.pendingHandle, w.pool)
		if err != nil {
			w.logger.Warn("detection arm: pre-roll flush failed", recorderlog.Error(err))
		}
		w.closeHandle(ctx, previous)
		w.pendingHandle = nil
	default:
	}
}

func (w *Worker) maybeDisarmForDetection(ctx context.Context) {
	if !w.stream.DetectionBasedRecording {
		return
	}
	h := w.registry.Handle(w.stream.Name)
	if h == nil {
		return
	}
	postWindow := time.Duration(w.stream.PostDetectionBuffer) * time.Second
	last := time.Unix(0, w.lastDetectionAt.Load())
	if last.IsZero() || time.Since(last) < postWindow {
		return
	}
	w.disarmAndClose(ctx, h)
}

func (w *Worker) closeActiveWriter(ctx context.Context) {
	if h := w.registry.Disarm(w.stream.Name); h != nil {
		w.closeHandle(ctx, h)
	}
	if w.pendingHandle != nil {
		_ = w.pendingHandle.Writer.Close()
		_ = w.segs.AbandonSegment(w.pendingHandle.PartPath)
		w.pendingHandle = nil
	}
}

func (w *Worker) disarmAndClose(ctx context.Context, h *writerreg.Handle) {
	w.registry.Disarm(w.stream.Name)
	w.closeHandle(ctx, h)
}

// disarmAndAbandon implements spec.md §4.5's "Writer failures during a
// frame write disarm the writer (delete-partial path) and re-arm on the
// next keyframe": the broken segment's partial file is discarded rather
// than closed cleanly, and the worker keeps streaming so one broken
// segment does not stop recording.
func (w *Worker) disarmAndAbandon(ctx context.Context, h *writerreg.Handle) {
	w.registry.Disarm(w.stream.Name)
	_ = h.Writer.Close()
	_ = w.segs.AbandonSegment(h.PartPath)
	_ = w.cat.RecordEvent(ctx, model.EventWriterFailure, w.stream.Name, "writer failed mid-frame, segment discarded", h.PartPath)
	w.segmentStart = time.Time{} // open a fresh segment at the next keyframe
}

func (w *Worker) closeHandle(ctx context.Context, h *writerreg.Handle) {
	if h == nil {
		return
	}
	size, err := w.segs.CloseSegment(h.Writer, h.PartPath, h.FinalPath)
	if err != nil {
		w.logger.Error("failed to close segment", recorderlog.Error(err))
		_ = w.cat.RecordEvent(ctx, model.EventCatalogFailure, w.stream.Name, err.Error(), h.FinalPath)
		return
	}
	if err := w.cat.CloseSegmentByID(ctx, h.SegmentID, time.Now().Unix(), size); err != nil {
		w.logger.Error("failed to close segment row", recorderlog.Error(err))
		_ = w.cat.RecordEvent(ctx, model.EventCatalogFailure, w.stream.Name, err.Error(), h.FinalPath)
		return
	}
	_ = w.cat.RecordEvent(ctx, model.EventSegmentClosed, w.stream.Name, fmt.Sprintf("size=%d", size), h.FinalPath)

	if w.metrics != nil {
		w.metrics.SegmentsClosedTotal.WithLabelValues(w.stream.Name).Inc()
		w.metrics.SegmentSizeBytes.WithLabelValues(w.stream.Name).Observe(float64(size))
		if !h.FirstFrameAt.IsZero() && !h.LastFrameAt.IsZero() {
			w.metrics.SegmentDurationSeconds.WithLabelValues(w.stream.Name).Observe(h.LastFrameAt.Sub(h.FirstFrameAt).Seconds())
		}
	}
}

// recordFrameError counts decode errors within a rolling window and
// reports whether the burst threshold was crossed, per spec.md §4.5: "a
// burst of N errors in T seconds escalates to Backoff".
func (w *Worker) recordFrameError() bool {
	w.errBurst.mu.Lock()
	defer w.errBurst.mu.Unlock()

	window := orDefault(w.cfg.ErrorBurstWindow, 10*time.Second)
	if time.Since(w.errBurst.window) > window {
		w.errBurst.window = time.Now()
		w.errBurst.count = 0
	}
	w.errBurst.count++

	limit := w.cfg.ErrorBurstCount
	if limit <= 0 {
		limit = 20
	}
	return w.errBurst.count >= limit
}
