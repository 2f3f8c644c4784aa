// Package engine wires together the Catalog Store, Segment Store, Ring
// Buffer Pool, Writer Registry, one Capture Worker per stream, and the
// Retention Cleaner into the single top-level object a deployment
// constructs and starts (spec.md's System Overview six-component list).
//
// It is grounded on the donor's RecordingService (the donor's
// legacy_recorder.go, no longer in this tree): the CompareAndSwap-guarded Start/Stop lifecycle,
// checkDiskSpace preflight, sync.WaitGroup-tracked workers, and the
// bounded-timeout graceful-shutdown shape are all reused, generalized from
// "one encoder + two fixed recording slots" to "one Capture Worker per
// catalog stream, started and stopped independently".
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lightnvr/engine/internal/capture"
	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/dedup"
	"github.com/lightnvr/engine/internal/metrics"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/recorderlog"
	"github.com/lightnvr/engine/internal/retention"
	"github.com/lightnvr/engine/internal/ringbuf"
	"github.com/lightnvr/engine/internal/segstore"
	"github.com/lightnvr/engine/internal/writerreg"
)

// SourceFactory builds the frame source for a stream. Deployments provide
// their own RTSP/ONVIF implementation; the engine only needs the
// capture.Source seam.
type SourceFactory func(model.Stream) capture.Source

// Engine owns every long-lived component and the per-stream Capture
// Workers built on top of them.
type Engine struct {
	cfg    config.Config
	logger recorderlog.Logger

	Catalog   *catalog.Store
	Segments  *segstore.Store
	Pool      *ringbuf.Pool
	Registry  *writerreg.Registry
	Dedup     dedup.Set
	Metrics   *metrics.Metrics
	Retention *retention.Cleaner

	metricsServer *metrics.Server
	sourceFactory SourceFactory

	mu      sync.RWMutex
	workers map[string]*capture.Worker

	runCtx    context.Context
	runCancel context.CancelFunc

	wg      sync.WaitGroup
	running atomic.Bool
}

// New constructs an Engine. cat must already be open (see catalog.Open);
// New itself performs no I/O.
func New(cfg *config.Config, cat *catalog.Store, sourceFactory SourceFactory) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config")
	}
	if cat == nil {
		return nil, fmt.Errorf("engine: nil catalog store")
	}

	dedupSet, err := dedup.New(cfg.Dedup)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to construct dedup set: %w", err)
	}

	m := metrics.New()
	segs := segstore.New(cfg.Segments.Root, cat, m)

	pool := ringbuf.NewPool()
	if cfg.RingBuffer.MaxMemoryMB > 0 {
		pool.WithMemoryManager(ringbuf.NewMemoryManager(cfg.RingBuffer.MaxMemoryMB))
	}

	return &Engine{
		cfg:           *cfg,
		logger:        recorderlog.L().Named("engine"),
		Catalog:       cat,
		Segments:      segs,
		Pool:          pool,
		Registry:      writerreg.New(),
		Dedup:         dedupSet,
		Metrics:       m,
		Retention:     retention.New(cat, cfg.Segments.Root, cfg.Retention, m),
		metricsServer: metrics.NewServer(m, cfg.Metrics),
		sourceFactory: sourceFactory,
		workers:       make(map[string]*capture.Worker),
	}, nil
}

// Start performs boot-time crash-finalize, loads every enabled stream from
// the catalog, launches one Capture Worker per stream, and starts the
// Retention Cleaner and metrics server. It mirrors the donor's
// CompareAndSwap-guarded single-start discipline.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already running")
	}

	e.runCtx, e.runCancel = context.WithCancel(ctx)

	if err := e.checkDiskSpace(); err != nil {
		e.running.Store(false)
		return fmt.Errorf("engine: insufficient disk space: %w", err)
	}

	recovered, corrupted, err := e.Segments.CrashFinalizeAll(ctx)
	if err != nil {
		e.logger.Error("crash-finalize scan failed", recorderlog.Error(err))
	} else {
		e.logger.Info("crash-finalize complete", recorderlog.Int("recovered", recovered), recorderlog.Int("corrupted", corrupted))
	}

	streams, err := e.Catalog.ListStreams(ctx)
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("engine: failed to list streams: %w", err)
	}
	for _, s := range streams {
		if !s.Enabled || !s.Record {
			continue
		}
		e.startWorker(*s)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Retention.Run(e.runCtx)
	}()

	if mm := e.Pool.MemoryManager(); mm != nil {
		interval := e.cfg.RingBuffer.MonitorInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		mm.StartMonitoring(interval, e.runCtx.Done())
	}

	if e.cfg.Metrics.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.metricsServer.Start(); err != nil {
				e.logger.Error("metrics server stopped", recorderlog.Error(err))
			}
		}()
	}

	e.logger.Info("engine started", recorderlog.Int("streams", len(e.workers)))
	return nil
}

// startWorker constructs, registers, enables, and launches a Capture
// Worker for stream s. Callers must hold no lock; startWorker takes its own.
func (e *Engine) startWorker(s model.Stream) {
	if s.PreDetectionBuffer > 0 {
		e.Pool.Enable(s.Name, ringbuf.NewForStream(float64(s.PreDetectionBuffer), s.FPS))
	}

	var source capture.Source
	if e.sourceFactory != nil {
		source = e.sourceFactory(s)
	}

	w := capture.NewWorker(s, source, e.Pool, e.Registry, e.Segments, e.Catalog, e.cfg.Capture, e.Metrics)

	e.mu.Lock()
	e.workers[s.Name] = w
	e.mu.Unlock()

	w.Enable(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.Run(e.runCtx)
	}()
}

// NotifyDetection routes a detection trigger to the named stream's
// Capture Worker, per spec.md §6.4. It is a no-op if the stream has no
// running worker.
func (e *Engine) NotifyDetection(stream string, at time.Time) {
	e.mu.RLock()
	w, ok := e.workers[stream]
	e.mu.RUnlock()
	if !ok {
		return
	}
	w.NotifyDetection(capture.DetectionTrigger{At: at})
}

// Stop signals every Capture Worker, the Retention Cleaner, and the
// metrics server to stop, waits up to the configured grace period, and
// disarms/closes any writer still open, per spec.md §5's global shutdown
// contract ("stops all workers in parallel, bounded grace period, then
// crash-finalize on remaining .part files").
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.logger.Info("stopping engine")

	if e.runCancel != nil {
		// Unblocks any worker parked in a blocking Source.Open/ReadFrame
		// call; Worker.Stop's close(w.stop) alone only reaches the
		// select between state transitions, not a call in flight.
		e.runCancel()
	}

	e.mu.RLock()
	workers := make([]*capture.Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	var stopWG sync.WaitGroup
	for _, w := range workers {
		stopWG.Add(1)
		go func(w *capture.Worker) {
			defer stopWG.Done()
			w.Stop()
		}(w)
	}

	done := make(chan struct{})
	go func() {
		stopWG.Wait()
		close(done)
	}()

	grace := e.cfg.Capture.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("shutdown grace period exceeded, some workers may not have closed cleanly")
	}

	closeCtx := context.Background()
	for _, h := range e.Registry.DisarmAll() {
		size, err := e.Segments.CloseSegment(h.Writer, h.PartPath, h.FinalPath)
		if err != nil {
			e.logger.Error("failed to close writer during shutdown", recorderlog.Error(err))
			_ = e.Catalog.RecordEvent(closeCtx, model.EventCatalogFailure, h.StreamName, err.Error(), h.FinalPath)
			continue
		}
		if err := e.Catalog.CloseSegmentByID(closeCtx, h.SegmentID, time.Now().Unix(), size); err != nil {
			e.logger.Error("failed to close segment row during shutdown", recorderlog.Error(err))
			_ = e.Catalog.RecordEvent(closeCtx, model.EventCatalogFailure, h.StreamName, err.Error(), h.FinalPath)
			continue
		}
		_ = e.Catalog.RecordEvent(closeCtx, model.EventSegmentClosed, h.StreamName, fmt.Sprintf("size=%d", size), h.FinalPath)
	}

	if recovered, corrupted, err := e.Segments.CrashFinalizeAll(closeCtx); err != nil {
		e.logger.Error("shutdown crash-finalize scan failed", recorderlog.Error(err))
	} else if recovered+corrupted > 0 {
		e.logger.Info("shutdown crash-finalize complete", recorderlog.Int("recovered", recovered), recorderlog.Int("corrupted", corrupted))
	}

	if err := e.metricsServer.Shutdown(context.Background()); err != nil {
		e.logger.Error("failed to shut down metrics server", recorderlog.Error(err))
	}
	if err := e.Dedup.Close(); err != nil {
		e.logger.Error("failed to close dedup set", recorderlog.Error(err))
	}

	e.wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// checkDiskSpace verifies the segment root has enough free space to start
// recording, following the donor's syscall.Statfs preflight check.
func (e *Engine) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(e.cfg.Segments.Root, &stat); err != nil {
		return fmt.Errorf("failed to stat segments root: %w", err)
	}

	availableMB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024)
	const minRequiredMB = 1024
	if availableMB < minRequiredMB {
		return fmt.Errorf("insufficient disk space: %d MB available, %d MB required", availableMB, minRequiredMB)
	}
	return nil
}
