// Control-surface operations the core exposes to the (out-of-scope) HTTP
// layer, per spec.md §6.3: segment read/lookup/delete, timeline manifest
// building, and the recording lifecycle knobs beyond process Start/Stop
// (enable/disable/update_config/trigger_cleanup_now/set_cleanup_interval).
// NotifyDetection (spec.md §6.4) lives in engine.go alongside Start/Stop
// since it is on the hot per-frame path rather than an operator control.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lightnvr/engine/internal/engine/errs"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/recorderlog"
	"github.com/lightnvr/engine/internal/timeline"
)

// EnableStream marks a stream enabled+recording in the catalog and starts
// its Capture Worker if one isn't already running, per spec.md §6.3
// recording.enable.
func (e *Engine) EnableStream(ctx context.Context, name string) error {
	s, err := e.Catalog.GetStream(ctx, name)
	if err != nil {
		return err
	}
	s.Enabled = true
	s.Record = true
	if _, err := e.Catalog.UpsertStream(ctx, s); err != nil {
		return err
	}

	e.mu.RLock()
	_, running := e.workers[name]
	e.mu.RUnlock()
	if !running {
		e.startWorker(*s)
	}
	return nil
}

// DisableStream marks a stream disabled in the catalog and stops its
// Capture Worker, per spec.md §6.3 recording.disable.
func (e *Engine) DisableStream(ctx context.Context, name string) error {
	s, err := e.Catalog.GetStream(ctx, name)
	if err != nil {
		return err
	}
	s.Enabled = false
	if _, err := e.Catalog.UpsertStream(ctx, s); err != nil {
		return err
	}
	e.stopWorker(name)
	return nil
}

// UpdateStreamConfig replaces a stream's catalog row and, if the stream
// currently has a running Capture Worker, restarts it so parameters like
// segment_duration or the detection buffers take effect on the next
// segment instead of only after a process restart, per spec.md §6.3
// recording.update_config.
func (e *Engine) UpdateStreamConfig(ctx context.Context, cfg *model.Stream) error {
	if _, err := e.Catalog.UpsertStream(ctx, cfg); err != nil {
		return err
	}

	e.mu.RLock()
	_, running := e.workers[cfg.Name]
	e.mu.RUnlock()
	if !running {
		return nil
	}

	e.stopWorker(cfg.Name)
	if cfg.Enabled && cfg.Record {
		e.startWorker(*cfg)
	}
	return nil
}

// stopWorker signals the named stream's Capture Worker to stop and waits
// for it to finish, mirroring Stop's per-worker shutdown but scoped to one
// stream so EnableStream/DisableStream/UpdateStreamConfig can restart a
// single worker without disturbing the rest of the fleet.
func (e *Engine) stopWorker(name string) {
	e.mu.Lock()
	w, ok := e.workers[name]
	if ok {
		delete(e.workers, name)
	}
	e.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// TriggerCleanupNow runs one retention sweep immediately, out of band from
// the periodic ticker, per spec.md §6.3 recording.trigger_cleanup_now.
func (e *Engine) TriggerCleanupNow(ctx context.Context) error {
	return e.Retention.RunOnce(ctx)
}

// SetCleanupInterval changes the Retention Cleaner's sweep period, taking
// effect on its next tick, per spec.md §6.3 recording.set_cleanup_interval.
func (e *Engine) SetCleanupInterval(d time.Duration) {
	e.Retention.SetInterval(d)
}

// ListSegmentsByRange lists a stream's segments starting within [t0, t1],
// per spec.md §6.3 segments.list_by_range. t0/t1 of zero leave that bound
// open.
func (e *Engine) ListSegmentsByRange(ctx context.Context, stream string, t0, t1 int64, limit, offset int, order string) ([]*model.Segment, error) {
	return e.Catalog.ListSegments(ctx, model.SegmentQuery{
		StreamName: stream,
		StartRange: sql.NullInt64{Int64: t0, Valid: t0 > 0},
		EndRange:   sql.NullInt64{Int64: t1, Valid: t1 > 0},
		Order:      order,
		Limit:      limit,
		Offset:     offset,
	})
}

// GetSegmentByID looks up one segment row, per spec.md §6.3
// segments.get_by_id.
func (e *Engine) GetSegmentByID(ctx context.Context, id int64) (*model.Segment, error) {
	return e.Catalog.GetSegmentByID(ctx, id)
}

// DeleteSegmentByID unlinks a segment's file, then removes its row,
// honoring I1 (unlink before row delete) the same way the Retention
// Cleaner does, per spec.md §6.3 segments.delete_by_id.
func (e *Engine) DeleteSegmentByID(ctx context.Context, id int64) error {
	seg, err := e.Catalog.GetSegmentByID(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.TransientIO, "engine.DeleteSegmentByID", err)
	}
	return e.Catalog.DeleteSegment(ctx, seg.ID)
}

// OpenSegmentForRead resolves a segment id to its current file path, MIME
// type, and on-disk size, per spec.md §6.3 segments.open_for_read.
func (e *Engine) OpenSegmentForRead(ctx context.Context, id int64) (path, mimeType string, size int64, err error) {
	seg, err := e.Catalog.GetSegmentByID(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	info, statErr := os.Stat(seg.FilePath)
	if statErr != nil {
		return "", "", 0, errs.New(errs.NotFound, "engine.OpenSegmentForRead", statErr)
	}
	return seg.FilePath, mimeForExt(filepath.Ext(seg.FilePath)), info.Size(), nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

// BuildManifest renders an HLS-style playlist covering [t0, t1] for stream
// and writes it under the segment root's "manifests" directory, per
// spec.md §6.3 timeline.build_manifest.
func (e *Engine) BuildManifest(ctx context.Context, stream string, t0, t1 int64) (string, error) {
	segs, err := e.ListSegmentsByRange(ctx, stream, t0, t1, 0, 0, "asc")
	if err != nil {
		return "", err
	}
	path, err := timeline.BuildManifest(filepath.Join(e.cfg.Segments.Root, "manifests"), stream, t0, t1, segs)
	if err != nil {
		e.logger.Error("failed to build manifest", recorderlog.String("stream", stream), recorderlog.Error(err))
		return "", fmt.Errorf("engine: build manifest: %w", err)
	}
	return path, nil
}
