// Package retention implements the Retention Cleaner (spec.md §4.6): a
// single periodic task that enforces age and quota limits on recorded
// segments and reconciles the catalog with what actually exists on disk.
//
// It is grounded on the donor's ContinuousRecorder.CleanupOldSegments and
// RunMaintenanceTask (the donor's legacy_continuous.go, no longer in this tree)
// for the ticker-driven, single-goroutine periodic-sweep shape; the
// three-pass structure itself (age, quota, orphan) and the unlink-before-
// row-delete ordering come from spec.md §4.6 and I1, since the donor's own
// cleanup pass is a single unconditional age-based sweep with no quota or
// orphan handling.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/metrics"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/recorderlog"
)

// Cleaner runs the age/quota/orphan passes on a fixed interval.
type Cleaner struct {
	cat     *catalog.Store
	root    string
	cfg     config.RetentionConfig
	metrics *metrics.Metrics
	logger  recorderlog.Logger

	intervalNanos atomic.Int64
	resetTick     chan struct{}
}

// New constructs a Retention Cleaner rooted at the same directory tree the
// Segment Store writes into. m may be nil, in which case the cleaner
// records no metrics.
func New(cat *catalog.Store, root string, cfg config.RetentionConfig, m *metrics.Metrics) *Cleaner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	c := &Cleaner{
		cat:       cat,
		root:      root,
		cfg:       cfg,
		metrics:   m,
		logger:    recorderlog.L().Named("retention"),
		resetTick: make(chan struct{}, 1),
	}
	c.intervalNanos.Store(int64(interval))
	return c
}

// SetInterval changes the sweep period for the next tick, per spec.md §6.3
// recording.set_cleanup_interval. Non-positive durations are ignored.
func (c *Cleaner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.intervalNanos.Store(int64(d))
	select {
	case c.resetTick <- struct{}{}:
	default:
	}
}

// Run drives the periodic sweep until ctx is cancelled, per spec.md §5
// ("one thread for the Retention Cleaner").
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.intervalNanos.Load()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.resetTick:
			ticker.Stop()
			ticker = time.NewTicker(time.Duration(c.intervalNanos.Load()))
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Error("retention sweep failed", recorderlog.Error(err))
			}
		}
	}
}

// RunOnce performs one full age -> quota -> orphan sweep across every
// stream, per spec.md §4.6. Passes run in this fixed order because the age
// pass shrinks the working set the quota pass has to consider, and the
// orphan pass assumes both have already reconciled what they can.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	streams, err := c.cat.ListStreams(ctx)
	if err != nil {
		return err
	}

	for _, s := range streams {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.agePass(ctx, s); err != nil {
			c.logger.Warn("age pass failed", recorderlog.String("stream", s.Name), recorderlog.Error(err))
		}
		if err := c.quotaPass(ctx, s); err != nil {
			c.logger.Warn("quota pass failed", recorderlog.String("stream", s.Name), recorderlog.Error(err))
		}
	}

	if err := c.orphanPass(ctx); err != nil {
		c.logger.Warn("orphan pass failed", recorderlog.Error(err))
	}
	return nil
}

func (c *Cleaner) retentionDaysFor(s *model.Stream) int {
	if s.RetentionDays > 0 {
		return s.RetentionDays
	}
	return c.cfg.DefaultMaxDays
}

func (c *Cleaner) maxStorageBytesFor(s *model.Stream) int64 {
	if s.MaxStorageMB > 0 {
		return s.MaxStorageMB * 1024 * 1024
	}
	return c.cfg.DefaultMaxMB * 1024 * 1024
}

// agePass deletes every segment whose end_time is older than the stream's
// retention window (spec.md §4.6: "unlink then delete the row"), honoring
// invariant I1 by always unlinking before the row disappears.
func (c *Cleaner) agePass(ctx context.Context, s *model.Stream) error {
	days := c.retentionDaysFor(s)
	if days <= 0 {
		return nil // 0 or unset means "keep forever" for this stream
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()

	segs, err := c.cat.ListSegments(ctx, model.SegmentQuery{
		StreamName: s.Name,
		Order:      "asc",
	})
	if err != nil {
		return err
	}

	for _, seg := range segs {
		if !seg.EndTime.Valid || seg.EndTime.Int64 >= cutoff {
			continue
		}
		c.deleteSegment(ctx, seg, "age")
	}
	return nil
}

// quotaPass deletes the oldest segments for a stream until its total size
// is back under the configured quota (spec.md §4.6: "delete oldest-first
// until the stream is back under quota").
func (c *Cleaner) quotaPass(ctx context.Context, s *model.Stream) error {
	quota := c.maxStorageBytesFor(s)
	if quota <= 0 {
		return nil // 0 means unlimited
	}

	total, err := c.cat.TotalSizeBytes(ctx, s.Name)
	if err != nil {
		return err
	}
	if total <= quota {
		return nil
	}

	segs, err := c.cat.ListSegments(ctx, model.SegmentQuery{
		StreamName: s.Name,
		Order:      "asc", // oldest first
	})
	if err != nil {
		return err
	}

	for _, seg := range segs {
		if total <= quota {
			break
		}
		if !seg.IsComplete {
			continue // never reclaim a segment still being written
		}
		c.deleteSegment(ctx, seg, "quota")
		total -= seg.SizeBytes
	}
	return nil
}

// orphanPass reconciles the catalog with the filesystem in both
// directions: rows whose backing file is missing are dropped, and stray
// ".part"/finished files with no catalog row are unlinked (spec.md §4.6).
func (c *Cleaner) orphanPass(ctx context.Context) error {
	segs, err := c.cat.ListSegments(ctx, model.SegmentQuery{})
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(segs))
	for _, seg := range segs {
		known[seg.FilePath] = struct{}{}
		if !seg.IsComplete {
			// OpenSegment records the final path before the writer has
			// renamed anything into place; until CloseSegment runs, the
			// file only exists as FilePath+".part". Stat-ing FilePath
			// here would always miss and both drop the live row and
			// leave the walk below to unlink the writer's live file.
			known[seg.FilePath+".part"] = struct{}{}
			continue
		}
		if _, statErr := os.Stat(seg.FilePath); os.IsNotExist(statErr) {
			c.logger.Warn("catalog row missing backing file, dropping row",
				recorderlog.String("path", seg.FilePath))
			_ = c.cat.RecordEvent(ctx, model.EventSegmentOrphaned, seg.StreamName, "missing file, row dropped", seg.FilePath)
			if err := c.cat.DeleteSegment(ctx, seg.ID); err != nil {
				c.logger.Error("failed to delete orphaned row", recorderlog.Error(err))
			}
		}
	}

	recordingsRoot := filepath.Join(c.root, "recordings")
	return filepath.WalkDir(recordingsRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if _, ok := known[path]; ok {
			return nil
		}
		c.logger.Warn("unlinking stray file with no catalog row", recorderlog.String("path", path))
		_ = os.Remove(path)
		return nil
	})
}

// deleteSegment enforces I1 (unlink before row delete) for a single row.
func (c *Cleaner) deleteSegment(ctx context.Context, seg *model.Segment, reason string) {
	if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
		c.logger.Error("failed to unlink segment file, leaving row intact",
			recorderlog.String("path", seg.FilePath), recorderlog.Error(err))
		return
	}
	if err := c.cat.DeleteSegment(ctx, seg.ID); err != nil {
		c.logger.Error("failed to delete segment row after unlink",
			recorderlog.String("path", seg.FilePath), recorderlog.Error(err))
		return
	}
	_ = c.cat.RecordEvent(ctx, model.EventRetentionApplied, seg.StreamName, reason, seg.FilePath)

	if c.metrics != nil {
		c.metrics.RetentionSegmentsDeleted.WithLabelValues(seg.StreamName, reason).Inc()
		c.metrics.RetentionBytesReclaimed.WithLabelValues(seg.StreamName, reason).Add(float64(seg.SizeBytes))
	}
}
