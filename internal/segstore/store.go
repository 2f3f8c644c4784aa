// Package segstore implements the Segment Store (spec.md §4.2): on-disk
// layout, crash-safe open/close via a ".part" in-flight suffix, and the
// boot-time crash-finalize pass that repairs or quarantines files left
// behind by a previous crashed process.
//
// It is grounded on the donor's internal/recorder/pipeline.Segmenter
// (legacy_pipeline.go, no longer in this tree): the same
// temp-path/final-path split and os.Rename-on-close discipline, generalized
// from a single fixed ".mkv" extension and in-memory-only bookkeeping to
// the spec's date-partitioned layout, catalog-backed row lifecycle, and
// real crash-finalize via internal/muxer.
package segstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/engine/errs"
	"github.com/lightnvr/engine/internal/metrics"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/recorderlog"
)

const (
	partSuffix    = ".part"
	corruptSuffix = ".corrupt"
)

// Store manages the on-disk segment tree rooted at Root and coordinates
// with the Catalog Store so that a file's existence and its row are never
// observed out of the order spec.md §4.2 requires.
type Store struct {
	Root    string
	Catalog *catalog.Store
	metrics *metrics.Metrics
	logger  recorderlog.Logger
}

// New constructs a Segment Store rooted at root. m may be nil, in which
// case the store records no metrics.
func New(root string, cat *catalog.Store, m *metrics.Metrics) *Store {
	return &Store{
		Root:    root,
		Catalog: cat,
		metrics: m,
		logger:  recorderlog.L().Named("segstore"),
	}
}

// PathFor builds the canonical (non-.part) path for a new segment, per
// spec.md §6.2: "<root>/recordings/<stream>/<yyyy>/<mm>/<dd>/<start_epoch>-<segment_id>.<ext>".
func (s *Store) PathFor(streamName string, start time.Time, ext string) (dir, path, segmentID string) {
	utc := start.UTC()
	dir = filepath.Join(s.Root, "recordings", streamName,
		fmt.Sprintf("%04d", utc.Year()), fmt.Sprintf("%02d", utc.Month()), fmt.Sprintf("%02d", utc.Day()))
	segmentID = uuid.New().String()
	name := fmt.Sprintf("%d-%s%s", utc.Unix(), segmentID, ext)
	path = filepath.Join(dir, name)
	return dir, path, segmentID
}

// OpenSegment creates the containing date directory, opens a muxer.Writer
// against the ".part"-suffixed path, and returns both the writer and the
// final (post-rename) path the caller should register with the catalog and
// remember for CloseSegment.
func (s *Store) OpenSegment(streamName string, start time.Time, params muxer.Params) (w muxer.Writer, finalPath string, partPath string, err error) {
	ext := muxer.ExtensionFor(params.Codec)
	dir, finalPath, _ := s.PathFor(streamName, start, ext)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", "", errs.New(errs.FatalIO, "segstore.OpenSegment.mkdir", err)
	}

	partPath = finalPath + partSuffix
	w, err = muxer.NewWriter(partPath, params)
	if err != nil {
		return nil, "", "", errs.New(errs.FatalIO, "segstore.OpenSegment.newWriter", err)
	}
	return w, finalPath, partPath, nil
}

// CloseSegment closes w, then atomically renames partPath to finalPath —
// the boundary at which spec.md §4.2's "close_segment is observed only
// after the file is fsynced and renamed out of .part" becomes true.
func (s *Store) CloseSegment(w muxer.Writer, partPath, finalPath string) (sizeBytes int64, err error) {
	if err := w.Close(); err != nil {
		return 0, errs.New(errs.TransientIO, "segstore.CloseSegment.close", err)
	}
	sizeBytes = w.Size()

	if f, openErr := os.Open(partPath); openErr == nil {
		if err := f.Sync(); err != nil {
			s.logger.Warn("fsync of segment file before rename failed", recorderlog.String("path", partPath), recorderlog.Error(err))
		}
		f.Close()
	}
	if err := syncDir(partPath); err != nil {
		s.logger.Warn("fsync before rename failed", recorderlog.String("path", partPath), recorderlog.Error(err))
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return 0, errs.New(errs.FatalIO, "segstore.CloseSegment.rename", err)
	}

	if err := syncDir(finalPath); err != nil {
		s.logger.Warn("fsync of parent dir after rename failed", recorderlog.String("path", finalPath), recorderlog.Error(err))
	}
	return sizeBytes, nil
}

// AbandonSegment deletes a ".part" file whose writer failed mid-segment
// (spec.md §4.5: "Writer failures during a frame write disarm the writer
// (delete-partial path)"), without touching the catalog row — the caller
// is responsible for marking the row failed via events.
func (s *Store) AbandonSegment(partPath string) error {
	if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.TransientIO, "segstore.AbandonSegment", err)
	}
	return nil
}

// syncDir fsyncs the parent directory of path so the rename/create is
// durable across a crash, following the crash-safety discipline the spec's
// ".part" rename protocol assumes.
func syncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// CrashFinalizeAll scans Root for ".part" files left by a previous process
// and attempts crash-finalize on each, per spec.md §4.2. It is meant to be
// called once at engine boot, before any Capture Worker starts.
func (s *Store) CrashFinalizeAll(ctx context.Context) (recovered, corrupted int, err error) {
	var partFiles []string
	walkErr := filepath.WalkDir(s.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort scan; skip unreadable entries
		}
		if !d.IsDir() && strings.HasSuffix(path, partSuffix) {
			partFiles = append(partFiles, path)
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, errs.New(errs.TransientIO, "segstore.CrashFinalizeAll.walk", walkErr)
	}

	for _, partPath := range partFiles {
		if err := ctx.Err(); err != nil {
			return recovered, corrupted, errs.New(errs.Cancelled, "segstore.CrashFinalizeAll", err)
		}
		if s.crashFinalizeOne(ctx, partPath) {
			recovered++
		} else {
			corrupted++
		}
	}
	return recovered, corrupted, nil
}

func (s *Store) crashFinalizeOne(ctx context.Context, partPath string) bool {
	finalPath := strings.TrimSuffix(partPath, partSuffix)
	logger := s.logger.With(recorderlog.String("path", partPath))

	segRow, err := s.findSegmentRow(ctx, finalPath)
	if err != nil {
		logger.Warn("crash-finalize: no catalog row for part file, quarantining", recorderlog.Error(err))
		s.quarantine(partPath, finalPath)
		if s.metrics != nil {
			s.metrics.SegmentsQuarantined.WithLabelValues(s.streamNameFromPath(finalPath)).Inc()
		}
		return false
	}

	params := muxer.Params{
		Codec:     segRow.Codec,
		Width:     segRow.Width,
		Height:    segRow.Height,
		FrameRate: segRow.FPS,
	}

	if !strings.HasSuffix(partPath, ".mp4"+partSuffix) {
		// Matroska crash-finalize has no equivalent index-repair path in
		// this implementation (at-wat/ebml-go exposes no incremental
		// reader); quarantine rather than guess at cluster boundaries.
		logger.Warn("crash-finalize: matroska repair unsupported, quarantining")
		s.quarantine(partPath, finalPath)
		s.markCorrupt(ctx, segRow)
		if s.metrics != nil {
			s.metrics.SegmentsQuarantined.WithLabelValues(segRow.StreamName).Inc()
		}
		return false
	}

	n, err := muxer.RepairMP4(partPath, params)
	if err != nil {
		logger.Warn("crash-finalize failed, quarantining", recorderlog.Error(err))
		s.quarantine(partPath, finalPath)
		s.markCorrupt(ctx, segRow)
		if s.metrics != nil {
			s.metrics.SegmentsQuarantined.WithLabelValues(segRow.StreamName).Inc()
		}
		return false
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		logger.Error("crash-finalize: rename to final name failed", recorderlog.Error(err))
		s.markCorrupt(ctx, segRow)
		return false
	}

	info, statErr := os.Stat(finalPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	if err := s.Catalog.CloseSegmentByID(ctx, segRow.ID, time.Now().Unix(), size); err != nil {
		logger.Error("crash-finalize: catalog update failed", recorderlog.Error(err))
	}
	_ = s.Catalog.RecordEvent(ctx, model.EventCrashFinalized, segRow.StreamName,
		fmt.Sprintf("recovered %d samples", n), finalPath)
	if s.metrics != nil {
		s.metrics.SegmentsCrashFinalized.WithLabelValues(segRow.StreamName).Inc()
	}

	logger.Info("crash-finalized segment", recorderlog.Int("samples", n))
	return true
}

// streamNameFromPath extracts the stream name from a segment path laid out
// by PathFor (<root>/recordings/<stream>/<yyyy>/<mm>/<dd>/<file>), for the
// rare case a part file is quarantined before its catalog row is known.
func (s *Store) streamNameFromPath(path string) string {
	rel, err := filepath.Rel(filepath.Join(s.Root, "recordings"), path)
	if err != nil {
		return "unknown"
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) == 0 || parts[0] == "" || parts[0] == ".." {
		return "unknown"
	}
	return parts[0]
}

func (s *Store) findSegmentRow(ctx context.Context, finalPath string) (*model.Segment, error) {
	segs, err := s.Catalog.ListSegments(ctx, model.SegmentQuery{Limit: 0})
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg.FilePath == finalPath {
			return seg, nil
		}
	}
	return nil, errs.New(errs.NotFound, "segstore.findSegmentRow", fmt.Errorf("no row for %s", finalPath))
}

func (s *Store) quarantine(partPath, finalPath string) {
	corruptPath := finalPath + corruptSuffix
	if err := os.Rename(partPath, corruptPath); err != nil {
		s.logger.Error("failed to quarantine part file", recorderlog.String("path", partPath), recorderlog.Error(err))
	}
}

func (s *Store) markCorrupt(ctx context.Context, seg *model.Segment) {
	if seg == nil {
		return
	}
	if err := s.Catalog.CloseSegmentByID(ctx, seg.ID, time.Now().Unix(), 0); err != nil {
		s.logger.Error("failed to mark segment corrupt in catalog", recorderlog.Error(err))
	}
	_ = s.Catalog.RecordEvent(ctx, model.EventSegmentOrphaned, seg.StreamName, "quarantined as corrupt", seg.FilePath)
}
