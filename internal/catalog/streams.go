package catalog

import (
	"context"
	"strings"

	"github.com/lightnvr/engine/internal/engine/errs"
	"github.com/lightnvr/engine/internal/model"
)

// UpsertStream inserts or replaces a stream row by unique name, per
// spec.md §4.1: "if a row with the same name exists, replace all fields;
// if it existed with enabled=false, the upsert re-enables it". Returns the
// row id.
func (s *Store) UpsertStream(ctx context.Context, cfg *model.Stream) (int64, error) {
	if strings.TrimSpace(cfg.Name) == "" || len(cfg.Name) > 63 {
		return 0, errs.New(errs.Conflict, "catalog.UpsertStream", errValidation("stream name must be 1-63 bytes"))
	}
	if cfg.SegmentDuration <= 0 {
		// spec.md §9 open question (a): segment_duration=0 is invalid, reject.
		return 0, errs.New(errs.Conflict, "catalog.UpsertStream", errValidation("segment_duration must be > 0"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO streams (
			name, url, enabled, streaming_enabled, width, height, fps, codec,
			priority, record, segment_duration, detection_based_recording,
			detection_model, detection_threshold, detection_interval,
			pre_detection_buffer, post_detection_buffer, protocol, is_onvif,
			record_audio, retention_days, max_storage_mb, updated_at
		) VALUES (
			:name, :url, :enabled, :streaming_enabled, :width, :height, :fps, :codec,
			:priority, :record, :segment_duration, :detection_based_recording,
			:detection_model, :detection_threshold, :detection_interval,
			:pre_detection_buffer, :post_detection_buffer, :protocol, :is_onvif,
			:record_audio, :retention_days, :max_storage_mb, CURRENT_TIMESTAMP
		)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			enabled = excluded.enabled,
			streaming_enabled = excluded.streaming_enabled,
			width = excluded.width,
			height = excluded.height,
			fps = excluded.fps,
			codec = excluded.codec,
			priority = excluded.priority,
			record = excluded.record,
			segment_duration = excluded.segment_duration,
			detection_based_recording = excluded.detection_based_recording,
			detection_model = excluded.detection_model,
			detection_threshold = excluded.detection_threshold,
			detection_interval = excluded.detection_interval,
			pre_detection_buffer = excluded.pre_detection_buffer,
			post_detection_buffer = excluded.post_detection_buffer,
			protocol = excluded.protocol,
			is_onvif = excluded.is_onvif,
			record_audio = excluded.record_audio,
			retention_days = excluded.retention_days,
			max_storage_mb = excluded.max_storage_mb,
			updated_at = CURRENT_TIMESTAMP
	`
	res, err := s.db.NamedExecContext(ctx, q, cfg)
	if err != nil {
		return 0, classify("catalog.UpsertStream", err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// ON CONFLICT UPDATE path: LastInsertId is unreliable, look the row up.
		var existing model.Stream
		if err := s.db.GetContext(ctx, &existing, `SELECT id FROM streams WHERE name = ?`, cfg.Name); err != nil {
			return 0, classify("catalog.UpsertStream", err)
		}
		return existing.ID, nil
	}
	return id, nil
}

// GetStream returns a stream by name, or a NotFound error.
func (s *Store) GetStream(ctx context.Context, name string) (*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st model.Stream
	err := s.db.GetContext(ctx, &st, `SELECT * FROM streams WHERE name = ?`, name)
	if err != nil {
		return nil, classify("catalog.GetStream", err)
	}
	return &st, nil
}

// ListStreams returns every non-hard-deleted stream (P1).
func (s *Store) ListStreams(ctx context.Context) ([]*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var streams []*model.Stream
	if err := s.db.SelectContext(ctx, &streams, `SELECT * FROM streams ORDER BY name`); err != nil {
		return nil, classify("catalog.ListStreams", err)
	}
	return streams, nil
}

// SoftDeleteStream sets enabled=0, retaining history (spec.md §4.1).
func (s *Store) SoftDeleteStream(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE streams SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE name = ?`, name)
	if err != nil {
		return classify("catalog.SoftDeleteStream", err)
	}
	return requireAffected(res, "catalog.SoftDeleteStream")
}

// HardDeleteStream removes the row entirely; segments keep dangling owner
// names, tolerated per spec.md §4.1.
func (s *Store) HardDeleteStream(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE name = ?`, name)
	if err != nil {
		return classify("catalog.HardDeleteStream", err)
	}
	return requireAffected(res, "catalog.HardDeleteStream")
}

func requireAffected(res interface {
	RowsAffected() (int64, error)
}, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return errs.New(errs.NotFound, op, errValidation("no matching row"))
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }
func errValidation(msg string) error    { return validationError(msg) }
