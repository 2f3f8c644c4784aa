package catalog

import (
	"context"

	"github.com/lightnvr/engine/internal/model"
)

// UpsertMotionConfig inserts or replaces a stream's detection-triggered
// recording parameters (spec.md §6.1 `motion_recording_config`).
func (s *Store) UpsertMotionConfig(ctx context.Context, cfg *model.MotionRecordingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO motion_recording_config (
			stream_name, enabled, pre_buffer_seconds, post_buffer_seconds,
			max_file_duration, codec, quality, retention_days, max_storage_mb, updated_at
		) VALUES (
			:stream_name, :enabled, :pre_buffer_seconds, :post_buffer_seconds,
			:max_file_duration, :codec, :quality, :retention_days, :max_storage_mb, CURRENT_TIMESTAMP
		)
		ON CONFLICT(stream_name) DO UPDATE SET
			enabled = excluded.enabled,
			pre_buffer_seconds = excluded.pre_buffer_seconds,
			post_buffer_seconds = excluded.post_buffer_seconds,
			max_file_duration = excluded.max_file_duration,
			codec = excluded.codec,
			quality = excluded.quality,
			retention_days = excluded.retention_days,
			max_storage_mb = excluded.max_storage_mb,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.NamedExecContext(ctx, q, cfg); err != nil {
		return classify("catalog.UpsertMotionConfig", err)
	}
	return nil
}

// GetMotionConfig returns a stream's motion recording config, or NotFound.
func (s *Store) GetMotionConfig(ctx context.Context, streamName string) (*model.MotionRecordingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cfg model.MotionRecordingConfig
	if err := s.db.GetContext(ctx, &cfg, `SELECT * FROM motion_recording_config WHERE stream_name = ?`, streamName); err != nil {
		return nil, classify("catalog.GetMotionConfig", err)
	}
	return &cfg, nil
}
