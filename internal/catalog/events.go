package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lightnvr/engine/internal/model"
)

// eventCoalesceWindow is the repeat-suppression window from spec.md §7:
// "identical (type, stream_name) events within a 60-second window increment
// a counter on the existing row instead of inserting a new one".
const eventCoalesceWindow = 60 * time.Second

// RecordEvent appends an operational event, coalescing with the most recent
// matching (type, stream_name) row if it falls inside eventCoalesceWindow.
func (s *Store) RecordEvent(ctx context.Context, kind model.EventKind, streamName, message, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID int64
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at FROM events
		WHERE type = ? AND stream_name = ?
		ORDER BY created_at DESC LIMIT 1
	`, kind, streamName).Scan(&existingID, &createdAt)

	switch {
	case err == nil && time.Since(createdAt) <= eventCoalesceWindow:
		_, err := s.db.ExecContext(ctx, `
			UPDATE events SET count = count + 1, message = ?, file_path = ?, created_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, message, filePath, existingID)
		if err != nil {
			return classify("catalog.RecordEvent", err)
		}
		return nil
	case err == nil, errors.Is(err, sql.ErrNoRows):
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (type, stream_name, message, file_path, count) VALUES (?, ?, ?, ?, 1)
		`, kind, streamName, message, filePath)
		if err != nil {
			return classify("catalog.RecordEvent", err)
		}
		return nil
	default:
		return classify("catalog.RecordEvent", err)
	}
}

// ListEvents returns the most recent events, optionally scoped to a stream,
// newest first.
func (s *Store) ListEvents(ctx context.Context, streamName string, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var events []*model.Event
	var err error
	if streamName == "" {
		err = s.db.SelectContext(ctx, &events, `SELECT * FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &events, `SELECT * FROM events WHERE stream_name = ? ORDER BY created_at DESC LIMIT ?`, streamName, limit)
	}
	if err != nil {
		return nil, classify("catalog.ListEvents", err)
	}
	return events, nil
}
