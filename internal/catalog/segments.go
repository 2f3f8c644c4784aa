package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightnvr/engine/internal/model"
)

// OpenSegment records a newly-opened container file as incomplete, per
// spec.md §4.1 ("open_segment ... returns a segment_id; the row is written
// with is_complete=0 before the caller is told the file exists").
func (s *Store) OpenSegment(ctx context.Context, streamName, filePath string, start int64, width, height int, fps float64, codec string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
		INSERT INTO segments (stream_name, file_path, start_time, width, height, fps, codec, is_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`
	res, err := s.db.ExecContext(ctx, q, streamName, filePath, start, width, height, fps, codec)
	if err != nil {
		return 0, classify("catalog.OpenSegment", err)
	}
	return res.LastInsertId()
}

// CloseSegment marks a segment complete with its final size and end time
// (spec.md §4.1). filePath is the unique key since the id isn't known back
// at the writer that produced the file until OpenSegment's return value is
// threaded through; both are supported via CloseSegmentByID.
func (s *Store) CloseSegment(ctx context.Context, filePath string, end int64, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE segments SET end_time = ?, size_bytes = ?, is_complete = 1
		WHERE file_path = ?
	`, end, sizeBytes, filePath)
	if err != nil {
		return classify("catalog.CloseSegment", err)
	}
	return requireAffected(res, "catalog.CloseSegment")
}

// CloseSegmentByID is the id-keyed variant of CloseSegment, used by callers
// that already hold the row id returned from OpenSegment.
func (s *Store) CloseSegmentByID(ctx context.Context, id int64, end int64, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE segments SET end_time = ?, size_bytes = ?, is_complete = 1
		WHERE id = ?
	`, end, sizeBytes, id)
	if err != nil {
		return classify("catalog.CloseSegmentByID", err)
	}
	return requireAffected(res, "catalog.CloseSegmentByID")
}

// ListSegments returns segments matching q, ordered by start_time.
func (s *Store) ListSegments(ctx context.Context, q model.SegmentQuery) ([]*model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := segmentQueryClause(q)
	order := "ASC"
	if strings.EqualFold(q.Order, "desc") {
		order = "DESC"
	}
	query := fmt.Sprintf("SELECT * FROM segments WHERE %s ORDER BY start_time %s", where, order)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	var segs []*model.Segment
	if err := s.db.SelectContext(ctx, &segs, query, args...); err != nil {
		return nil, classify("catalog.ListSegments", err)
	}
	return segs, nil
}

// GetSegmentByID returns a single segment row, per spec.md §6.3
// segments.get_by_id.
func (s *Store) GetSegmentByID(ctx context.Context, id int64) (*model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seg model.Segment
	if err := s.db.GetContext(ctx, &seg, `SELECT * FROM segments WHERE id = ?`, id); err != nil {
		return nil, classify("catalog.GetSegmentByID", err)
	}
	return &seg, nil
}

// CountSegments returns the count of segments matching q, ignoring
// q.Limit/Offset.
func (s *Store) CountSegments(ctx context.Context, q model.SegmentQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := segmentQueryClause(q)
	query := fmt.Sprintf("SELECT COUNT(*) FROM segments WHERE %s", where)
	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, classify("catalog.CountSegments", err)
	}
	return n, nil
}

func segmentQueryClause(q model.SegmentQuery) (string, []interface{}) {
	clauses := []string{"1 = 1"}
	var args []interface{}
	if q.StreamName != "" {
		clauses = append(clauses, "stream_name = ?")
		args = append(args, q.StreamName)
	}
	if q.StartRange.Valid {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, q.StartRange.Int64)
	}
	if q.EndRange.Valid {
		clauses = append(clauses, "start_time <= ?")
		args = append(args, q.EndRange.Int64)
	}
	return strings.Join(clauses, " AND "), args
}

// DeleteSegment removes a segment row by id. Callers MUST unlink the
// backing file before calling this (spec.md I1: "a segment row is deleted
// only after its file has been unlinked"); the store itself does no
// filesystem I/O, that discipline lives in the Retention Cleaner.
func (s *Store) DeleteSegment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return classify("catalog.DeleteSegment", err)
	}
	return requireAffected(res, "catalog.DeleteSegment")
}

// TotalSizeBytes sums size_bytes across segments, optionally scoped to one
// stream (spec.md §4.1: "total_size_bytes(stream_name?) -> u64").
func (s *Store) TotalSizeBytes(ctx context.Context, streamName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	var err error
	if streamName == "" {
		err = s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(size_bytes), 0) FROM segments`)
	} else {
		err = s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(size_bytes), 0) FROM segments WHERE stream_name = ?`, streamName)
	}
	if err != nil {
		return 0, classify("catalog.TotalSizeBytes", err)
	}
	return total, nil
}
