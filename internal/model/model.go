// Package model defines the data types shared by the Catalog Store, Segment
// Store, Writer Registry and Capture Worker — the entities named in
// spec.md §3 (DATA MODEL) and persisted per spec.md §6.1 (catalog schema).
package model

import (
	"database/sql"
	"time"
)

// Protocol is a stream's transport tag (spec.md §3).
type Protocol string

const (
	ProtocolTCPPull Protocol = "tcp-pull"
	ProtocolUDPPull Protocol = "udp-pull"
	ProtocolONVIF   Protocol = "onvif"
)

// Stream is one camera's configuration, persisted in the `streams` table
// (spec.md §6.1). Field names follow the donor's db-tag idiom from
// storage/manifest.go, adapted to sqlite/sqlx column names.
type Stream struct {
	ID       int64    `db:"id" json:"id"`
	Name     string   `db:"name" json:"name"` // unique, <=63 bytes (I3)
	URL      string   `db:"url" json:"url"`
	Enabled  bool     `db:"enabled" json:"enabled"`
	Protocol Protocol `db:"protocol" json:"protocol"`
	IsONVIF  bool     `db:"is_onvif" json:"is_onvif"`

	StreamingEnabled bool `db:"streaming_enabled" json:"streaming_enabled"`

	Width  int     `db:"width" json:"width"`
	Height int     `db:"height" json:"height"`
	FPS    float64 `db:"fps" json:"fps"`
	Codec  string  `db:"codec" json:"codec"`

	Priority int `db:"priority" json:"priority"`

	Record          bool `db:"record" json:"record"`
	RecordAudio     bool `db:"record_audio" json:"record_audio"`
	SegmentDuration int  `db:"segment_duration" json:"segment_duration"` // seconds, must be >0

	PreDetectionBuffer  int `db:"pre_detection_buffer" json:"pre_detection_buffer"`   // seconds, 0 disables ring
	PostDetectionBuffer int `db:"post_detection_buffer" json:"post_detection_buffer"` // seconds

	DetectionBasedRecording bool           `db:"detection_based_recording" json:"detection_based_recording"`
	DetectionModel          sql.NullString `db:"detection_model" json:"detection_model,omitempty"`
	DetectionThreshold      sql.NullFloat64 `db:"detection_threshold" json:"detection_threshold,omitempty"`
	DetectionInterval       sql.NullInt64  `db:"detection_interval" json:"detection_interval,omitempty"`

	// Retention policy, 0 = use engine-wide default (config.RetentionConfig).
	RetentionDays int   `db:"retention_days" json:"retention_days"`
	MaxStorageMB  int64 `db:"max_storage_mb" json:"max_storage_mb"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Segment is one produced container file's metadata, persisted in the
// `segments` table (spec.md §3, §6.1).
type Segment struct {
	ID         int64        `db:"id" json:"id"`
	StreamName string       `db:"stream_name" json:"stream_name"`
	FilePath   string       `db:"file_path" json:"file_path"` // unique
	StartTime  int64        `db:"start_time" json:"start_time"` // unix epoch UTC
	EndTime    sql.NullInt64 `db:"end_time" json:"end_time,omitempty"`
	SizeBytes  int64        `db:"size_bytes" json:"size_bytes"`
	Width      int          `db:"width" json:"width"`
	Height     int          `db:"height" json:"height"`
	FPS        float64      `db:"fps" json:"fps"`
	Codec      string       `db:"codec" json:"codec"`
	IsComplete bool         `db:"is_complete" json:"is_complete"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Duration returns the segment's covered span, or 0 if still open.
func (s *Segment) Duration() time.Duration {
	if !s.EndTime.Valid {
		return 0
	}
	return time.Duration(s.EndTime.Int64-s.StartTime) * time.Second
}

// MotionRecordingConfig mirrors the `motion_recording_config` table
// (spec.md §6.1) — detection-triggered recording parameters per stream,
// distinct from the always-on Stream.DetectionBasedRecording flag so that
// operators can tune pre/post buffers without touching the stream row.
type MotionRecordingConfig struct {
	StreamName        string    `db:"stream_name" json:"stream_name"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	PreBufferSeconds  int       `db:"pre_buffer_seconds" json:"pre_buffer_seconds"`
	PostBufferSeconds int       `db:"post_buffer_seconds" json:"post_buffer_seconds"`
	MaxFileDuration   int       `db:"max_file_duration" json:"max_file_duration"`
	Codec             string    `db:"codec" json:"codec"`
	Quality           string    `db:"quality" json:"quality"`
	RetentionDays     int       `db:"retention_days" json:"retention_days"`
	MaxStorageMB      int64     `db:"max_storage_mb" json:"max_storage_mb"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// EventKind enumerates the operational events recorded in the `events`
// table (spec.md §6.1, §7 "every failure produces exactly one event row").
type EventKind string

const (
	EventSegmentOpened    EventKind = "segment_opened"
	EventSegmentClosed    EventKind = "segment_closed"
	EventSegmentOrphaned  EventKind = "segment_orphaned"
	EventCrashFinalized   EventKind = "segment_crash_finalized"
	EventWriterFailure    EventKind = "writer_failure"
	EventCatalogFailure   EventKind = "catalog_failure"
	EventCaptureBackoff   EventKind = "capture_backoff"
	EventRetentionApplied EventKind = "retention_applied"
)

// Event is one operational audit-log row.
type Event struct {
	ID         int64     `db:"id" json:"id"`
	Type       EventKind `db:"type" json:"type"`
	StreamName string    `db:"stream_name" json:"stream_name"`
	Message    string    `db:"message" json:"message"`
	FilePath   string    `db:"file_path" json:"file_path,omitempty"`
	Count      int       `db:"count" json:"count"` // coalesced repeat count, spec.md §7
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SegmentQuery filters/paginates list_segments (spec.md §4.1).
type SegmentQuery struct {
	StreamName string
	StartRange sql.NullInt64
	EndRange   sql.NullInt64
	Order      string // "asc" | "desc" on start_time
	Limit      int
	Offset     int
}
