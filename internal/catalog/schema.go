package catalog

import "github.com/jmoiron/sqlx"

// CurrentSchemaVersion is the built-in target schema version; on open the
// store compares it against the persisted schema_version row and applies
// migrations in order, per spec.md §4.1.
const CurrentSchemaVersion = 1

// migration takes the schema from version-1 to version. Every migration
// MUST be idempotent on partial completion — it checks for column/table
// presence before adding, per spec.md §4.1 and DESIGN.md's grounding in
// the original db_schema_cache.c / db_core.c migration split.
type migration struct {
	version int
	apply   func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateV1},
}

func migrateV1(tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			streaming_enabled INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			fps REAL NOT NULL DEFAULT 0,
			codec TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			record INTEGER NOT NULL DEFAULT 0,
			segment_duration INTEGER NOT NULL DEFAULT 0,
			detection_based_recording INTEGER NOT NULL DEFAULT 0,
			detection_model TEXT,
			detection_threshold REAL,
			detection_interval INTEGER,
			pre_detection_buffer INTEGER NOT NULL DEFAULT 0,
			post_detection_buffer INTEGER NOT NULL DEFAULT 0,
			protocol TEXT NOT NULL DEFAULT 'tcp-pull',
			is_onvif INTEGER NOT NULL DEFAULT 0,
			record_audio INTEGER NOT NULL DEFAULT 0,
			retention_days INTEGER NOT NULL DEFAULT 0,
			max_storage_mb INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_name TEXT NOT NULL,
			file_path TEXT NOT NULL UNIQUE,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			fps REAL NOT NULL DEFAULT 0,
			codec TEXT NOT NULL DEFAULT '',
			is_complete INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_stream_start ON segments(stream_name, start_time)`,
		`CREATE TABLE IF NOT EXISTS motion_recording_config (
			stream_name TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL DEFAULT 0,
			pre_buffer_seconds INTEGER NOT NULL DEFAULT 0,
			post_buffer_seconds INTEGER NOT NULL DEFAULT 0,
			max_file_duration INTEGER NOT NULL DEFAULT 0,
			codec TEXT NOT NULL DEFAULT '',
			quality TEXT NOT NULL DEFAULT '',
			retention_days INTEGER NOT NULL DEFAULT 0,
			max_storage_mb INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			stream_name TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			count INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_recent ON events(type, stream_name, created_at)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies every migration with version > current, updating
// schema_version in the same transaction as each migration so a crash
// mid-migration is retried from the last completed version on the next
// open (idempotent per-migration bodies make re-running the current
// migration safe too).
func runMigrations(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL)`); err != nil {
		return err
	}

	current := 0
	_ = db.Get(&current, `SELECT version FROM schema_version WHERE id = 1`)

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (id, version) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET version = excluded.version`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}
