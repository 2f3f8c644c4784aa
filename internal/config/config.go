// Package config holds the engine's process-wide configuration tree. It is
// loaded with github.com/spf13/viper (SetDefault + config file + env
// overrides under a LIGHTNVR_ prefix) and validated by internal/validate
// before the engine starts. Per-stream configuration lives in the Catalog
// Store, not here — this tree only covers process-level defaults and the
// ambient stack (logging, metrics, dedup, storage roots).
package config

import "time"

// Config is the complete process configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service" yaml:"service"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Segments   SegmentsConfig   `mapstructure:"segments" yaml:"segments"`
	Retention  RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	RingBuffer RingBufferConfig `mapstructure:"ring_buffer" yaml:"ring_buffer"`
	Dedup      DedupConfig      `mapstructure:"dedup" yaml:"dedup"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name                string        `mapstructure:"name" yaml:"name"`
	Environment         string        `mapstructure:"environment" yaml:"environment"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
}

// CatalogConfig configures the embedded catalog store (internal/catalog).
type CatalogConfig struct {
	// Path to the single catalog file, e.g. /var/lib/lightnvr/catalog.db.
	Path            string        `mapstructure:"path" yaml:"path"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	VacuumInterval  time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
	IntegrityOnOpen bool          `mapstructure:"integrity_on_open" yaml:"integrity_on_open"`
}

// SegmentsConfig configures the filesystem-backed segment store.
type SegmentsConfig struct {
	// Root directory; segments live under <root>/recordings/<stream>/....
	Root string `mapstructure:"root" yaml:"root"`
	// MaxSegmentBytes is loaded and validated (it must be positive);
	// segment rotation does not consult it. The container extension is not
	// configured here: muxer.ExtensionFor picks it from the stream's codec.
	MaxSegmentBytes int64 `mapstructure:"max_segment_bytes" yaml:"max_segment_bytes"`
}

// RetentionConfig configures the global default retention policy; per
// stream overrides live in the catalog (Stream.RetentionDays/MaxStorageMB).
type RetentionConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	DefaultMaxDays int           `mapstructure:"default_max_days" yaml:"default_max_days"`
	DefaultMaxMB   int64         `mapstructure:"default_max_mb" yaml:"default_max_mb"`
}

// CaptureConfig configures Capture Worker behavior shared across streams.
type CaptureConfig struct {
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	ErrorBurstCount   int           `mapstructure:"error_burst_count" yaml:"error_burst_count"`
	ErrorBurstWindow  time.Duration `mapstructure:"error_burst_window" yaml:"error_burst_window"`
	DetectionInboxCap int           `mapstructure:"detection_inbox_cap" yaml:"detection_inbox_cap"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// RingBufferConfig sets the process heap ceiling (in MB) above which the
// Ring Buffer Pool's memory manager forces a garbage collection, and how
// often it checks.
type RingBufferConfig struct {
	MaxMemoryMB     int           `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

// DedupConfig configures the request-active playback dedup set
// (internal/dedup). Addr=="" selects the in-process fallback.
type DedupConfig struct {
	Addr string        `mapstructure:"addr" yaml:"addr"`
	DB   int           `mapstructure:"db" yaml:"db"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// MetricsConfig configures the prometheus registry exposition.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	Path       string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures the zap-backed ambient logger.
type LogConfig struct {
	Level       string   `mapstructure:"level" yaml:"level"`
	JSON        bool     `mapstructure:"json" yaml:"json"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// Defaults returns a Config populated with the engine's built-in defaults;
// Load (in loader.go) registers each of these with viper via SetDefault
// before unmarshalling, so an empty/partial config file or env override
// set still produces a runnable configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:                "lightnvr-engine",
			Environment:         "production",
			ShutdownTimeout:     30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			Path:            "/var/lib/lightnvr/catalog.db",
			BusyTimeout:     5 * time.Second,
			MaxOpenConns:    1, // sqlite: single writer, see internal/catalog
			VacuumInterval:  24 * time.Hour,
			IntegrityOnOpen: true,
		},
		Segments: SegmentsConfig{
			Root:            "/var/lib/lightnvr/recordings",
			MaxSegmentBytes: 512 * 1024 * 1024,
		},
		Retention: RetentionConfig{
			Interval:       time.Hour,
			DefaultMaxDays: 30,
			DefaultMaxMB:   0,
		},
		Capture: CaptureConfig{
			BackoffInitial:    time.Second,
			BackoffMax:        30 * time.Second,
			ErrorBurstCount:   10,
			ErrorBurstWindow:  10 * time.Second,
			DetectionInboxCap: 64,
			ShutdownGrace:     10 * time.Second,
		},
		RingBuffer: RingBufferConfig{
			MaxMemoryMB:     512,
			MonitorInterval: 30 * time.Second,
		},
		Dedup: DedupConfig{
			Addr: "",
			DB:   0,
			TTL:  30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
		Log: LogConfig{
			Level:       "info",
			JSON:        true,
			OutputPaths: []string{"stdout"},
		},
	}
}
