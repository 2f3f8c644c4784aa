package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file at path (yaml/json/toml,
// detected by extension) layered under process defaults and LIGHTNVR_*
// environment overrides, following the donor's envconfig-style layering but
// through viper, as the rest of the retrieved pack (transcode) does.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIGHTNVR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerDefaults(v, Defaults())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// registerDefaults walks the default Config and registers every leaf value
// with viper via SetDefault, keyed by its mapstructure path (e.g.
// "catalog.path"), so AutomaticEnv and config-file overrides layer over a
// complete baseline rather than a struct of zero values.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.environment", d.Service.Environment)
	v.SetDefault("service.shutdown_timeout", d.Service.ShutdownTimeout)
	v.SetDefault("service.health_check_interval", d.Service.HealthCheckInterval)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.busy_timeout", d.Catalog.BusyTimeout)
	v.SetDefault("catalog.max_open_conns", d.Catalog.MaxOpenConns)
	v.SetDefault("catalog.vacuum_interval", d.Catalog.VacuumInterval)
	v.SetDefault("catalog.integrity_on_open", d.Catalog.IntegrityOnOpen)

	v.SetDefault("segments.root", d.Segments.Root)
	v.SetDefault("segments.max_segment_bytes", d.Segments.MaxSegmentBytes)

	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.default_max_days", d.Retention.DefaultMaxDays)
	v.SetDefault("retention.default_max_mb", d.Retention.DefaultMaxMB)

	v.SetDefault("capture.backoff_initial", d.Capture.BackoffInitial)
	v.SetDefault("capture.backoff_max", d.Capture.BackoffMax)
	v.SetDefault("capture.error_burst_count", d.Capture.ErrorBurstCount)
	v.SetDefault("capture.error_burst_window", d.Capture.ErrorBurstWindow)
	v.SetDefault("capture.detection_inbox_cap", d.Capture.DetectionInboxCap)
	v.SetDefault("capture.shutdown_grace", d.Capture.ShutdownGrace)

	v.SetDefault("ring_buffer.max_memory_mb", d.RingBuffer.MaxMemoryMB)
	v.SetDefault("ring_buffer.monitor_interval", d.RingBuffer.MonitorInterval)

	v.SetDefault("dedup.addr", d.Dedup.Addr)
	v.SetDefault("dedup.db", d.Dedup.DB)
	v.SetDefault("dedup.ttl", d.Dedup.TTL)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.output_paths", d.Log.OutputPaths)
}
