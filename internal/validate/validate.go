// Package validate checks a loaded config.Config and individual
// model.Stream rows for the constraints the rest of the engine assumes
// hold before it starts touching disk or opening connections.
//
// It keeps the donor's Validator accumulator shape (AddError/HasErrors/
// Errors, one aggregated error at the end) but validates this engine's own
// domain: process configuration sections (internal/config) and per-stream
// catalog rows (internal/model), in place of the donor's network/video/
// motion/email/WebRTC/Tailscale sections, none of which this engine has.
package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/model"
)

// -----------------------------------------------------------------------------
// Accumulator
// -----------------------------------------------------------------------------

// Validator accumulates human-readable error strings across a batch of
// checks so callers get every problem at once instead of the first one.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// -----------------------------------------------------------------------------
// Top-level config validation
// -----------------------------------------------------------------------------

// ValidateConfig delegates to per-section validators and aggregates the
// result into a single error, or nil if every section is clean.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateServiceConfig(v, &cfg.Service)
	validateCatalogConfig(v, &cfg.Catalog)
	validateSegmentsConfig(v, &cfg.Segments)
	validateRetentionConfig(v, &cfg.Retention)
	validateCaptureConfig(v, &cfg.Capture)
	validateDedupConfig(v, &cfg.Dedup)
	validateMetricsConfig(v, &cfg.Metrics)
	validateLogConfig(v, &cfg.Log)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateServiceConfig(v *Validator, cfg *config.ServiceConfig) {
	if strings.TrimSpace(cfg.Name) == "" {
		v.AddError("service.name cannot be empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		v.AddError("service.shutdown_timeout must be positive")
	}
	if cfg.HealthCheckInterval <= 0 {
		v.AddError("service.health_check_interval must be positive")
	}
}

func validateCatalogConfig(v *Validator, cfg *config.CatalogConfig) {
	if strings.TrimSpace(cfg.Path) == "" {
		v.AddError("catalog.path cannot be empty")
		return
	}
	if !isValidFilePath(cfg.Path) {
		v.AddError("catalog.path is not a valid file path: %s", cfg.Path)
	}
	if cfg.BusyTimeout <= 0 {
		v.AddError("catalog.busy_timeout must be positive")
	}
	if cfg.MaxOpenConns != 1 {
		v.AddError("catalog.max_open_conns must be 1: sqlite in this engine assumes a single writer")
	}
	if cfg.VacuumInterval < 0 {
		v.AddError("catalog.vacuum_interval cannot be negative")
	}
}

func validateSegmentsConfig(v *Validator, cfg *config.SegmentsConfig) {
	if strings.TrimSpace(cfg.Root) == "" {
		v.AddError("segments.root cannot be empty")
		return
	}
	if !isValidDirectoryPath(cfg.Root) {
		v.AddError("segments.root is not a valid directory path: %s", cfg.Root)
	}
	if cfg.MaxSegmentBytes <= 0 {
		v.AddError("segments.max_segment_bytes must be positive")
	}
}

func validateRetentionConfig(v *Validator, cfg *config.RetentionConfig) {
	if cfg.Interval <= 0 {
		v.AddError("retention.interval must be positive")
	}
	if cfg.DefaultMaxDays < 0 {
		v.AddError("retention.default_max_days cannot be negative")
	}
	if cfg.DefaultMaxMB < 0 {
		v.AddError("retention.default_max_mb cannot be negative")
	}
}

func validateCaptureConfig(v *Validator, cfg *config.CaptureConfig) {
	if cfg.BackoffInitial <= 0 {
		v.AddError("capture.backoff_initial must be positive")
	}
	if cfg.BackoffMax <= 0 {
		v.AddError("capture.backoff_max must be positive")
	} else if cfg.BackoffInitial > 0 && cfg.BackoffMax < cfg.BackoffInitial {
		v.AddError("capture.backoff_max (%s) cannot be less than backoff_initial (%s)", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if cfg.ErrorBurstCount <= 0 {
		v.AddError("capture.error_burst_count must be positive")
	}
	if cfg.ErrorBurstWindow <= 0 {
		v.AddError("capture.error_burst_window must be positive")
	}
	if cfg.DetectionInboxCap <= 0 {
		v.AddError("capture.detection_inbox_cap must be positive")
	}
	if cfg.ShutdownGrace <= 0 {
		v.AddError("capture.shutdown_grace must be positive")
	}
}

func validateDedupConfig(v *Validator, cfg *config.DedupConfig) {
	if cfg.Addr == "" {
		return // in-process fallback, nothing to check
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.AddError("dedup.addr must be host:port: %v", err)
	}
	if cfg.DB < 0 {
		v.AddError("dedup.db cannot be negative")
	}
	if cfg.TTL <= 0 {
		v.AddError("dedup.ttl must be positive")
	}
}

func validateMetricsConfig(v *Validator, cfg *config.MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("metrics.listen_addr must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in metrics.listen_addr: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in metrics.listen_addr: %s", portStr)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		v.AddError("metrics.path must start with /: %s", cfg.Path)
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	if !validLogLevels[strings.ToLower(cfg.Level)] {
		v.AddError("invalid log.level: %s (must be debug, info, warn, or error)", cfg.Level)
	}
	if len(cfg.OutputPaths) == 0 {
		v.AddError("log.output_paths cannot be empty")
	}
}

// -----------------------------------------------------------------------------
// Per-stream validation
// -----------------------------------------------------------------------------

// ValidateStream checks one catalog row against the constraints the
// Capture Worker, Segment Store, and Retention Cleaner assume hold: a
// nonempty name within I3's 63-byte limit, a positive segment duration
// (spec.md §9 Open Question (a): zero/negative is rejected outright rather
// than falling back to a default), sane dimensions, and non-negative
// retention overrides.
func ValidateStream(s *model.Stream) error {
	v := &Validator{}

	name := strings.TrimSpace(s.Name)
	if name == "" {
		v.AddError("stream name cannot be empty")
	} else if len(s.Name) > 63 {
		v.AddError("stream name %q exceeds 63 bytes", s.Name)
	} else if !isValidStreamName(s.Name) {
		v.AddError("stream name %q must be alphanumeric with '-', '_', or '.'", s.Name)
	}

	if strings.TrimSpace(s.URL) == "" {
		v.AddError("stream %q: url cannot be empty", s.Name)
	}

	if s.SegmentDuration <= 0 {
		v.AddError("stream %q: segment_duration must be positive, got %d", s.Name, s.SegmentDuration)
	}

	if s.Width < 0 || s.Height < 0 {
		v.AddError("stream %q: dimensions cannot be negative (%dx%d)", s.Name, s.Width, s.Height)
	}
	if s.Width > 0 && s.Height > 0 {
		if s.Width > 7680 || s.Height > 4320 {
			v.AddError("stream %q: dimensions too large: %dx%d (max 7680x4320)", s.Name, s.Width, s.Height)
		}
	}
	if s.FPS < 0 {
		v.AddError("stream %q: fps cannot be negative", s.Name)
	}

	if s.PreDetectionBuffer < 0 {
		v.AddError("stream %q: pre_detection_buffer cannot be negative", s.Name)
	}
	if s.PostDetectionBuffer < 0 {
		v.AddError("stream %q: post_detection_buffer cannot be negative", s.Name)
	}
	if s.DetectionBasedRecording && s.PreDetectionBuffer <= 0 && s.PostDetectionBuffer <= 0 {
		v.AddError("stream %q: detection_based_recording requires a positive pre or post detection buffer", s.Name)
	}

	if s.RetentionDays < 0 {
		v.AddError("stream %q: retention_days cannot be negative", s.Name)
	}
	if s.MaxStorageMB < 0 {
		v.AddError("stream %q: max_storage_mb cannot be negative", s.Name)
	}

	if v.HasErrors() {
		return fmt.Errorf("stream %q invalid:\n%s", s.Name, strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var streamNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func isValidStreamName(s string) bool {
	return streamNameRe.MatchString(s)
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	re := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	labels := strings.Split(hostname, ".")
	for _, l := range labels {
		if !re.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}
