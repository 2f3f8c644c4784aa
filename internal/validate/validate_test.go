package validate

import (
	"strings"
	"testing"

	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/model"
)

func validStream() *model.Stream {
	return &model.Stream{
		Name:            "cam1",
		URL:             "rtsp://example.invalid/cam1",
		Width:           1920,
		Height:          1080,
		FPS:             15,
		SegmentDuration: 300,
	}
}

func TestValidateStreamAccepts(t *testing.T) {
	if err := ValidateStream(validStream()); err != nil {
		t.Fatalf("expected valid stream to pass, got %v", err)
	}
}

func TestValidateStreamRejectsEmptyName(t *testing.T) {
	s := validStream()
	s.Name = "  "
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestValidateStreamRejectsLongName(t *testing.T) {
	s := validStream()
	s.Name = strings.Repeat("a", 64)
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for name over 63 bytes")
	}
}

func TestValidateStreamRejectsBadCharacters(t *testing.T) {
	s := validStream()
	s.Name = "cam 1/../etc"
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for name with invalid characters")
	}
}

func TestValidateStreamRejectsZeroSegmentDuration(t *testing.T) {
	s := validStream()
	s.SegmentDuration = 0
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for segment_duration=0 (spec.md open question (a))")
	}
}

func TestValidateStreamRejectsNegativeDimensions(t *testing.T) {
	s := validStream()
	s.Width = -1
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for negative width")
	}
}

func TestValidateStreamRejectsOversizedDimensions(t *testing.T) {
	s := validStream()
	s.Width = 8000
	s.Height = 8000
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for dimensions over the 7680x4320 ceiling")
	}
}

func TestValidateStreamRejectsNegativeRetention(t *testing.T) {
	s := validStream()
	s.RetentionDays = -1
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error for negative retention_days")
	}
}

func TestValidateStreamRequiresBufferForDetectionRecording(t *testing.T) {
	s := validStream()
	s.DetectionBasedRecording = true
	s.PreDetectionBuffer = 0
	s.PostDetectionBuffer = 0
	if err := ValidateStream(s); err == nil {
		t.Fatal("expected error when detection recording has no pre/post buffer")
	}

	s.PostDetectionBuffer = 5
	if err := ValidateStream(s); err != nil {
		t.Fatalf("expected valid once a post buffer is set, got %v", err)
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	if err := ValidateConfig(config.Defaults()); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
}

func TestValidateConfigRejectsBadLogLevel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Log.Level = "verbose"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateConfigRejectsBadMetricsAddr(t *testing.T) {
	cfg := config.Defaults()
	cfg.Metrics.ListenAddr = "not-a-host-port"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for invalid metrics listen_addr")
	}
}

func TestValidateConfigSkipsMetricsWhenDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Metrics.Enabled = false
	cfg.Metrics.ListenAddr = "garbage"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("expected disabled metrics to skip validation, got %v", err)
	}
}

func TestValidateConfigRejectsBackoffMaxBelowInitial(t *testing.T) {
	cfg := config.Defaults()
	cfg.Capture.BackoffInitial = 30_000_000_000  // 30s
	cfg.Capture.BackoffMax = 1_000_000_000       // 1s
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error when backoff_max < backoff_initial")
	}
}

func TestValidateConfigRejectsMultipleOpenConns(t *testing.T) {
	cfg := config.Defaults()
	cfg.Catalog.MaxOpenConns = 4
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error requiring catalog.max_open_conns == 1")
	}
}

func TestValidateConfigAggregatesMultipleErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.Name = ""
	cfg.Segments.Root = ""
	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "service.name") || !strings.Contains(msg, "segments.root") {
		t.Fatalf("expected both failures reported, got: %s", msg)
	}
}
