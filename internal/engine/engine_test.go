package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightnvr/engine/internal/capture"
	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/ringbuf"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	root := t.TempDir()
	cfg.Catalog.Path = filepath.Join(root, "catalog.db")
	cfg.Catalog.IntegrityOnOpen = false
	cfg.Segments.Root = filepath.Join(root, "recordings")
	// checkDiskSpace stats this path before any segment is ever opened, so
	// it must exist before Start is called.
	if err := os.MkdirAll(cfg.Segments.Root, 0o755); err != nil {
		t.Fatalf("MkdirAll segments root: %v", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	cfg.Capture.ShutdownGrace = time.Second
	return cfg
}

func openTestCatalog(t *testing.T, cfg *config.Config) *catalog.Store {
	t.Helper()
	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

// noSource never connects; it blocks in Open until the engine's run
// context is cancelled, which Stop does immediately rather than waiting
// out the shutdown grace period.
func noSource(model.Stream) capture.Source { return &deadSource{} }

type deadSource struct{}

func (d *deadSource) Open(ctx context.Context, url string) (muxer.Params, error) {
	<-ctx.Done()
	return muxer.Params{}, ctx.Err()
}
func (d *deadSource) ReadFrame(ctx context.Context) (*ringbuf.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (d *deadSource) Close() error { return nil }

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, &catalog.Store{}, noSource); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewRejectsNilCatalog(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, nil, noSource); err == nil {
		t.Fatal("expected error for nil catalog store")
	}
}

func TestStartStopWithNoStreamsIsIdempotentlyGuarded(t *testing.T) {
	cfg := testConfig(t)
	cat := openTestCatalog(t, cfg)

	eng, err := New(cfg, cat, noSource)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail while already running")
	}

	if err := eng.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestNotifyDetectionIgnoresUnknownStream(t *testing.T) {
	cfg := testConfig(t)
	cat := openTestCatalog(t, cfg)

	eng, err := New(cfg, cat, noSource)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic or block when no worker exists for the stream.
	eng.NotifyDetection("does-not-exist", time.Now())
}

func TestStartLaunchesOneWorkerPerEnabledRecordingStream(t *testing.T) {
	cfg := testConfig(t)
	cat := openTestCatalog(t, cfg)
	ctx := context.Background()

	if _, err := cat.UpsertStream(ctx, &model.Stream{
		Name: "cam1", URL: "rtsp://x", SegmentDuration: 60, Enabled: true, Record: true,
	}); err != nil {
		t.Fatalf("UpsertStream cam1: %v", err)
	}
	if _, err := cat.UpsertStream(ctx, &model.Stream{
		Name: "cam2", URL: "rtsp://x", SegmentDuration: 60, Enabled: true, Record: false,
	}); err != nil {
		t.Fatalf("UpsertStream cam2 (record=false): %v", err)
	}
	if _, err := cat.UpsertStream(ctx, &model.Stream{
		Name: "cam3", URL: "rtsp://x", SegmentDuration: 60, Enabled: false, Record: true,
	}); err != nil {
		t.Fatalf("UpsertStream cam3 (disabled): %v", err)
	}

	eng, err := New(cfg, cat, noSource)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	eng.mu.RLock()
	n := len(eng.workers)
	_, hasCam1 := eng.workers["cam1"]
	eng.mu.RUnlock()

	if n != 1 || !hasCam1 {
		t.Fatalf("expected exactly one worker for cam1 (enabled+record), got %d workers: %v", n, eng.workers)
	}
}
