// Command lightnvr-engine loads configuration, opens the catalog, and runs
// the recording engine until an interrupt or terminate signal arrives.
//
// It is grounded on the donor's cmd/security-camera/main.go: flag-based CLI
// argument parsing plus a top-level Application struct whose Initialize/
// Cleanup bracket a blocking run — generalized here to config.Load, an
// engine.Engine, and signal.Notify-driven graceful shutdown, following the
// os/signal + syscall pattern the retrieved pack shows in
// e7canasta-orion-care-sensor's capture command-line tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightnvr/engine/internal/capture"
	"github.com/lightnvr/engine/internal/catalog"
	"github.com/lightnvr/engine/internal/config"
	"github.com/lightnvr/engine/internal/engine"
	"github.com/lightnvr/engine/internal/model"
	"github.com/lightnvr/engine/internal/muxer"
	"github.com/lightnvr/engine/internal/recorderlog"
	"github.com/lightnvr/engine/internal/ringbuf"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON/TOML config file (optional; env LIGHTNVR_* and built-in defaults still apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "lightnvr-engine:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := recorderlog.NewProductionLogger(cfg.Log.Level, cfg.Log.JSON, cfg.Log.OutputPaths)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	recorderlog.ReplaceGlobal(logger)

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	eng, err := engine.New(cfg, cat, noopSourceFactory)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	logger.Info("lightnvr-engine running", recorderlog.String("service", cfg.Service.Name))
	<-ctx.Done()

	if err := eng.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

// noopSourceFactory is the default capture.SourceFactory: it produces a
// Source that always fails to connect. Real deployments wire in a concrete
// RTSP/ONVIF puller; a wire-level capture client is outside this engine's
// scope (see internal/capture's package doc).
func noopSourceFactory(s model.Stream) capture.Source {
	return &unconfiguredSource{name: s.Name}
}

type unconfiguredSource struct {
	name string
}

func (u *unconfiguredSource) Open(ctx context.Context, url string) (muxer.Params, error) {
	return muxer.Params{}, fmt.Errorf("no capture source configured for stream %q", u.name)
}

func (u *unconfiguredSource) ReadFrame(ctx context.Context) (*ringbuf.Frame, error) {
	return nil, fmt.Errorf("no capture source configured for stream %q", u.name)
}

func (u *unconfiguredSource) Close() error { return nil }
