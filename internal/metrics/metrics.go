// Package metrics wires the engine's counters/gauges/histograms into an
// owned prometheus.Registry, exposed over HTTP by Server.
//
// It is grounded on the therealutkarshpriyadarshi-transcode pack's
// internal/metrics package: promauto-registered package-level metric
// variables plus small Record*/Update* helper functions, and a Server type
// wrapping promhttp.Handler() behind an http.Server with its own
// listen/shutdown lifecycle — generalized from a package-global registry
// (promauto.With(prometheus.DefaultRegisterer)) to an owned registry so
// multiple engine instances in the same test binary don't collide on
// global metric names.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightnvr/engine/internal/config"
)

// Metrics holds every counter/gauge/histogram the engine records, all
// registered against one owned Registry.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceivedTotal *prometheus.CounterVec
	FramesDroppedTotal  *prometheus.CounterVec

	SegmentsOpenedTotal        *prometheus.CounterVec
	SegmentsClosedTotal        *prometheus.CounterVec
	SegmentsCrashFinalized     *prometheus.CounterVec
	SegmentsQuarantined        *prometheus.CounterVec
	SegmentDurationSeconds     *prometheus.HistogramVec
	SegmentSizeBytes           *prometheus.HistogramVec

	RetentionBytesReclaimed *prometheus.CounterVec
	RetentionSegmentsDeleted *prometheus.CounterVec

	CatalogOpDuration *prometheus.HistogramVec
	CatalogOpErrors   *prometheus.CounterVec

	CaptureState *prometheus.GaugeVec
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FramesReceivedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_frames_received_total",
			Help: "Total number of frames read from a stream's source.",
		}, []string{"stream"}),
		FramesDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_frames_dropped_total",
			Help: "Total number of frames dropped from a ring buffer while full.",
		}, []string{"stream"}),

		SegmentsOpenedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_segments_opened_total",
			Help: "Total number of segments opened.",
		}, []string{"stream"}),
		SegmentsClosedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_segments_closed_total",
			Help: "Total number of segments closed cleanly.",
		}, []string{"stream"}),
		SegmentsCrashFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_segments_crash_finalized_total",
			Help: "Total number of segments recovered by crash-finalize at boot.",
		}, []string{"stream"}),
		SegmentsQuarantined: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_segments_quarantined_total",
			Help: "Total number of segments moved aside as .corrupt.",
		}, []string{"stream"}),
		SegmentDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lightnvr_segment_duration_seconds",
			Help:    "Duration of closed segments in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stream"}),
		SegmentSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lightnvr_segment_size_bytes",
			Help:    "Size of closed segments in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 14),
		}, []string{"stream"}),

		RetentionBytesReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_retention_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by the retention cleaner.",
		}, []string{"stream", "reason"}),
		RetentionSegmentsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_retention_segments_deleted_total",
			Help: "Total segments deleted by the retention cleaner.",
		}, []string{"stream", "reason"}),

		CatalogOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lightnvr_catalog_operation_duration_seconds",
			Help:    "Catalog store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CatalogOpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightnvr_catalog_operation_errors_total",
			Help: "Total catalog store operation errors, by abstract error kind.",
		}, []string{"operation", "kind"}),

		CaptureState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lightnvr_capture_worker_state",
			Help: "1 for the Capture Worker's current state, 0 for all others.",
		}, []string{"stream", "state"}),
	}
}

// Server exposes the registry over HTTP, mirroring the donor's
// promhttp.Handler()-behind-an-http.Server shape.
type Server struct {
	server *http.Server
}

// NewServer builds a metrics HTTP server bound to cfg.ListenAddr, serving
// the registry at cfg.Path.
func NewServer(m *Metrics, cfg config.MetricsConfig) *Server {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthHandler)

	return &Server{
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving metrics until Shutdown is called.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
