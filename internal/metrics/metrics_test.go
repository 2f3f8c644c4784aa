package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/lightnvr/engine/internal/config"
)

func TestNewRegistersDistinctMetrics(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected a non-nil owned registry")
	}

	m.FramesReceivedTotal.WithLabelValues("cam1").Inc()
	m.FramesReceivedTotal.WithLabelValues("cam1").Inc()
	m.FramesDroppedTotal.WithLabelValues("cam1").Inc()

	got := &dto.Metric{}
	if err := m.FramesReceivedTotal.WithLabelValues("cam1").Write(got); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.GetCounter().GetValue() != 2 {
		t.Fatalf("frames received = %v, want 2", got.GetCounter().GetValue())
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	m1 := New()
	m2 := New()
	m1.FramesReceivedTotal.WithLabelValues("cam1").Inc()

	got := &dto.Metric{}
	if err := m2.FramesReceivedTotal.WithLabelValues("cam1").Write(got); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.GetCounter().GetValue() != 0 {
		t.Fatalf("second instance's counter = %v, want 0 (owned registries must not share state)", got.GetCounter().GetValue())
	}
}

func TestServerServesMetricsAndHealthz(t *testing.T) {
	m := New()
	m.SegmentsOpenedTotal.WithLabelValues("cam1").Inc()

	srv := NewServer(m, config.MetricsConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
		Path:       "/metrics",
	})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Start binds asynchronously; give it a moment before probing.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/healthz", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	rec := &statusRecorder{}
	healthHandler(rec, req)
	if rec.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.status)
	}
}

type statusRecorder struct {
	status int
	header http.Header
}

func (r *statusRecorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}
func (r *statusRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (r *statusRecorder) WriteHeader(status int)      { r.status = status }
