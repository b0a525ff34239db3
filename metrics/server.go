package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics on its own listener, separate from the
// operational API.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the default Prometheus registry. An
// empty address yields a server whose ListenAndServe returns immediately.
func New(addr string) (*MetricsServer, error) {
	return NewWithGatherer(addr, prometheus.DefaultGatherer)
}

// NewWithGatherer serves metrics from the given gatherer instead of the
// default registry.
func NewWithGatherer(addr string, gatherer prometheus.Gatherer) (*MetricsServer, error) {
	if gatherer == nil {
		return nil, errors.New("nil prometheus gatherer")
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the router serving /metrics.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

// ListenAndServe blocks until Shutdown. An empty address disables the server.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv.Addr == "" {
		return nil
	}
	if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
