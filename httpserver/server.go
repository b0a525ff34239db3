package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/vless-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

// HTTPServerConfig configures the operational server.
type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type healthStatus struct {
	Status string `json:"status"`
}

// Server exposes health checks and engine operations for a running backend,
// plus the Prometheus endpoint on its own listener.
type Server struct {
	cfg      *HTTPServerConfig
	log      *slog.Logger
	operator Operator
	handler  *Handler

	// draining is set from /drain or Drain until /undrain.
	draining atomic.Bool

	api     *http.Server
	metrics *metrics.MetricsServer
}

// New builds the API and metrics servers without starting them.
func New(cfg *HTTPServerConfig, operator Operator) (*Server, error) {
	metricsSrv, err := metrics.New(cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		operator: operator,
		handler:  NewHandler(operator, cfg.Log),
		metrics:  metricsSrv,
	}
	srv.api = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) routes() http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(srv.log, next)
		})

		r.Route("/engine", func(r chi.Router) {
			r.Get("/status", srv.handler.HandleEngineStatus)
			r.Post("/reload", srv.handler.HandleEngineReload)
		})
		r.Post("/pending/{id}/recheck", srv.handler.HandleRecheck)
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Post("/activate", srv.handler.HandleActivate)
			r.Post("/deactivate", srv.handler.HandleDeactivate)
		})

		r.Get("/livez", srv.handleLiveness)
		r.Get("/readyz", srv.handleReadiness)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) reportHealth(w http.ResponseWriter, code int, status string) {
	srv.handler.writeJSON(w, code, healthStatus{Status: status})
}

func (srv *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	srv.reportHealth(w, http.StatusOK, "alive")
}

// Ready requires both an undrained server and a live engine.
func (srv *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	switch {
	case srv.draining.Load():
		srv.reportHealth(w, http.StatusServiceUnavailable, "draining")
	case !srv.operator.Status().EngineRunning:
		srv.reportHealth(w, http.StatusServiceUnavailable, "engine down")
	default:
		srv.reportHealth(w, http.StatusOK, "ready")
	}
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Swap(true) {
		srv.reportHealth(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	srv.reportHealth(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if !srv.draining.Swap(false) {
		srv.reportHealth(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	srv.reportHealth(w, http.StatusOK, "ready")
}

// Drain flips readiness off and holds for DrainDuration, or until ctx is done,
// so upstream health checks see the change before the listener closes.
func (srv *Server) Drain(ctx context.Context) {
	if srv.draining.Swap(true) || srv.cfg.DrainDuration <= 0 {
		return
	}
	srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)

	t := time.NewTimer(srv.cfg.DrainDuration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// RunInBackground starts both listeners. Listener errors are logged.
func (srv *Server) RunInBackground() {
	go func() {
		if err := srv.metrics.ListenAndServe(); err != nil {
			srv.log.Error("Metrics server failed", "err", err)
		}
	}()

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops the API listener, then the metrics listener, each within
// GracefulShutdownDuration.
func (srv *Server) Shutdown() {
	srv.shutdown("HTTP server", srv.api.Shutdown)
	srv.shutdown("Metrics server", srv.metrics.Shutdown)
}

func (srv *Server) shutdown(name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := stop(ctx); err != nil {
		srv.log.Error("Graceful shutdown failed", "server", name, "err", err)
		return
	}
	srv.log.Info("Gracefully stopped", "server", name)
}
