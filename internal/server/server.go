// Package server serves the collector's own observability surface: the
// Prometheus /metrics endpoint fed by internal/metrics, and a plain-text
// health endpoint reporting connection count and last-round latency.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Status reports the control-plane facts the health endpoint exposes.
type Status interface {
	ActiveConnections() int
	LastRoundLatencyNS() (ns int64, ok bool)
}

// Options contains the configuration required to start the HTTP server.
type Options struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
}

// Server wraps an http.Server with Prometheus-specific handlers.
type Server struct {
	httpServer *http.Server
	registry   *prometheus.Registry
	status     Status
	logger     *slog.Logger
}

// New constructs a Server using the provided registry and status source.
func New(opts Options, registry *prometheus.Registry, status Status, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry: registry,
		status:   status,
		logger:   logger,
	}

	mux := http.NewServeMux()

	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}

	metricsHandler := promhttp.InstrumentMetricHandler(
		registry,
		http.HandlerFunc(s.handleMetrics),
	)

	mux.Handle(metricsPath, metricsHandler)
	mux.HandleFunc(healthPath, s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mfs, err := s.registry.Gather()
	if err != nil {
		s.logger.Error("metrics gather failed", "err", err)
		http.Error(w, "metrics gather failed", http.StatusInternalServerError)
		return
	}

	contentType := expfmt.Negotiate(r.Header)
	w.Header().Set("Content-Type", string(contentType))

	encoder := expfmt.NewEncoder(w, contentType)
	for _, mf := range mfs {
		if err := encoder.Encode(mf); err != nil {
			s.logger.Error("encode metric family failed", "err", err)
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintln(w, "ok")
	if s.status == nil {
		return
	}
	fmt.Fprintf(w, "registered_connections %d\n", s.status.ActiveConnections())
	if ns, ok := s.status.LastRoundLatencyNS(); ok {
		fmt.Fprintf(w, "last_round_latency_ns %d\n", ns)
	}
}
