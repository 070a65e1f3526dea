// Package api provides the HTTP server for StudyPipe.
//
// It exposes endpoints to register participants, read their schedule, report checkpoints
// and trigger the lapsed-participant sweep, plus the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/StudyPipe/internal/metrics"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/schedule"
)

// Default server configuration
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	// maxRequestBodyBytes bounds JSON request bodies.
	maxRequestBodyBytes = 1 << 20
)

// Service is the participant lifecycle the API drives.
type Service interface {
	Register(ctx context.Context, p models.Participant) (models.Participant, error)
	Get(ctx context.Context, id string) (models.Participant, error)
	Checkpoint(ctx context.Context, id string, trigger models.Trigger) (schedule.Decision, error)
	Sweep(ctx context.Context) (int, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
	Gatherer        prometheus.Gatherer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds how long in-flight requests may finish after shutdown starts.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithMetrics records request metrics and serves GET /metrics from g.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Metrics = m
		o.Gatherer = g
	}
}

// Server serves the StudyPipe HTTP API.
type Server struct {
	svc             Service
	addr            string
	shutdownTimeout time.Duration
	metrics         *metrics.Metrics
	gatherer        prometheus.Gatherer
}

// NewServer creates a Server for svc.
func NewServer(svc Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		svc:             svc,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		metrics:         cfg.Metrics,
		gatherer:        cfg.Gatherer,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /participants", s.registerHandler)
	mux.HandleFunc("GET /participants/{id}", s.getParticipantHandler)
	mux.HandleFunc("POST /participants/{id}/checkpoint", s.checkpointHandler)
	mux.HandleFunc("POST /sweep", s.sweepHandler)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	if s.metrics == nil {
		return mux
	}
	return s.metrics.MetricsMiddleware(mux)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
