// Package server exposes a queue over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/autoqueue/internal/events"
	"github.com/aristath/autoqueue/internal/logging"
	"github.com/aristath/autoqueue/internal/monitor"
	"github.com/aristath/autoqueue/internal/optimizer"
	"github.com/aristath/autoqueue/internal/planner"
	"github.com/aristath/autoqueue/internal/queue"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the autoqueue REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	queueID   string
	queue     *queue.Queue
	monitor   *monitor.Monitor     // optional; /alerts and /queue/history
	optimizer *optimizer.Optimizer // optional; /optimizer
	planner   *planner.Planner
	bus       *events.Bus          // optional; /events stream
	gatherer  prometheus.Gatherer  // optional; /metrics
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMonitor enables the alert and history endpoints.
func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithOptimizer enables the optimizer endpoints.
func WithOptimizer(o *optimizer.Optimizer) Option {
	return func(s *Server) { s.optimizer = o }
}

// WithBus enables the server-sent event stream.
func WithBus(b *events.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithQueueID names the queue in monitor lookups (default "default").
func WithQueueID(id string) Option {
	return func(s *Server) { s.queueID = id }
}

// New creates a new Server with all routes registered.
func New(q *queue.Queue, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "server"),
		startTime: time.Now(),
		queueID:   "default",
		queue:     q,
		planner:   planner.New(planner.WithLogger(logger)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/retry", s.handleRetryTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStatus)
			r.Put("/settings", s.handleApplySettings)
			r.Get("/history", s.handleQueueHistory)
		})

		r.Get("/graph", s.handleGraph)
		r.Get("/plan", s.handlePlan)
		r.Get("/alerts", s.handleAlerts)

		r.Route("/optimizer", func(r chi.Router) {
			r.Get("/", s.handleOptimizerAnalysis)
			r.Get("/changes", s.handleListChanges)
			r.Post("/changes/{id}/rollback", s.handleRollbackChange)
		})

		r.Get("/events", s.handleEvents)
	})
}

// Run serves on cfg.Addr until ctx ends, then shuts down gracefully within
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("api stopped")
	return nil
}
