package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/metrics"
	"github.com/me/gowdl/internal/scheduler"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	heartbeatInterval = 15 * time.Second
)

// Server is the read-only HTTP reporting surface: health, Prometheus
// metrics, run summaries and a live lifecycle event stream.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	broker    *events.Broker
	runs      *RunTracker
	scheduler *scheduler.Scheduler // optional; reported by /health
	backend   string
	heartbeat time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScheduler reports the scheduler's envelope and usage in /health.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(srv *Server) {
		srv.scheduler = s
	}
}

// WithRunTracker shares a tracker created before the server, typically so
// it can be attached to the engine first.
func WithRunTracker(t *RunTracker) Option {
	return func(srv *Server) {
		srv.runs = t
	}
}

// WithBackendKind names the active backend in /health.
func WithBackendKind(kind string) Option {
	return func(srv *Server) {
		srv.backend = kind
	}
}

// New creates a Server with all routes registered. Events reach it through
// broker for streaming and through Runs() for summaries; both must be
// attached to the engine as sinks.
func New(cfg config.ServerConfig, broker *events.Broker, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		broker:    broker,
		runs:      NewRunTracker(),
		heartbeat: heartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Runs returns the sink that keeps run summaries current.
func (s *Server) Runs() *RunTracker {
	return s.runs
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

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(exposeRequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Last-Event-ID", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleSSE)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/events", s.handleSSE)
			})
		})
	})
}

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.config.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
