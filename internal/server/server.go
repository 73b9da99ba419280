// Package server assembles the coordinator's HTTP surface: health probes,
// version, Prometheus metrics, and the /v1 API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/internal/config"
	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/internal/observability"
	"github.com/3leaps/gofleet/internal/server/handlers"
	"github.com/3leaps/gofleet/internal/server/middleware"
)

// Server is the HTTP listener for a coordinator process.
type Server struct {
	host string
	port int

	coord   handlers.Coordinator
	metrics *observability.MetricsExporter
	logger  *zap.Logger
	pprof   bool

	timeouts config.ServerConfig

	router chi.Router
	srv    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCoordinator mounts the /v1 API backed by c.
func WithCoordinator(c handlers.Coordinator) Option {
	return func(s *Server) { s.coord = c }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(exp *observability.MetricsExporter) Option {
	return func(s *Server) { s.metrics = exp }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts applies the read, write, and idle timeouts from cfg.
func WithTimeouts(cfg config.ServerConfig) Option {
	return func(s *Server) { s.timeouts = cfg }
}

// WithPprof mounts net/http/pprof under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// New builds the router. Nothing listens until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		logger: observability.CLILogger,
		timeouts: config.ServerConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.ReadTimeout,
		ReadHeaderTimeout: s.timeouts.ReadTimeout,
		WriteTimeout:      s.timeouts.WriteTimeout,
		IdleTimeout:       s.timeouts.IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	if handlers.GetHealthManager() == nil {
		handlers.InitHealthManager("dev")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Metrics(s.metrics))

	r.NotFound(apperrors.NotFound)
	r.MethodNotAllowed(apperrors.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	if s.coord != nil {
		r.Route("/v1", handlers.NewAPI(s.coord).Routes)
	}
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
