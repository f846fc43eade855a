// Package api exposes compile jobs and the shared engine over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/busytex/internal/jobs"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/store"
	"github.com/seantiz/busytex/internal/tools"
	"github.com/seantiz/busytex/internal/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Engine is the engine lifecycle the API reports on and controls.
type Engine interface {
	State() runner.State
	Mode() transport.Mode
	EngineVersions() map[string]string
	Initialize(ctx context.Context, mode transport.Mode) error
	Terminate() error
}

// Compile-time interface satisfaction check.
var _ Engine = (*runner.Runner)(nil)

// Option configures a Server.
type Option func(*Server)

// WithCompileRateLimit limits compile submissions to rps per second with the
// given burst. A non-positive rps disables the limit.
func WithCompileRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.compileLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.compileLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router         *chi.Mux
	store          store.Store
	registry       *tools.Registry
	jobs           *jobs.Service
	engine         Engine
	compileLimiter *rate.Limiter
	logger         *slog.Logger
	addr           string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, reg *tools.Registry, svc *jobs.Service, eng Engine, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		jobs:     svc,
		engine:   eng,
		logger:   logger,
		addr:     addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/engine", func(r chi.Router) {
		r.Get("/", s.handleGetEngine)
		r.Post("/init", s.handleInitEngine)
		r.Post("/terminate", s.handleTerminateEngine)
	})

	s.router.Get("/v1/tools", s.handleListTools)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.With(s.rateLimitMiddleware).Post("/v1/compile", s.handleCompile)

	s.router.Route("/v1/compiles", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/", s.handleSubmitCompile)
		r.Get("/", s.handleListCompiles)
		r.Get("/{id}", s.handleGetCompile)
		r.Get("/{id}/pdf", s.handleGetPDF)
		r.Get("/{id}/passes", s.handleGetPasses)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.jobs.Wait()
	if err := s.engine.Terminate(); err != nil {
		s.logger.Warn("terminate engine", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
