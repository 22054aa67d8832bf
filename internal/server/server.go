// Package server assembles the HTTP stack: the chi router, the
// middleware chain, and the handler wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/internal/observability"
	"github.com/3leaps/gofetch/internal/server/handlers"
	"github.com/3leaps/gofetch/internal/server/middleware"
	"github.com/3leaps/gofetch/internal/service"
)

// adminTokenEnv gates the admin endpoints. Unset means the routes are
// not registered at all.
const adminTokenEnv = "GOFETCH_ADMIN_TOKEN"

// Default HTTP server timeouts, overridable through WithTimeouts.
const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
)

// Server is the HTTP front of the service.
type Server struct {
	host   string
	port   int
	logger *zap.Logger
	jobs   *handlers.JobsHandler
	router chi.Router

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	srv        *http.Server
}

// New creates a server listening on host:port. Port 0 asks the kernel
// for a free port. The job routes respond 503 until WithService runs.
func New(host string, port int) *Server {
	logger := observability.Logger

	s := &Server{
		host:         host,
		port:         port,
		logger:       logger,
		jobs:         handlers.NewJobsHandler(logger),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.router = s.buildRouter()
	return s
}

// WithService attaches the job service backing the API routes. Returns
// the server for chaining.
func (s *Server) WithService(svc *service.Service) *Server {
	s.jobs.SetService(svc)
	return s
}

// WithTrustProxyHeaders controls whether owner identity honors
// X-Forwarded-For. Returns the server for chaining.
func (s *Server) WithTrustProxyHeaders(trust bool) *Server {
	s.jobs.SetTrustProxyHeaders(trust)
	return s
}

// WithTimeouts overrides the HTTP server timeouts. Zero values keep the
// defaults.
func (s *Server) WithTimeouts(read, write, idle time.Duration) *Server {
	if read > 0 {
		s.readTimeout = read
	}
	if write > 0 {
		s.writeTimeout = write
	}
	if idle > 0 {
		s.idleTimeout = idle
	}
	return s
}

// Port returns the configured port, not the bound one.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the fully assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.ErrorHandler)
	r.Use(middleware.Logging(s.logger))

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.jobs.Submit)
		r.Get("/", s.jobs.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.jobs.Get)
			r.Post("/cancel", s.jobs.Cancel)
			r.Get("/events", s.jobs.Events)
			r.Get("/ws", s.jobs.WS)
			r.Get("/artifact", s.jobs.Artifact)
		})
	})

	s.registerAdminEndpoint(r)

	return r
}

// registerAdminEndpoint mounts the admin routes only when a token is
// configured. No token, no routes: the paths 404 like any other
// unrouted path.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := os.Getenv(adminTokenEnv)
	if token == "" {
		return
	}

	admin := handlers.NewAdminHandler(s.jobs, token)
	r.Post("/admin/sweep", admin.Sweep)
	s.logger.Info("admin endpoint enabled", zap.String("path", "/admin/sweep"))
}

// Start listens and serves until the listener fails or Shutdown runs.
// A clean shutdown returns nil.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
		// Request contexts descend from baseCtx so Shutdown can end
		// long-lived event streams.
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}

	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, cancels streaming requests and
// waits for in-flight handlers up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
