// Package server is the gateway's HTTP surface: the auth routes, health
// and metrics endpoints, and the middleware stack in front of them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// Server timeouts applied when the Config leaves them zero.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 2 * time.Minute
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string

	// FrontendURL is the only origin allowed by CORS when set.
	FrontendURL string

	// RedirectURI is served by /api/auth/config.
	RedirectURI string

	Production bool

	// TrustProxy takes the client address from forwarding headers.
	TrustProxy bool

	// RateLimitMax requests per RateLimitWindow are allowed per client IP
	// on /api. Zero disables the limit.
	RateLimitMax    int
	RateLimitWindow time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Log *slog.Logger
}

// Option customises a [Server].
type Option func(*Server)

// WithHealthCheck makes /health report fn's result.
func WithHealthCheck(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithRegistry registers the HTTP metrics with reg and exposes reg on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// Server serves the gateway routes.
type Server struct {
	cfg      Config
	log      *slog.Logger
	gate     *auth.Gate
	users    Users
	health   HealthFunc
	registry *prometheus.Registry
	metrics  *httpMetrics
	limiter  *ipLimiter
	now      func() time.Time

	srv *http.Server
}

// New builds the router. gate and users are required.
func New(cfg Config, gate *auth.Gate, users Users, opts ...Option) (*Server, error) {
	if gate == nil || users == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: gate and user store are required")
	}
	if cfg.RateLimitMax < 0 || (cfg.RateLimitMax > 0 && cfg.RateLimitWindow <= 0) {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: rate limit needs a positive window")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Log,
		gate:  gate,
		users: users,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry != nil {
		s.metrics = newHTTPMetrics(s.registry)
	}
	if cfg.RateLimitMax > 0 {
		s.limiter = newIPLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       orDefault(cfg.ReadTimeout, DefaultReadTimeout),
		WriteTimeout:      orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		IdleTimeout:       orDefault(cfg.IdleTimeout, DefaultIdleTimeout),
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestID)
	r.Use(s.httpLogger)
	r.Use(recoverer(s.log))
	r.Use(securityHeaders)
	r.Use(corsHandler(s.cfg.FrontendURL, s.cfg.Production))
	if s.metrics != nil {
		r.Use(s.metrics.middleware)
	}

	r.NotFound(handleNotFound)
	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			var onReject func(*http.Request)
			if s.metrics != nil {
				onReject = s.metrics.rejected
			}
			r.Use(s.limiter.middleware(onReject))
		}
		r.Route("/auth", func(r chi.Router) {
			r.Get("/config", s.handleAuthConfig)
			r.With(s.gate.RequireAuth).Get("/me", s.handleMe)
			r.With(s.gate.RequireAuth, s.gate.RequireAdmin).Get("/users", s.handleListUsers)
			r.With(s.gate.RequireAuth, s.gate.RequireOwnership(auth.OwnerFromURLParam("id"))).
				Get("/users/{id}", s.handleGetUser)
			r.With(s.gate.RequireAuth, s.gate.RequireOwnership(profileQueryOwner)).
				Get("/profile", s.handleGetProfile)
			r.With(s.gate.RequireAuth, s.gate.RequireOwnership(profileBodyOwner)).
				Put("/profile", s.handleUpdateProfile)
		})
	})
	return r
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("server: serving HTTP", "address", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return sserr.Wrap(err, sserr.CodeInternal, "server: HTTP server failed")
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "server: graceful shutdown did not complete")
	}
	s.log.InfoContext(ctx, "server: HTTP server stopped")
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
