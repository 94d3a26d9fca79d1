package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/teamskills-gateway/internal/server"
	"github.com/StricklySoft/teamskills-gateway/internal/userstore"
	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/postgres"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
	"github.com/StricklySoft/teamskills-gateway/pkg/lifecycle"
)

// ServiceName identifies the gateway in logs, spans and health reports.
const ServiceName = "teamskills-gateway"

// Store is the user store the gateway runs on: the resolver's path plus
// the routes' reads and profile updates.
type Store interface {
	auth.UserStore
	server.Users
}

// Option customises an [App].
type Option func(*App)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithStore runs the gateway on store instead of connecting to Postgres.
func WithStore(store Store) Option {
	return func(a *App) { a.store = store }
}

// WithRegistry collects metrics into reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) { a.tp = tp }
}

// WithKeyHTTPClient sets the client used to fetch signing keys.
func WithKeyHTTPClient(c auth.HTTPClient) Option {
	return func(a *App) { a.keyClient = c }
}

// App is the gateway process: every component is built once in the start
// hook and torn down in the stop hook of its lifecycle.Service. An App can
// be started once.
type App struct {
	cfg     Config
	version string

	log       *slog.Logger
	registry  *prometheus.Registry
	metrics   *auth.Metrics
	tp        trace.TracerProvider
	keyClient auth.HTTPClient

	svc *lifecycle.Service

	mu       sync.Mutex
	started  bool
	store    Store
	db       *postgres.Client
	cache    *redis.Client
	keys     *auth.KeyCache
	server   *server.Server
	listener net.Listener
	serveErr chan error
}

// New validates cfg and builds the App. Nothing connects until Start.
func New(cfg Config, version string, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "gateway: invalid configuration")
	}

	a := &App{
		cfg:      cfg,
		version:  version,
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.tp == nil {
		a.tp = otel.GetTracerProvider()
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.metrics = auth.NewMetrics(a.registry)

	b := lifecycle.NewServiceBuilder(ServiceName, version).
		WithLogger(a.log).
		WithTracerProvider(a.tp).
		WithOnStart(a.start).
		WithOnStop(a.stop).
		WithStateChangeHandler(func(old, new lifecycle.State) {
			a.log.Debug("gateway: state changed", "from", old, "to", new)
		})
	if a.store == nil {
		b = b.WithDependency(lifecycle.Dependency{Name: "postgres", Check: a.checkPostgres})
	}
	if cfg.Redis.Enabled() && cfg.Policy().Configured() {
		b = b.WithDependency(lifecycle.Dependency{Name: "redis", Optional: true, Check: a.checkRedis})
	}
	svc, err := b.Build()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: cannot build service")
	}
	a.svc = svc
	return a, nil
}

// Service returns the lifecycle the App runs under.
func (a *App) Service() *lifecycle.Service { return a.svc }

// Registry returns the metrics registry served on /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Addr returns the bound listen address, or "" before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the gateway, serves until ctx is done or the HTTP server
// fails, then shuts down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case err := <-a.serveErr:
			if err != nil {
				cancel(err)
			}
		case <-ctx.Done():
		}
	}()

	if err := a.svc.Run(ctx, a.cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func (a *App) start(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return sserr.New(sserr.CodeConflict, "gateway: an App can only be started once")
	}
	a.started = true
	defer func() {
		if err != nil {
			_ = a.closeClients()
		}
	}()

	policy := a.cfg.Policy()
	policy.LogMode(ctx)
	if a.cfg.PartialAuth() {
		a.log.WarnContext(ctx, "gateway: only one of AZURE_AD_CLIENT_ID and AZURE_AD_TENANT_ID is set")
	}

	if a.store == nil {
		if err := a.openPostgres(ctx); err != nil {
			return err
		}
	}

	verifier, resolver, err := a.buildPipeline(ctx, policy)
	if err != nil {
		return err
	}
	gate := auth.NewGate(policy, verifier, resolver, a.metrics)

	srv, err := server.New(server.Config{
		ListenAddr:      a.cfg.Addr(),
		FrontendURL:     a.cfg.FrontendURL,
		RedirectURI:     a.cfg.RedirectURI(),
		Production:      a.cfg.Production(),
		TrustProxy:      a.cfg.TrustProxy,
		RateLimitMax:    a.cfg.RateLimitMax,
		RateLimitWindow: a.cfg.RateLimitWindow,
		Log:             a.log,
	}, gate, a.store,
		server.WithRegistry(a.registry),
		server.WithHealthCheck(a.svc.Health),
	)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", a.cfg.Addr())
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeUnavailable, "gateway: cannot listen on %s", a.cfg.Addr())
	}
	a.server = srv
	a.listener = l

	go func() {
		a.serveErr <- srv.Serve(l)
	}()
	return nil
}

func (a *App) openPostgres(ctx context.Context) error {
	db, err := postgres.NewClient(ctx, a.cfg.Postgres)
	if err != nil {
		return err
	}
	a.db = db
	store := userstore.NewPostgres(db)
	if a.cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.log.InfoContext(ctx, "gateway: user schema migrated")
	}
	a.store = store
	return nil
}

// buildPipeline returns nil components in demo mode, where the gate never
// calls them.
func (a *App) buildPipeline(ctx context.Context, policy auth.Policy) (auth.TokenVerifier, auth.IdentityResolver, error) {
	if !policy.Configured() {
		return nil, nil, nil
	}

	var shared auth.KeySetStore
	if a.cfg.Redis.Enabled() {
		cache, err := redis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			a.log.WarnContext(ctx, "gateway: shared key cache unavailable, continuing with the local cache",
				"error", err,
			)
		} else {
			a.cache = cache
			shared = auth.NewRedisKeySetStore(cache)
		}
	}

	keys, err := auth.NewKeyCache(auth.KeyCacheConfig{
		URL:               a.cfg.JWKSURL,
		TTL:               a.cfg.JWKSCacheTTL,
		RequestsPerMinute: a.cfg.JWKSRequestsPerMinute,
		HTTPClient:        a.keyClient,
		Store:             shared,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := keys.Refresh(ctx); err != nil {
		a.log.WarnContext(ctx, "gateway: signing keys not prefetched, they will load on first use",
			"jwks_url", a.cfg.JWKSURL,
			"error", err,
		)
	} else {
		a.log.InfoContext(ctx, "gateway: signing keys loaded", "keys", keys.Len())
	}
	a.keys = keys

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		ClientID:       a.cfg.ClientID,
		ClockSkew:      a.cfg.ClockSkew,
		Keys:           keys,
		TracerProvider: a.tp,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	resolver := auth.NewResolver(a.store,
		auth.WithResolverMetrics(a.metrics),
		auth.WithResolverTracerProvider(a.tp),
	)
	return verifier, resolver, nil
}

// stop drains the HTTP server before closing the pools. a.mu is not held
// while draining because in-flight health checks take it.
func (a *App) stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.closeClients(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeClients releases the connections the App opened. The caller holds
// a.mu.
func (a *App) closeClients() error {
	var err error
	if a.cache != nil {
		if cerr := a.cache.Close(); cerr != nil {
			err = sserr.Wrap(cerr, sserr.CodeInternal, "gateway: closing redis failed")
		}
		a.cache = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	return err
}

func (a *App) checkPostgres(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return sserr.New(sserr.CodeUnavailableDependency, "gateway: postgres is not connected")
	}
	return db.Health(ctx)
}

func (a *App) checkRedis(ctx context.Context) error {
	a.mu.Lock()
	cache := a.cache
	a.mu.Unlock()
	if cache == nil {
		return sserr.New(sserr.CodeUnavailableDependency, "gateway: redis is not connected")
	}
	return cache.Health(ctx)
}
