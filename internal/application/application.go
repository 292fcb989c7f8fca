package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/eugenenazirov/homepage-backend/internal/api"
	"github.com/eugenenazirov/homepage-backend/internal/backoff"
	"github.com/eugenenazirov/homepage-backend/internal/cache"
	"github.com/eugenenazirov/homepage-backend/internal/certwatch"
	"github.com/eugenenazirov/homepage-backend/internal/config"
	"github.com/eugenenazirov/homepage-backend/internal/database"
	"github.com/eugenenazirov/homepage-backend/internal/metrics"
	"github.com/eugenenazirov/homepage-backend/internal/vault"
)

// Backend is a connected dependency the service probes and releases.
type Backend interface {
	Ping(ctx context.Context) error
}

// Resources groups the connections established during startup.
type Resources struct {
	DB    Backend
	Cache Backend

	// Closers run in order when the application is closed.
	Closers []func()
}

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg       config.Config
	resources Resources
	metrics   *metrics.Metrics
	signal    *certwatch.ReloadSignal
	watcher   *certwatch.Watcher
	router    http.Handler
	logger    *zap.Logger
	server    *http.Server

	stopWatcher context.CancelFunc
	watcherDone chan struct{}
	listener    net.Listener
	closeOnce   sync.Once
}

// New runs the startup sequence: credentials, database pool, migrations,
// cache and the optional certificate watcher. Any failure aborts startup
// and releases what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	policy := StartupPolicy(cfg)
	m := metrics.New()

	vaultOpts := vault.Options{
		Address:          cfg.VaultAddr,
		RoleID:           cfg.VaultRoleID,
		SecretID:         cfg.VaultSecretID,
		AppRoleMount:     cfg.VaultAppRoleMount,
		KVMount:          cfg.VaultKVMount,
		DatabaseName:     cfg.DatabaseName,
		AllowFallback:    cfg.AllowCredentialFallback,
		FallbackUser:     cfg.FallbackDatabaseUser,
		FallbackPassword: cfg.FallbackDatabasePassword,
	}
	vc, err := vault.NewClient(ctx, vaultOpts, logger, policy)
	if err != nil {
		return nil, fmt.Errorf("initialize vault client: %w", err)
	}

	creds, err := vault.FetchDBCredentials(ctx, vc, vaultOpts, logger, policy)
	if err != nil {
		return nil, fmt.Errorf("fetch database credentials: %w", err)
	}
	m.SetCredentialsSource(string(creds.Source))

	db, err := database.Open(ctx, creds, database.Options{
		Host:       cfg.DatabaseHost,
		Port:       cfg.DatabasePort,
		Name:       cfg.DatabaseName,
		EnableMTLS: cfg.EnableMTLS,
	}, logger, policy)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	cc, err := cache.Connect(ctx, cfg.RedisURL, logger, policy)
	if err != nil {
		db.Close()
		return nil, err
	}

	res := Resources{
		DB:    db,
		Cache: cc,
		Closers: []func(){
			func() {
				if err := cc.Close(); err != nil {
					logger.Warn("closing cache client failed", zap.Error(err))
				}
			},
			db.Close,
		},
	}
	return Assemble(cfg, logger, res, m)
}

// Assemble wires already connected resources into the HTTP surface and
// starts the certificate watcher when mTLS is enabled.
func Assemble(cfg config.Config, logger *zap.Logger, res Resources, m *metrics.Metrics) (*App, error) {
	if res.DB == nil {
		return nil, errors.New("database backend is required")
	}
	if m == nil {
		m = metrics.New()
	}

	app := &App{
		cfg:       cfg,
		resources: res,
		metrics:   m,
		signal:    certwatch.NewReloadSignal(),
		logger:    logger,
	}
	m.RegisterReloadPending(app.signal.Pending)

	handlerOpts := []api.HandlerOption{api.WithReloadState(app.signal)}
	if res.Cache != nil {
		handlerOpts = append(handlerOpts, api.WithCache(res.Cache))
	}
	handler := api.NewHandler(res.DB, logger, handlerOpts...)
	app.router = api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithMetrics(m.Handler(), m),
	)
	app.server = NewServer(cfg, app.router)

	if cfg.EnableMTLS {
		app.startWatcher()
	} else {
		logger.Info("mTLS disabled, certificate watcher not started")
	}

	return app, nil
}

// StartupPolicy derives the retry policy used by every startup step.
func StartupPolicy(cfg config.Config) backoff.Policy {
	return backoff.Policy{
		Attempts: cfg.StartupRetryAttempts,
		Delay:    cfg.StartupRetryDelay,
		MaxDelay: cfg.StartupRetryMaxDelay,
		Clock:    clock.WallClock,
	}
}

func (a *App) startWatcher() {
	a.watcher = certwatch.New(certwatch.Config{
		Paths:      []string{a.cfg.TLSCertPath, a.cfg.TLSKeyPath},
		ClearDelay: a.cfg.CertReloadClearDelay,
	}, a.signal, a.logger,
		certwatch.WithEventCounter(a.metrics.CertificateEvents),
		certwatch.WithDropCounter(a.metrics.CertificateEventsDropped),
	)

	ctx, cancel := context.WithCancel(context.Background())
	a.stopWatcher = cancel
	a.watcherDone = make(chan struct{})
	go func() {
		defer close(a.watcherDone)
		if err := a.watcher.Run(ctx); err != nil {
			a.logger.Error("certificate watcher disabled", zap.Error(err))
		}
	}()
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start binds the listener and serves in a goroutine. A bind failure is
// returned to the caller.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// ReloadSignal exposes the certificate reload flag.
func (a *App) ReloadSignal() *certwatch.ReloadSignal {
	return a.signal
}

// Close stops the certificate watcher and releases the startup resources.
// It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.stopWatcher != nil {
			a.stopWatcher()
			<-a.watcherDone
		}
		for _, closer := range a.resources.Closers {
			closer()
		}
		a.logger.Info("resources released")
	})
}
