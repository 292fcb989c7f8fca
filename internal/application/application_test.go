package application

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/homepage-backend/internal/config"
	"github.com/eugenenazirov/homepage-backend/internal/database"
	"github.com/eugenenazirov/homepage-backend/internal/metrics"
	"github.com/eugenenazirov/homepage-backend/internal/vault"
)

type fakeBackend struct {
	err error
}

func (f fakeBackend) Ping(context.Context) error { return f.err }

type closeLog struct {
	mu    sync.Mutex
	order []string
}

func (c *closeLog) closer(name string) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.order = append(c.order, name)
	}
}

func (c *closeLog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func TestAssembleServesEndpoints(t *testing.T) {
	app, err := Assemble(baseTestConfig(":0"), zaptest.NewLogger(t), Resources{
		DB:    fakeBackend{},
		Cache: fakeBackend{},
	}, metrics.New())
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	t.Cleanup(app.Close)

	if app.server == nil || app.router == nil {
		t.Fatalf("expected server and router to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if app.watcher != nil {
		t.Fatalf("expected no certificate watcher without mTLS")
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"homepage_certificate_reload_pending 0",
		`homepage_http_requests_total{method="GET",route="GET /health",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestAssembleReportsUnhealthyDatabase(t *testing.T) {
	app, err := Assemble(baseTestConfig(":0"), zaptest.NewLogger(t), Resources{
		DB: fakeBackend{err: errors.New("connection refused")},
	}, nil)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	t.Cleanup(app.Close)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestAssembleRequiresDatabase(t *testing.T) {
	if _, err := Assemble(baseTestConfig(":0"), zaptest.NewLogger(t), Resources{}, nil); err == nil {
		t.Fatalf("expected error without database backend")
	}
}

func TestAssembleStartsCertificateWatcher(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	for _, path := range []string{certPath, keyPath} {
		if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	cfg := baseTestConfig(":0")
	cfg.EnableMTLS = true
	cfg.TLSCertPath = certPath
	cfg.TLSKeyPath = keyPath
	cfg.CertReloadClearDelay = 200 * time.Millisecond

	closed := &closeLog{}
	app, err := Assemble(cfg, zaptest.NewLogger(t), Resources{
		DB:      fakeBackend{},
		Closers: []func(){closed.closer("cache"), closed.closer("db")},
	}, nil)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	if app.watcher == nil {
		t.Fatalf("expected certificate watcher with mTLS enabled")
	}
	if dirs := app.watcher.Dirs(); len(dirs) != 1 || dirs[0] != dir {
		t.Fatalf("expected watcher on %s, got %v", dir, dirs)
	}

	// fsnotify registration happens asynchronously; keep rewriting until seen.
	deadline := time.Now().Add(5 * time.Second)
	for !app.ReloadSignal().Pending() {
		if time.Now().After(deadline) {
			t.Fatalf("expected certificate change to raise the reload signal")
		}
		if err := os.WriteFile(certPath, []byte("rotated"), 0o600); err != nil {
			t.Fatalf("rotate certificate: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	app.Close()
	app.Close()

	if got := closed.names(); len(got) != 2 || got[0] != "cache" || got[1] != "db" {
		t.Fatalf("expected closers to run once in order, got %v", got)
	}
}

func TestWatcherSetupFailureDoesNotAffectApp(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.EnableMTLS = true
	missing := filepath.Join(t.TempDir(), "missing")
	cfg.TLSCertPath = filepath.Join(missing, "tls.crt")
	cfg.TLSKeyPath = filepath.Join(missing, "tls.key")

	app, err := Assemble(cfg, zaptest.NewLogger(t), Resources{DB: fakeBackend{}}, nil)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}

	select {
	case <-app.watcherDone:
	case <-time.After(time.Second):
		t.Fatalf("expected watcher to exit after setup failure")
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected service to keep serving, got %d", rec.Code)
	}
	app.Close()
}

func TestStartServesOnBoundListener(t *testing.T) {
	app, err := Assemble(baseTestConfig("127.0.0.1:0"), zaptest.NewLogger(t), Resources{DB: fakeBackend{}}, nil)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	t.Cleanup(app.Close)

	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = app.Server().Close()
	})

	resp, err := http.Get("http://" + app.Addr() + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "Homepage Backend API" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestStartReturnsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	app, err := Assemble(baseTestConfig(ln.Addr().String()), zaptest.NewLogger(t), Resources{DB: fakeBackend{}}, nil)
	if err != nil {
		t.Fatalf("Assemble returned error: %v", err)
	}
	t.Cleanup(app.Close)

	if err := app.Start(); err == nil {
		t.Fatalf("expected bind error for occupied address")
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestStartupPolicyFromConfig(t *testing.T) {
	cfg := baseTestConfig(":0")
	policy := StartupPolicy(cfg)
	if policy.Attempts != cfg.StartupRetryAttempts || policy.Delay != cfg.StartupRetryDelay || policy.MaxDelay != cfg.StartupRetryMaxDelay {
		t.Fatalf("policy does not match configuration: %+v", policy)
	}
	if policy.Clock == nil {
		t.Fatalf("expected wall clock")
	}
}

func TestNewFailsFast(t *testing.T) {
	vaultServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}))
	t.Cleanup(vaultServer.Close)
	t.Setenv("VAULT_TOKEN", "")

	t.Run("fallback disabled", func(t *testing.T) {
		cfg := startupTestConfig(vaultServer.URL)
		cfg.AllowCredentialFallback = false

		if _, err := New(context.Background(), cfg, zaptest.NewLogger(t)); !errors.Is(err, vault.ErrFallbackDisabled) {
			t.Fatalf("expected ErrFallbackDisabled, got %v", err)
		}
	})

	t.Run("database unreachable", func(t *testing.T) {
		cfg := startupTestConfig(vaultServer.URL)

		if _, err := New(context.Background(), cfg, zaptest.NewLogger(t)); !errors.Is(err, database.ErrConnect) {
			t.Fatalf("expected database.ErrConnect, got %v", err)
		}
	})
}

func startupTestConfig(vaultAddr string) config.Config {
	cfg := baseTestConfig(":0")
	cfg.VaultAddr = vaultAddr
	cfg.VaultKVMount = "secret"
	cfg.AllowCredentialFallback = true
	cfg.FallbackDatabaseUser = "postgres"
	cfg.FallbackDatabasePassword = "postgres"
	cfg.DatabaseHost = "127.0.0.1"
	cfg.DatabasePort = 1
	cfg.DatabaseName = "homepage"
	cfg.RedisURL = "redis://127.0.0.1:1"
	return cfg
}

func baseTestConfig(port string) config.Config {
	return config.Config{
		Port:                 port,
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    time.Second,
		WriteTimeout:         time.Second,
		IdleTimeout:          time.Second,
		EnableRequestLogging: false,
		RateLimitRPS:         0,
		RateLimitBurst:       0,
		StartupRetryAttempts: 1,
		StartupRetryDelay:    time.Millisecond,
		StartupRetryMaxDelay: time.Millisecond,
	}
}
