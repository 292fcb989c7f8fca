// Package database owns the PostgreSQL connection pool and schema migrations.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/eugenenazirov/homepage-backend/internal/backoff"
	"github.com/eugenenazirov/homepage-backend/internal/vault"
)

// Fixed pool bounds. pgxpool has no acquire timeout setting, so
// AcquireTimeout is enforced as a context deadline around Ping and the
// startup ping; ConnectTimeout bounds dialing a single connection.
const (
	MaxConns       = 20
	MinConns       = 5
	AcquireTimeout = 30 * time.Second
	ConnectTimeout = 30 * time.Second
	IdleTimeout    = 10 * time.Minute
)

// ErrConnect is returned when the pool cannot reach the database.
var ErrConnect = errors.New("failed to connect to database")

// Options describes the database endpoint.
type Options struct {
	Host       string
	Port       int
	Name       string
	EnableMTLS bool
}

// DB wraps the pgx pool shared by all request handlers.
type DB struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// ConnString builds a postgres URL for the given credentials. TLS is
// required when mTLS is enabled and preferred otherwise.
func ConnString(creds vault.Credentials, opts Options) string {
	sslMode := "prefer"
	if opts.EnableMTLS {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(creds.Username, creds.Password),
		Host:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Path:     "/" + opts.Name,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// PoolConfig parses the connection string and applies the fixed pool bounds.
func PoolConfig(creds vault.Credentials, opts Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(ConnString(creds, opts))
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	cfg.MaxConns = MaxConns
	cfg.MinConns = MinConns
	cfg.MaxConnIdleTime = IdleTimeout
	cfg.ConnConfig.ConnectTimeout = ConnectTimeout
	return cfg, nil
}

// Open builds the pool and verifies connectivity, retrying with policy.
// The credentials are only used to build the connection config.
func Open(ctx context.Context, creds vault.Credentials, opts Options, logger *zap.Logger, policy backoff.Policy) (*DB, error) {
	logger.Info("initializing database connection pool",
		zap.String("host", opts.Host),
		zap.Int("port", opts.Port),
		zap.String("database", opts.Name),
		zap.Bool("mtls", opts.EnableMTLS),
	)

	cfg, err := PoolConfig(creds, opts)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	err = policy.Do(ctx, logger, "database connect", func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	logger.Info("database connection pool initialized")
	return &DB{pool: pool, acquireTimeout: AcquireTimeout}, nil
}

// Ping runs SELECT 1, bounded by the acquire timeout.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.acquireTimeout)
	defer cancel()

	var one int
	return db.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Pool exposes the underlying pgx pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close releases every pooled connection.
func (db *DB) Close() {
	db.pool.Close()
}
