// Package cache connects to the Redis-compatible (Valkey) cache.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eugenenazirov/homepage-backend/internal/backoff"
)

// ErrConnect is returned when the cache cannot be reached at startup.
var ErrConnect = errors.New("failed to connect to cache")

// Client is a connection-pooled cache handle safe for concurrent use.
type Client struct {
	rdb *redis.Client
}

// Options parses a redis:// or rediss:// URL into client options.
func Options(rawURL string) (*redis.Options, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

// Connect creates the client and pings it, retrying with policy.
func Connect(ctx context.Context, rawURL string, logger *zap.Logger, policy backoff.Policy) (*Client, error) {
	opts, err := Options(rawURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	err = policy.Do(ctx, logger, "cache connect", func() error {
		return rdb.Ping(ctx).Err()
	}, nil)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	logger.Info("cache connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks the cache connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
