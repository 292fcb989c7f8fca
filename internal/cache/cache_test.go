package cache

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/homepage-backend/internal/backoff"
)

func TestOptionsParsesURL(t *testing.T) {
	opts, err := Options("redis://:secret@valkey:6380/2")
	if err != nil {
		t.Fatalf("Options returned error: %v", err)
	}
	if opts.Addr != "valkey:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}
}

func TestOptionsRejectsInvalidURL(t *testing.T) {
	if _, err := Options("http://valkey:6379"); err == nil {
		t.Fatalf("expected error for non-redis scheme")
	}
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := backoff.Policy{Attempts: 2, Delay: time.Millisecond}
	_, err = Connect(ctx, "redis://"+addr, zaptest.NewLogger(t), policy)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestConnectPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0", zaptest.NewLogger(t), backoff.Once())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if err := client.Redis().Set(context.Background(), "homepage:probe", "ok", 0).Err(); err != nil {
		t.Fatalf("SET through client failed: %v", err)
	}
	if got, _ := mr.Get("homepage:probe"); got != "ok" {
		t.Fatalf("expected value to reach the server, got %q", got)
	}
}

func TestPingReportsServerLoss(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), zaptest.NewLogger(t), backoff.Once())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail once the server is gone")
	}
}
