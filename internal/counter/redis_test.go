package counter

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *RedisStore {
	t.Helper()

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("Failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	store, err := NewRedisStore(RedisConfig{
		Host:        host,
		Port:        port,
		DialTimeout: 500 * time.Millisecond,
		ReadTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreIncrBy(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	if err := store.IncrBy(ctx, "cachestat:miss", "count", 3); err != nil {
		t.Fatalf("IncrBy() error = %v", err)
	}
	if err := store.IncrBy(ctx, "cachestat:miss", "count", 2); err != nil {
		t.Fatalf("IncrBy() error = %v", err)
	}
	if err := store.IncrBy(ctx, "cachestat:miss", "size", 4096); err != nil {
		t.Fatalf("IncrBy() error = %v", err)
	}

	if got := mr.HGet("cachestat:miss", "count"); got != "5" {
		t.Errorf("count = %q, want 5", got)
	}
	if got := mr.HGet("cachestat:miss", "size"); got != "4096" {
		t.Errorf("size = %q, want 4096", got)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestStore(t, mr)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := store.IncrBy(ctx, "cachestat:hit", "count", 1); err == nil {
		t.Error("Expected error when redis is down")
	}
	if err := store.Ping(ctx); err == nil {
		t.Error("Expected ping error when redis is down")
	}
}

func TestNewRedisStoreValidation(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{Port: 6379}); err == nil {
		t.Error("Expected error for empty host")
	}
	if _, err := NewRedisStore(RedisConfig{Host: "localhost", Port: 0}); err == nil {
		t.Error("Expected error for invalid port")
	}
}

func TestLogStore(t *testing.T) {
	store := NewLogStore(logging.Nop())
	if err := store.IncrBy(context.Background(), "k", "f", 1); err != nil {
		t.Errorf("IncrBy() error = %v", err)
	}
	if store.Name() != "log" {
		t.Errorf("Name() = %q, want log", store.Name())
	}
}
