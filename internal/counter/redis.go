package counter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Host         string
	Port         int
	DB           int
	Password     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TLSConfig enables TLS when set
	TLSConfig *tls.Config
}

// RedisStore increments hash fields with HINCRBY
type RedisStore struct {
	client *redis.Client
	addr   string
}

// NewRedisStore creates a Redis-backed store. No connection is made until
// the first command.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis host is empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid redis port: %d", cfg.Port)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLSConfig,
		// Failed increments are dropped, not retried
		MaxRetries: -1,
	})

	return &RedisStore{client: client, addr: addr}, nil
}

// IncrBy runs HINCRBY key field delta
func (s *RedisStore) IncrBy(ctx context.Context, key, field string, delta int64) error {
	if err := s.client.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("failed to increment %s %s on %s: %w", key, field, s.addr, err)
	}
	return nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis at %s: %w", s.addr, err)
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Name returns the store type
func (s *RedisStore) Name() string {
	return "redis"
}
