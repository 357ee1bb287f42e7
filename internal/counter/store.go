package counter

import (
	"context"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
)

// Store is a shared counter store supporting increment-by-delta on hash
// fields. Repeated calls add again; there is no deduplication.
type Store interface {
	// IncrBy adds delta to field of the counter stored at key
	IncrBy(ctx context.Context, key, field string, delta int64) error

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases the connection
	Close() error

	// Name returns the store type
	Name() string
}

// LogStore logs increments instead of sending them anywhere
type LogStore struct {
	logger *logging.Logger
}

// NewLogStore creates a dry-run store
func NewLogStore(logger *logging.Logger) *LogStore {
	return &LogStore{logger: logger.WithComponent("counter")}
}

// IncrBy logs the increment
func (s *LogStore) IncrBy(ctx context.Context, key, field string, delta int64) error {
	s.logger.Info().
		Str("key", key).
		Str("field", field).
		Int64("delta", delta).
		Msg("Increment")
	return nil
}

// Ping always succeeds
func (s *LogStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *LogStore) Close() error {
	return nil
}

// Name returns the store type
func (s *LogStore) Name() string {
	return "log"
}
