package flusher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/counter"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/metrics"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/stats"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/tracing"
	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

const (
	// NoCacheStatusKey replaces the sentinel cache status in store keys
	NoCacheStatusKey = "none"

	fieldCount = "count"
	fieldSize  = "size"

	defaultInterval = 60 * time.Second
	defaultTimeout  = 10 * time.Second
)

// Config configures a Flusher
type Config struct {
	Interval time.Duration
	Prefix   string

	// Timeout bounds one flush cycle, including the final one
	Timeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Result summarizes one flush cycle
type Result struct {
	Entries    int
	Increments int
	Failed     int
}

// Flusher periodically moves the table contents into the counter store
type Flusher struct {
	table  *stats.Table
	store  counter.Store
	cfg    Config
	logger *logging.Logger
}

// New creates a flusher
func New(table *stats.Table, store counter.Store, cfg Config) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("cachestat")
	}

	return &Flusher{
		table:  table,
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("flusher"),
	}
}

// Run flushes every interval until ctx is done, then flushes once more so
// nothing recorded before shutdown is lost
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushWithTimeout(ctx)

		case <-ctx.Done():
			f.logger.Info().Msg("Final flush")
			f.flushWithTimeout(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (f *Flusher) flushWithTimeout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if _, err := f.Flush(ctx); err != nil {
		f.logger.Error().Err(err).Msg("Flush incomplete")
	}
}

// Flush swaps the table and sends every delta to the store. A failed
// increment is logged and dropped; the remaining increments still go out.
func (f *Flusher) Flush(ctx context.Context) (Result, error) {
	start := time.Now()

	snap, ok := f.table.SwapAndClear()
	if !ok {
		f.observe("empty", start)
		return Result{}, nil
	}

	ctx, span := tracing.TraceFlush(ctx, f.cfg.Tracer, f.store.Name(), len(snap.Entries)+len(snap.Counters))
	defer span.End()

	res := Result{Entries: len(snap.Entries) + len(snap.Counters)}
	var errs []error

	incr := func(key, field string, delta int64) {
		res.Increments++
		err := f.store.IncrBy(ctx, f.cfg.Prefix+key, field, delta)
		f.countIncrement(err)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			f.logger.Error().
				Err(err).
				Str("key", f.cfg.Prefix+key).
				Str("field", field).
				Int64("delta", delta).
				Msg("Failed to increment counter, dropping delta")
		}
	}

	for status, entry := range snap.Entries {
		key := status
		if key == types.NoCacheStatus {
			key = NoCacheStatusKey
		}
		incr(key, fieldCount, entry.Count)
		incr(key, fieldSize, entry.Size)

		if f.cfg.Metrics != nil {
			f.cfg.Metrics.FlushedRequests.WithLabelValues(key).Add(float64(entry.Count))
			f.cfg.Metrics.FlushedBytes.WithLabelValues(key).Add(float64(entry.Size))
		}
	}

	for key, n := range snap.Counters {
		incr(key, fieldCount, n)
	}

	span.SetAttributes(
		attribute.Int("flush.increments", res.Increments),
		attribute.Int("flush.failed", res.Failed),
	)

	if len(errs) > 0 {
		err := fmt.Errorf("%d of %d increments failed: %w", res.Failed, res.Increments, errors.Join(errs...))
		tracing.RecordError(ctx, err)
		f.observe("error", start)
		return res, err
	}

	f.observe("ok", start)
	f.logger.Debug().
		Int("entries", res.Entries).
		Int64("requests", snap.Total()).
		Dur("duration", time.Since(start)).
		Msg("Flushed")
	return res, nil
}

func (f *Flusher) observe(result string, start time.Time) {
	if f.cfg.Metrics == nil {
		return
	}
	f.cfg.Metrics.FlushCycles.WithLabelValues(result).Inc()
	if result != "empty" {
		f.cfg.Metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
}

func (f *Flusher) countIncrement(err error) {
	if f.cfg.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	f.cfg.Metrics.Increments.WithLabelValues(f.store.Name(), result).Inc()
}
