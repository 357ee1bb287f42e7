// Package collector wires the watcher, statistics table and flusher for one
// access log and runs them until shutdown.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/config"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/counter"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/flusher"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/health"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/metrics"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/parser"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/reliability"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/security"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/stats"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/tailer"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/watcher"
)

const healthCheckTimeout = 2 * time.Second

// Deps are optional collaborators. Nil fields are built from the config.
type Deps struct {
	Logger   *logging.Logger
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
	Notifier watcher.Notifier
	Store    counter.Store
}

// Collector owns every component working on one log file
type Collector struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector

	offsets checkpoint.Store
	boltDB  *checkpoint.BoltDB
	store   counter.Store
	table   *stats.Table
	watcher *watcher.Watcher
	flusher *flusher.Flusher
	health  *health.Checker
}

// New builds the collector and opens the log at its stored position. A
// corrupt offset record is returned as an error.
func New(cfg *config.Config, deps Deps) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}

	c := &Collector{
		cfg:     cfg,
		logger:  deps.Logger.WithComponent("collector"),
		metrics: deps.Metrics,
		table: stats.NewTable(stats.Options{
			StatusCodes:  cfg.Stats.HTTPStatus,
			StatusGroups: cfg.Stats.HTTPStatusGroup,
		}),
	}

	p, err := parser.New(parser.Config{
		CacheStatusField: cfg.Parser.CacheStatusField,
		SizeField:        cfg.Parser.SizeField,
		RequestField:     cfg.Parser.RequestField,
		StatusField:      cfg.Parser.StatusField,
		Methods:          cfg.Parser.Methods,
		MaxStatus:        cfg.Parser.MaxStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	if err := c.openOffsets(); err != nil {
		return nil, err
	}

	c.store = deps.Store
	if c.store == nil {
		if c.store, err = newStore(cfg, deps.Logger); err != nil {
			c.closeOffsets()
			return nil, err
		}
	}
	cleanup := func() {
		c.closeOffsets()
		if deps.Store == nil {
			c.store.Close()
		}
	}

	notifier := deps.Notifier
	if notifier == nil {
		if notifier, err = watcher.NewFSNotifier(); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
	}

	c.watcher, err = watcher.New(watcher.Config{
		Path:     cfg.File,
		Store:    c.offsets,
		Notifier: notifier,
		Parser:   p,
		Table:    c.table,
		Tailer: tailer.Options{
			SyncEvery:     cfg.Tail.SyncEvery,
			CopyTruncate:  cfg.Tail.CopyTruncate,
			ReadFromEnd:   cfg.Tail.ReadFromEnd,
			FullLines:     cfg.Tail.FullLines,
			ExtraPatterns: cfg.Tail.RotationPatterns,
		},
		ReopenAttempts: cfg.Tail.ReopenAttempts,
		ReopenBackoff:  cfg.Tail.ReopenBackoff,
		WarnEvery:      cfg.Tail.WarnEvery,
		Logger:         deps.Logger,
		Metrics:        deps.Metrics,
	})
	if err != nil {
		notifier.Close()
		cleanup()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := c.watcher.Open(); err != nil {
		c.watcher.Close()
		cleanup()
		return nil, fmt.Errorf("failed to open %s: %w", cfg.File, err)
	}

	c.flusher = flusher.New(c.table, c.store, flusher.Config{
		Interval: cfg.Flush.Interval,
		Prefix:   cfg.Redis.Prefix,
		Timeout:  cfg.Flush.Timeout,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
		Tracer:   deps.Tracer,
	})

	c.health = health.NewChecker(healthCheckTimeout, deps.Metrics.HealthStatus)
	c.health.Register("watcher", health.CheckFunc(func() (bool, string) {
		if c.watcher.Armed() {
			return true, "watching " + cfg.File
		}
		return false, "waiting for " + cfg.File
	}))
	// An unreachable store loses deltas but does not stop counting
	c.health.Register("store", health.PingCheck(c.store.Ping, true))

	c.logger.Info().
		Str("file", cfg.File).
		Str("store", c.store.Name()).
		Str("offset_backend", cfg.Offset.Backend).
		Str("offset_path", cfg.OffsetPath()).
		Dur("flush_interval", cfg.Flush.Interval).
		Msg("Collector initialized")

	return c, nil
}

func (c *Collector) openOffsets() error {
	path := c.cfg.OffsetPath()
	switch c.cfg.Offset.Backend {
	case "bolt":
		db, err := checkpoint.OpenBolt(path)
		if err != nil {
			return err
		}
		c.boltDB = db
		c.offsets = db.Store(c.cfg.File)
	default:
		store, err := checkpoint.NewFileStore(path)
		if err != nil {
			return fmt.Errorf("failed to create offset store: %w", err)
		}
		c.offsets = store
	}
	return nil
}

func (c *Collector) closeOffsets() error {
	var errs []error
	if c.offsets != nil {
		errs = append(errs, c.offsets.Close())
	}
	if c.boltDB != nil {
		errs = append(errs, c.boltDB.Close())
	}
	return errors.Join(errs...)
}

func newStore(cfg *config.Config, logger *logging.Logger) (counter.Store, error) {
	if cfg.DryRun {
		return counter.NewLogStore(logger), nil
	}

	password, err := security.ResolveSecret(cfg.Redis.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve redis password: %w", err)
	}
	tlsConfig, err := security.LoadTLSConfig(security.TLSConfig{
		Enabled:            cfg.Redis.TLS.Enabled,
		CertFile:           cfg.Redis.TLS.CertFile,
		KeyFile:            cfg.Redis.TLS.KeyFile,
		CAFile:             cfg.Redis.TLS.CAFile,
		ServerName:         cfg.Redis.TLS.ServerName,
		InsecureSkipVerify: cfg.Redis.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load redis TLS config: %w", err)
	}

	store, err := counter.NewRedisStore(counter.RedisConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		DB:           cfg.Redis.DB,
		Password:     password,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		TLSConfig:    tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create counter store: %w", err)
	}
	return store, nil
}

// Run watches the log and flushes the table until ctx is done. It returns
// after the watcher has stopped and the final flush has completed.
func (c *Collector) Run(ctx context.Context) error {
	c.checkStore(ctx)

	// The flusher stops only after the watcher has returned, so the final
	// swap sees every line recorded by an in-flight drain
	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	defer stopFlush()

	var (
		wg       sync.WaitGroup
		watchErr error
		flushErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stopFlush()
		if watchErr = c.watcher.Run(ctx); watchErr != nil {
			c.logger.Error().Err(watchErr).Msg("Watcher stopped")
		}
	}()
	go func() {
		defer wg.Done()
		flushErr = c.flusher.Run(flushCtx)
	}()

	wg.Wait()

	st := c.watcher.Stats()
	c.logger.Info().
		Int64("parsed", st.Parsed).
		Int64("failed", st.Failed).
		Int64("filtered", st.Filtered).
		Msg("Collector stopped")

	return errors.Join(watchErr, flushErr)
}

// checkStore reports an unreachable store at startup. Counting continues
// either way; increments that fail later are dropped.
func (c *Collector) checkStore(ctx context.Context) {
	err := reliability.Retry(ctx, reliability.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
	}, c.store.Ping)
	if err != nil {
		c.logger.Warn().Err(err).Str("store", c.store.Name()).Msg("Counter store unreachable")
	}
}

// Flush publishes the table contents immediately
func (c *Collector) Flush(ctx context.Context) (flusher.Result, error) {
	return c.flusher.Flush(ctx)
}

// Health returns the component health checker
func (c *Collector) Health() *health.Checker {
	return c.health
}

// Metrics returns the metrics collector
func (c *Collector) Metrics() *metrics.Collector {
	return c.metrics
}

// Store returns the counter store; the caller closes it
func (c *Collector) Store() counter.Store {
	return c.store
}

// Close persists the read position and releases the log and offset store.
// Call it after Run has returned.
func (c *Collector) Close() error {
	return errors.Join(c.watcher.Close(), c.closeOffsets())
}
