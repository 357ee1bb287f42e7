package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/collector"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/config"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/metrics"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/profiling"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/server"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var version = "0.1.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cachestat [flags] LOGFILE",
		Short: "Count cache statuses from an access log into Redis",
		Long: `cachestat follows an access log, surviving rotation, and counts
requests and bytes per cache status. Every flush interval the counts are
added to Redis hashes with HINCRBY:

  <prefix><cache status> count <requests>
  <prefix><cache status> size  <bytes>

Lines without a cache status are counted under "none". The read position
is kept in an offset file so restarts continue where they stopped.`,
		Example: `  # Nginx combined log with the cache status as the 14th field
  cachestat /var/log/nginx/access.log

  # Only GET requests, with per-status counters, to a remote Redis
  cachestat --method GET --http-status --redis-host redis.internal /var/log/nginx/access.log

  # Print increments instead of sending them
  cachestat --dry-run --log-format console /var/log/nginx/access.log`,
		Args:          cobra.MaximumNArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	instanceID := uuid.NewString()
	logger.Info().
		Str("version", version).
		Str("instance_id", instanceID).
		Str("file", cfg.File).
		Msg("Starting cachestat")

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		InstanceID: instanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	profiler := profiling.New(profiling.Config{
		Enabled:        cfg.Profiling.Enabled,
		CPUProfilePath: cfg.Profiling.CPUProfilePath,
		MemProfilePath: cfg.Profiling.MemProfilePath,
		BlockProfile:   cfg.Profiling.BlockProfile,
		MutexProfile:   cfg.Profiling.MutexProfile,
	}, logger)
	if err := profiler.Start(); err != nil {
		tp.Shutdown(ctx)
		return err
	}

	mc := metrics.NewCollector()
	c, err := collector.New(cfg, collector.Deps{
		Logger:  logger,
		Metrics: mc,
		Tracer:  tp.Tracer(),
	})
	if err != nil {
		profiler.Stop()
		tp.Shutdown(ctx)
		return err
	}

	srv := server.New(server.Config{
		MetricsAddress:  cfg.Metrics.Address,
		MetricsPath:     cfg.Metrics.Path,
		HealthAddress:   cfg.Health.Address,
		MetricsRegistry: mc.Registry(),
		HealthChecker:   c.Health(),
		Logger:          logger,
		Profiling:       cfg.Profiling.Enabled,
	})
	if err := srv.Start(); err != nil {
		c.Close()
		c.Store().Close()
		profiler.Stop()
		tp.Shutdown(ctx)
		return err
	}

	mgr := shutdown.New(shutdown.Config{Timeout: shutdownTimeout, Logger: logger})
	mgr.RegisterFunc("collector", func(context.Context) error { return c.Close() })
	mgr.RegisterFunc("counter store", func(context.Context) error { return c.Store().Close() })
	mgr.RegisterFunc("server", srv.Stop)
	mgr.RegisterFunc("tracing", tp.Shutdown)
	mgr.RegisterFunc("profiling", func(context.Context) error { return profiler.Stop() })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if mgr.WaitForSignal(ctx, syscall.SIGINT, syscall.SIGTERM) {
			cancel()
		}
	}()

	runErr := c.Run(ctx)
	cancel()
	return errors.Join(runErr, mgr.Shutdown())
}

// rootOptions holds flag values. Only flags set on the command line
// override the configuration file.
type rootOptions struct {
	configFile string

	cacheStatusField int
	sizeField        int
	requestField     int
	statusField      int
	methods          []string
	maxStatus        int
	httpStatus       bool
	httpStatusGroup  bool

	redisHost     string
	redisPort     int
	redisDB       int
	redisPrefix   string
	redisPassword string

	logLevel  string
	logFile   string
	logFormat string

	offsetFile    string
	offsetBackend string
	flushInterval time.Duration
	syncEvery     int
	copyTruncate  bool
	readFromEnd   bool
	fullLines     bool

	metricsAddress string
	healthAddress  string
	profiling      bool
	dryRun         bool
}

func (o *rootOptions) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.configFile, "config", "", "YAML configuration file")

	f.IntVar(&o.cacheStatusField, "cache-status-field", config.DefaultCacheStatusField, "1-based field holding the cache status")
	f.IntVar(&o.sizeField, "size-field", config.DefaultSizeField, "1-based field holding the response size")
	f.IntVar(&o.requestField, "request-field", config.DefaultRequestField, "1-based field holding the request line")
	f.IntVar(&o.statusField, "status-field", config.DefaultStatusField, "1-based field holding the HTTP status")
	f.StringArrayVar(&o.methods, "method", nil, "only count requests with this method (repeatable)")
	f.IntVar(&o.maxStatus, "max-status", 0, "ignore lines with a status above this")
	f.BoolVar(&o.httpStatus, "http-status", false, "also count each HTTP status code")
	f.BoolVar(&o.httpStatusGroup, "http-status-group", false, "also count HTTP status classes (2xx, 3xx, ...)")

	f.StringVar(&o.redisHost, "redis-host", config.DefaultRedisHost, "Redis host")
	f.IntVar(&o.redisPort, "redis-port", config.DefaultRedisPort, "Redis port")
	f.IntVar(&o.redisDB, "redis-db", 0, "Redis database")
	f.StringVar(&o.redisPrefix, "redis-prefix", config.DefaultRedisPrefix, "prefix for Redis keys")
	f.StringVar(&o.redisPassword, "redis-password", "", "Redis password (literal, env:NAME or file:/path)")

	f.StringVar(&o.logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&o.logFile, "log-file", "", "also write diagnostics to this file")
	f.StringVar(&o.logFormat, "log-format", config.DefaultLogFormat, "log format (json, console)")

	f.StringVar(&o.offsetFile, "offset-file", "", "offset file (default LOGFILE.offset)")
	f.StringVar(&o.offsetBackend, "offset-backend", config.DefaultOffsetBackend, "offset storage (file, bolt)")
	f.DurationVar(&o.flushInterval, "flush-interval", config.DefaultFlushInterval, "how often counts are sent to Redis")
	f.IntVar(&o.syncEvery, "sync-every", 0, "save the offset every N lines; 0 saves when caught up")
	f.BoolVar(&o.copyTruncate, "copytruncate", true, "follow copytruncate rotations")
	f.BoolVar(&o.readFromEnd, "read-from-end", false, "start at the end of the file when no offset is stored")
	f.BoolVar(&o.fullLines, "full-lines", true, "wait for a trailing newline before counting the last line")

	f.StringVar(&o.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	f.StringVar(&o.healthAddress, "health-address", "", "serve health checks on this address")
	f.BoolVar(&o.profiling, "profiling", false, "serve pprof on the metrics address")
	f.BoolVar(&o.dryRun, "dry-run", false, "log increments instead of sending them to Redis")
}

// config loads the configuration file, if any, applies the flags that were
// set and the positional log file, and validates the result
func (o *rootOptions) config(f *pflag.FlagSet, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}

	set("cache-status-field", func() { cfg.Parser.CacheStatusField = o.cacheStatusField })
	set("size-field", func() { cfg.Parser.SizeField = o.sizeField })
	set("request-field", func() { cfg.Parser.RequestField = o.requestField })
	set("status-field", func() { cfg.Parser.StatusField = o.statusField })
	set("method", func() { cfg.Parser.Methods = o.methods })
	set("max-status", func() { cfg.Parser.MaxStatus = o.maxStatus })
	set("http-status", func() { cfg.Stats.HTTPStatus = o.httpStatus })
	set("http-status-group", func() { cfg.Stats.HTTPStatusGroup = o.httpStatusGroup })

	set("redis-host", func() { cfg.Redis.Host = o.redisHost })
	set("redis-port", func() { cfg.Redis.Port = o.redisPort })
	set("redis-db", func() { cfg.Redis.DB = o.redisDB })
	set("redis-prefix", func() { cfg.Redis.Prefix = o.redisPrefix })
	set("redis-password", func() { cfg.Redis.Password = o.redisPassword })

	set("log-level", func() { cfg.Logging.Level = o.logLevel })
	set("log-file", func() { cfg.Logging.File = o.logFile })
	set("log-format", func() { cfg.Logging.Format = o.logFormat })

	set("offset-file", func() { cfg.Offset.Path = o.offsetFile })
	set("offset-backend", func() { cfg.Offset.Backend = o.offsetBackend })
	set("flush-interval", func() { cfg.Flush.Interval = o.flushInterval })
	set("sync-every", func() { cfg.Tail.SyncEvery = o.syncEvery })
	set("copytruncate", func() { cfg.Tail.CopyTruncate = o.copyTruncate })
	set("read-from-end", func() { cfg.Tail.ReadFromEnd = o.readFromEnd })
	set("full-lines", func() { cfg.Tail.FullLines = o.fullLines })

	set("metrics-address", func() { cfg.Metrics.Address = o.metricsAddress })
	set("health-address", func() { cfg.Health.Address = o.healthAddress })
	set("profiling", func() { cfg.Profiling.Enabled = o.profiling })
	set("dry-run", func() { cfg.DryRun = o.dryRun })

	if len(args) > 0 {
		cfg.File = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
