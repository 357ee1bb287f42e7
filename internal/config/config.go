package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/checkpoint"
)

// Config represents the main configuration
type Config struct {
	// File is the access log to follow
	File string `yaml:"file"`

	Parser  ParserConfig  `yaml:"parser"`
	Stats   StatsConfig   `yaml:"stats"`
	Tail    TailConfig    `yaml:"tail"`
	Offset  OffsetConfig  `yaml:"offset"`
	Redis   RedisConfig   `yaml:"redis"`
	Flush   FlushConfig   `yaml:"flush"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Tracing TracingConfig `yaml:"tracing"`

	Profiling ProfilingConfig `yaml:"profiling"`

	// DryRun logs increments instead of sending them to Redis
	DryRun bool `yaml:"dry_run"`
}

// ParserConfig holds 1-based field positions and line filters
type ParserConfig struct {
	CacheStatusField int      `yaml:"cache_status_field"`
	SizeField        int      `yaml:"size_field"`
	RequestField     int      `yaml:"request_field"`
	StatusField      int      `yaml:"status_field"`
	Methods          []string `yaml:"methods,omitempty"`
	MaxStatus        int      `yaml:"max_status,omitempty"`
}

// StatsConfig enables the auxiliary HTTP status counters
type StatsConfig struct {
	HTTPStatus      bool `yaml:"http_status"`
	HTTPStatusGroup bool `yaml:"http_status_group"`
}

// TailConfig controls how the log is read and how rotation is followed
type TailConfig struct {
	SyncEvery        int           `yaml:"sync_every"`
	CopyTruncate     bool          `yaml:"copytruncate"`
	ReadFromEnd      bool          `yaml:"read_from_end"`
	FullLines        bool          `yaml:"full_lines"`
	RotationPatterns []string      `yaml:"rotation_patterns,omitempty"`
	ReopenAttempts   int           `yaml:"reopen_attempts"`
	ReopenBackoff    time.Duration `yaml:"reopen_backoff"`
	WarnEvery        time.Duration `yaml:"warn_every"`
}

// OffsetConfig selects where read positions are persisted
type OffsetConfig struct {
	Backend string `yaml:"backend"` // file, bolt
	Path    string `yaml:"path,omitempty"`
}

// RedisConfig holds counter store connection settings
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DB           int           `yaml:"db"`
	// Password may be a literal, env:NAME or file:/path
	Password     string        `yaml:"password,omitempty"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

// TLSConfig holds client TLS settings for Redis
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// FlushConfig controls the publish cadence
type FlushConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds the health endpoint settings
type HealthConfig struct {
	Address string `yaml:"address,omitempty"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate"`
}

// ProfilingConfig enables pprof on the metrics endpoint and file profiles
type ProfilingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CPUProfilePath string `yaml:"cpu_profile,omitempty"`
	MemProfilePath string `yaml:"mem_profile,omitempty"`
	BlockProfile   bool   `yaml:"block_profile"`
	MutexProfile   bool   `yaml:"mutex_profile"`
}

// Default values
const (
	DefaultCacheStatusField = 14
	DefaultSizeField        = 7
	DefaultRequestField     = 5
	DefaultStatusField      = 6
	DefaultRedisHost        = "localhost"
	DefaultRedisPort        = 6379
	DefaultRedisPrefix      = "cachestat:"
	DefaultRedisTimeout     = 3 * time.Second
	DefaultFlushInterval    = 60 * time.Second
	DefaultFlushTimeout     = 10 * time.Second
	DefaultReopenAttempts   = 10
	DefaultReopenBackoff    = time.Second
	DefaultWarnEvery        = time.Second
	DefaultOffsetBackend    = "file"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
)

// Load reads a YAML file, expanding ${VAR} references, on top of the
// defaults. Call Validate once command line overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills values left at zero
func (c *Config) applyDefaults() {
	if c.Parser.CacheStatusField == 0 {
		c.Parser.CacheStatusField = DefaultCacheStatusField
	}
	if c.Parser.SizeField == 0 {
		c.Parser.SizeField = DefaultSizeField
	}
	if c.Parser.RequestField == 0 {
		c.Parser.RequestField = DefaultRequestField
	}
	if c.Parser.StatusField == 0 {
		c.Parser.StatusField = DefaultStatusField
	}
	if c.Tail.ReopenAttempts == 0 {
		c.Tail.ReopenAttempts = DefaultReopenAttempts
	}
	if c.Tail.ReopenBackoff == 0 {
		c.Tail.ReopenBackoff = DefaultReopenBackoff
	}
	if c.Offset.Backend == "" {
		c.Offset.Backend = DefaultOffsetBackend
	}
	if c.Redis.Host == "" {
		c.Redis.Host = DefaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = DefaultRedisTimeout
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = DefaultRedisTimeout
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = DefaultRedisTimeout
	}
	if c.Flush.Interval == 0 {
		c.Flush.Interval = DefaultFlushInterval
	}
	if c.Flush.Timeout == 0 {
		c.Flush.Timeout = DefaultFlushTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("log file is required")
	}

	fields := []struct {
		name  string
		value int
	}{
		{"cache_status_field", c.Parser.CacheStatusField},
		{"size_field", c.Parser.SizeField},
		{"request_field", c.Parser.RequestField},
		{"status_field", c.Parser.StatusField},
	}
	for _, f := range fields {
		if f.value < 1 {
			return fmt.Errorf("parser.%s must be 1 or greater, got %d", f.name, f.value)
		}
	}
	if c.Parser.MaxStatus < 0 {
		return fmt.Errorf("parser.max_status must not be negative")
	}

	if c.Tail.SyncEvery < 0 {
		return fmt.Errorf("tail.sync_every must not be negative")
	}
	if c.Tail.ReopenAttempts < 1 {
		return fmt.Errorf("tail.reopen_attempts must be 1 or greater")
	}

	switch c.Offset.Backend {
	case "file", "bolt":
	default:
		return fmt.Errorf("invalid offset backend: %s", c.Offset.Backend)
	}

	if !c.DryRun {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required")
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("invalid redis db: %d", c.Redis.DB)
		}
	}

	if c.Flush.Interval <= 0 {
		return fmt.Errorf("flush.interval must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// OffsetPath returns the configured offset location or the default for the
// selected backend
func (c *Config) OffsetPath() string {
	if c.Offset.Path != "" {
		return c.Offset.Path
	}
	if c.Offset.Backend == "bolt" {
		return c.File + ".offset.db"
	}
	return checkpoint.DefaultPath(c.File)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Tail: TailConfig{
			CopyTruncate: true,
			FullLines:    true,
			WarnEvery:    DefaultWarnEvery,
		},
		Redis: RedisConfig{
			Prefix: DefaultRedisPrefix,
		},
	}
	cfg.applyDefaults()
	return cfg
}
