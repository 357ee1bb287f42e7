package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func parseOptions(t *testing.T, args ...string) (*rootOptions, *pflag.FlagSet) {
	t.Helper()
	opts := &rootOptions{}
	fs := pflag.NewFlagSet("cachestat", pflag.ContinueOnError)
	opts.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}
	return opts, fs
}

func TestConfigFromFlags(t *testing.T) {
	opts, fs := parseOptions(t,
		"--cache-status-field", "4",
		"--method", "GET",
		"--method", "HEAD",
		"--redis-port", "6380",
		"--copytruncate=false",
		"--flush-interval", "5s",
		"/var/log/access.log",
	)

	cfg, err := opts.config(fs, fs.Args())
	if err != nil {
		t.Fatalf("config() error = %v", err)
	}

	if cfg.File != "/var/log/access.log" {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.Parser.CacheStatusField != 4 {
		t.Errorf("CacheStatusField = %d, want 4", cfg.Parser.CacheStatusField)
	}
	if cfg.Parser.SizeField != 7 {
		t.Errorf("SizeField = %d, want default 7", cfg.Parser.SizeField)
	}
	if len(cfg.Parser.Methods) != 2 || cfg.Parser.Methods[1] != "HEAD" {
		t.Errorf("Methods = %v", cfg.Parser.Methods)
	}
	if cfg.Redis.Port != 6380 {
		t.Errorf("Redis.Port = %d, want 6380", cfg.Redis.Port)
	}
	if cfg.Tail.CopyTruncate {
		t.Error("Expected copytruncate to be disabled")
	}
	if cfg.Flush.Interval != 5*time.Second {
		t.Errorf("Flush.Interval = %v, want 5s", cfg.Flush.Interval)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "cachestat.yaml")
	content := `
file: /var/log/from-config.log
redis:
  host: redis.internal
  port: 6390
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	opts, fs := parseOptions(t, "--config", configPath, "--redis-port", "6400")
	cfg, err := opts.config(fs, fs.Args())
	if err != nil {
		t.Fatalf("config() error = %v", err)
	}

	if cfg.File != "/var/log/from-config.log" {
		t.Errorf("File = %q, want value from config file", cfg.File)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Errorf("Redis.Host = %q, want value from config file", cfg.Redis.Host)
	}
	if cfg.Redis.Port != 6400 {
		t.Errorf("Redis.Port = %d, want flag value 6400", cfg.Redis.Port)
	}
	// Unset flags keep the file value, not the flag default
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestConfigRequiresLogFile(t *testing.T) {
	opts, fs := parseOptions(t, "--dry-run")
	if _, err := opts.config(fs, fs.Args()); err == nil {
		t.Error("Expected error without a log file")
	}
}

func TestConfigRejectsBadFlags(t *testing.T) {
	opts, fs := parseOptions(t, "--size-field", "0", "/var/log/access.log")
	if _, err := opts.config(fs, fs.Args()); err == nil {
		t.Error("Expected error for size field 0")
	}
}

func TestRootCmdArgs(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.Args(cmd, []string{"a.log", "b.log"}); err == nil {
		t.Error("Expected error for two log files")
	}
	if err := cmd.Args(cmd, []string{"a.log"}); err != nil {
		t.Errorf("Args() error = %v", err)
	}
}
