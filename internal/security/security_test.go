package security

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSecret(t *testing.T) {
	t.Setenv("CACHESTAT_TEST_SECRET", "from-env")

	secretFile := filepath.Join(t.TempDir(), "redis.pass")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to create secret file: %v", err)
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"plain", "hunter2", "hunter2", false},
		{"empty", "", "", false},
		{"env", "env:CACHESTAT_TEST_SECRET", "from-env", false},
		{"missing env", "env:CACHESTAT_TEST_UNSET", "", true},
		{"file", "file:" + secretFile, "from-file", false},
		{"missing file", "file:" + filepath.Join(t.TempDir(), "nope"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSecret(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveSecret() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	cfg, err := LoadTLSConfig(TLSConfig{})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg != nil {
		t.Error("Expected nil config when disabled")
	}
}

func TestLoadTLSConfigDefaults(t *testing.T) {
	cfg, err := LoadTLSConfig(TLSConfig{Enabled: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.ServerName != "redis.internal" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(badCA, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("Failed to write CA file: %v", err)
	}

	tests := []struct {
		name string
		cfg  TLSConfig
	}{
		{"cert without key", TLSConfig{Enabled: true, CertFile: "client.pem"}},
		{"missing key pair", TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "k.pem")}},
		{"missing CA", TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}},
		{"invalid CA", TLSConfig{Enabled: true, CAFile: badCA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTLSConfig(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
