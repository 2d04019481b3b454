package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	t.Setenv(AdminTokenEnv, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Audit.Store != "sqlite" {
		t.Errorf("default store: expected sqlite, got %q", cfg.Audit.Store)
	}
	if cfg.Audit.MaxAppendAttempts != 8 {
		t.Errorf("default append attempts: expected 8, got %d", cfg.Audit.MaxAppendAttempts)
	}
	if cfg.Audit.AppendBackoffMs != 10 {
		t.Errorf("default append backoff: expected 10, got %d", cfg.Audit.AppendBackoffMs)
	}
	if cfg.Vault.Keyring != "keyring.yaml" {
		t.Errorf("default keyring: expected keyring.yaml, got %q", cfg.Vault.Keyring)
	}
	if cfg.Admin.Token != "" {
		t.Error("default admin token must be empty")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv(AdminTokenEnv, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
admin:
  token: "file-token"
audit:
  store: memory
  maxAppendAttempts: 9
vault:
  dir: /srv/vault
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: expected 0.0.0.0:9090, got %q", cfg.Server.Addr())
	}
	if cfg.Admin.Token != "file-token" {
		t.Errorf("token: expected file-token, got %q", cfg.Admin.Token)
	}
	if cfg.Audit.Store != "memory" || cfg.Audit.MaxAppendAttempts != 9 {
		t.Errorf("audit: got %+v", cfg.Audit)
	}
	if cfg.Vault.Dir != "/srv/vault" {
		t.Errorf("vault dir: expected /srv/vault, got %q", cfg.Vault.Dir)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format: expected json, got %q", cfg.Log.Format)
	}
}

func TestLoad_EnvTokenOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("admin:\n  token: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(AdminTokenEnv, "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Token != "from-env" {
		t.Errorf("token: expected from-env, got %q", cfg.Admin.Token)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Audit.QueueSize != 1024 {
		t.Errorf("queue size should be default 1024, got %d", cfg.Audit.QueueSize)
	}
}

func TestResolve(t *testing.T) {
	cfg := applyDefaults()
	cfg.Vault.Dir = "/abs/vault"
	cfg.Resolve("/home/ops/.medledger")

	if cfg.Audit.Path != "/home/ops/.medledger/audit/audit.db" {
		t.Errorf("audit path: got %q", cfg.Audit.Path)
	}
	if cfg.Vault.Keyring != "/home/ops/.medledger/keyring.yaml" {
		t.Errorf("keyring path: got %q", cfg.Vault.Keyring)
	}
	if cfg.Vault.Dir != "/abs/vault" {
		t.Errorf("absolute path must be kept, got %q", cfg.Vault.Dir)
	}
}

func TestValidate(t *testing.T) {
	mod := func(fn func(c *Config)) Config {
		c := applyDefaults()
		fn(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *applyDefaults(), false},
		{"memory store without path", mod(func(c *Config) { c.Audit.Store = "memory"; c.Audit.Path = "" }), false},
		{"empty host", mod(func(c *Config) { c.Server.Host = "" }), true},
		{"port 0", mod(func(c *Config) { c.Server.Port = 0 }), true},
		{"port 65536", mod(func(c *Config) { c.Server.Port = 65536 }), true},
		{"negative shutdown", mod(func(c *Config) { c.Server.ShutdownTimeoutMs = -1 }), true},
		{"unknown store", mod(func(c *Config) { c.Audit.Store = "postgres" }), true},
		{"sqlite without path", mod(func(c *Config) { c.Audit.Path = "" }), true},
		{"zero attempts", mod(func(c *Config) { c.Audit.MaxAppendAttempts = 0 }), true},
		{"zero backoff", mod(func(c *Config) { c.Audit.AppendBackoffMs = 0 }), true},
		{"zero queue", mod(func(c *Config) { c.Audit.QueueSize = 0 }), true},
		{"no keyring", mod(func(c *Config) { c.Vault.Keyring = "" }), true},
		{"negative upload limit", mod(func(c *Config) { c.Vault.MaxUploadBytes = -1 }), true},
		{"bad level", mod(func(c *Config) { c.Log.Level = "verbose" }), true},
		{"bad format", mod(func(c *Config) { c.Log.Format = "xml" }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	t.Setenv(AdminTokenEnv, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode: expected 0600, got %o", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Vault.MaxUploadBytes != 100<<20 {
		t.Errorf("roundtrip upload limit: got %d", cfg.Vault.MaxUploadBytes)
	}
}

func TestLogConfig_Handler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(LogConfig{Level: "warn", Format: "json"}.Handler(&buf))

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected json output, got %q", out)
	}
}

func TestWatcher_FiresOnKeyringReplace(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 8)

	w, err := NewWatcher(dir, WatchTargets{
		Keyring:         "keyring.yaml",
		OnKeyringChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Unrelated files do not fire.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Replace by rename, the way the keyring is saved.
	tmp := filepath.Join(dir, ".pending-keyring.yaml-123")
	if err := os.WriteFile(tmp, []byte("current: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "keyring.yaml")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("keyring change callback did not fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
