// Package config handles loading, validating, and writing the medledger
// configuration from ~/.medledger/config.yaml.
//
// The config defines:
//   - Admin server bind address and shutdown grace period
//   - The admin bearer token (overridable via MEDLEDGER_ADMIN_TOKEN)
//   - Audit store backend, location and append retry bound
//   - Document vault directory and keyring file
//   - Log level and format
//
// Relative paths are resolved against the home directory by Resolve.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdminTokenEnv overrides admin.token so the secret can stay out of the
// config file.
const AdminTokenEnv = "MEDLEDGER_ADMIN_TOKEN"

// Config is the top-level medledger configuration.
// Loaded from ~/.medledger/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Admin  AdminConfig  `yaml:"admin"`
	Audit  AuditConfig  `yaml:"audit"`
	Vault  VaultConfig  `yaml:"vault"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig defines where the admin server listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMs int    `yaml:"shutdownTimeoutMs"`
	TrustProxy        bool   `yaml:"trustProxy"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig holds the bearer token guarding /admin and /vault routes.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// AuditConfig selects and tunes the audit store.
type AuditConfig struct {
	Store             string `yaml:"store"` // "sqlite" or "memory"
	Path              string `yaml:"path"`
	MaxAppendAttempts int    `yaml:"maxAppendAttempts"`
	AppendBackoffMs   int    `yaml:"appendBackoffMs"`
	QueueSize         int    `yaml:"queueSize"`
}

// VaultConfig locates encrypted documents and the keyring.
type VaultConfig struct {
	Dir            string `yaml:"dir"`
	Keyring        string `yaml:"keyring"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
}

// LogConfig controls the slog handler installed by `medledger serve`.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultHome returns ~/.medledger.
func DefaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".medledger"), nil
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if tok := os.Getenv(AdminTokenEnv); tok != "" {
		cfg.Admin.Token = tok
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Resolve makes every relative path in cfg absolute under home.
func (c *Config) Resolve(home string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(home, p)
	}
	c.Audit.Path = abs(c.Audit.Path)
	c.Vault.Dir = abs(c.Vault.Dir)
	c.Vault.Keyring = abs(c.Vault.Keyring)
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. The admin token is left empty; set it here or via
// MEDLEDGER_ADMIN_TOKEN.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# medledger configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#   shutdownTimeoutMs: Grace period for in-flight requests and the audit queue
#   trustProxy: Record the client address from X-Forwarded-For / X-Real-IP.
#     Enable only behind a reverse proxy that sets these headers (default false)
#
# admin:
#   token: Bearer token for /admin and /vault (or set MEDLEDGER_ADMIN_TOKEN)
#
# audit:
#   store: sqlite (durable) or memory (lost on restart)
#   path: SQLite database, relative to the medledger home
#   maxAppendAttempts: Tries when another writer advances the chain (default 8)
#   appendBackoffMs: Base wait between tries, doubling up to 500ms (default 10).
#     The defaults give a writer about 1.2s to get its event in while
#     another process (e.g. 'medledger audit record') is appending.
#   queueSize: Capacity of the background audit queue
#
# vault:
#   dir: Encrypted documents, relative to the medledger home
#   keyring: Versioned key registry (mode 0600)
#   maxUploadBytes: Upload size limit (0 = unlimited)
#
# log:
#   level: debug, info, warn or error
#   format: text or json

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              3200,
			ShutdownTimeoutMs: 10000,
		},
		Audit: AuditConfig{
			Store:             "sqlite",
			Path:              filepath.Join("audit", "audit.db"),
			MaxAppendAttempts: 8,
			AppendBackoffMs:   10,
			QueueSize:         1024,
		},
		Vault: VaultConfig{
			Dir:            filepath.Join("vault", "documents"),
			Keyring:        "keyring.yaml",
			MaxUploadBytes: 100 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeoutMs < 0 {
		return fmt.Errorf("server.shutdownTimeoutMs must be non-negative")
	}

	switch cfg.Audit.Store {
	case "sqlite":
		if cfg.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("audit.store %q must be sqlite or memory", cfg.Audit.Store)
	}
	if cfg.Audit.MaxAppendAttempts < 1 {
		return fmt.Errorf("audit.maxAppendAttempts must be at least 1")
	}
	if cfg.Audit.AppendBackoffMs < 1 {
		return fmt.Errorf("audit.appendBackoffMs must be at least 1")
	}
	if cfg.Audit.QueueSize < 1 {
		return fmt.Errorf("audit.queueSize must be at least 1")
	}

	if cfg.Vault.Dir == "" || cfg.Vault.Keyring == "" {
		return fmt.Errorf("vault.dir and vault.keyring are required")
	}
	if cfg.Vault.MaxUploadBytes < 0 {
		return fmt.Errorf("vault.maxUploadBytes must be non-negative")
	}

	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if f := cfg.Log.Format; f != "text" && f != "json" {
		return fmt.Errorf("log.format %q must be text or json", f)
	}

	return nil
}

// Handler builds the slog handler described by the log section.
func (l LogConfig) Handler(w io.Writer) slog.Handler {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return level, nil
}
