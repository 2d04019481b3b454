// Package main is the CLI entry point for medledger, the tamper-evident
// audit trail and encrypted document vault of the clinic platform.
//
// Every privileged action taken on patient data is appended to a
// hash-chained audit log; documents are stored encrypted at rest under a
// versioned keyring.
//
// Layout of the medledger home (default ~/.medledger):
//
//	config.yaml          server, audit, vault and log settings
//	keyring.yaml         versioned key registry (0600)
//	audit/audit.db       SQLite audit store
//	vault/documents/     <uuid>.enc encrypted documents
//
// CLI commands (cobra):
//
//	medledger serve                   - Run the admin and vault HTTP server
//	medledger audit record            - Append an event to the chain
//	medledger audit tail [-f]         - Show (and follow) the newest events
//	medledger audit query             - Filter and page through events
//	medledger audit verify            - Replay the hash chain
//	medledger audit export            - Export as jsonl, json or csv
//	medledger audit stats             - Per-action counts and top actors
//	medledger vault encrypt|decrypt   - Encrypt or decrypt a file
//	medledger vault inspect           - Show a file's key version
//	medledger keys init|rotate|retire|list
//	medledger config show|init
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/keys"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// homeDir is the global --home flag.
var homeDir string

var rootCmd = &cobra.Command{
	Use:   "medledger",
	Short: "medledger: tamper-evident audit trail and encrypted document vault",
	Long: `medledger records every privileged action on patient data in a
hash-chained, append-only audit log and keeps clinical documents encrypted
at rest with AES-256-GCM under a versioned, rotatable keyring.

Run 'medledger config init' and 'medledger keys init' once, then
'medledger serve' to start the admin server.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", defaultHome(), "Path to the medledger home directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(configCmd)
}

func defaultHome() string {
	home, err := config.DefaultHome()
	if err != nil {
		return ".medledger"
	}
	return home
}

// loadConfig reads config.yaml from the home directory and resolves its
// relative paths against it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(homeDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Resolve(homeDir)
	return cfg, nil
}

// openAuditStore opens the configured audit store.
func openAuditStore(cfg *config.Config) (audit.Store, error) {
	store, err := audit.OpenStore(cfg.Audit.Store, cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	return store, nil
}

// chainOptions applies the configured retry bound. The CLI and the server
// share it so both sides of a cross-process race back off alike.
func chainOptions(cfg *config.Config) audit.Options {
	return audit.Options{
		MaxAttempts: cfg.Audit.MaxAppendAttempts,
		Backoff:     time.Duration(cfg.Audit.AppendBackoffMs) * time.Millisecond,
	}
}

func openKeyring(cfg *config.Config) (*keys.Keyring, error) {
	kr, err := keys.Open(cfg.Vault.Keyring)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return kr, nil
}
