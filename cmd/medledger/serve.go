package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medledger/medledger/internal/admin"
	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/vault"
)

// ============================================================================
// medledger serve: admin and vault HTTP server
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin and vault HTTP server",
	Long: `Run the admin server. It serves audit listing, verification, export
and stats, key rotation, and encrypted document upload and download, all
behind the admin bearer token (admin.token or MEDLEDGER_ADMIN_TOKEN).

Every request is itself recorded in the audit chain.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config and install the slog handler
//  2. Open the audit store, chain, background recorder and live feed
//  3. Open the keyring and watch it for rotations made by the CLI
//  4. Serve until SIGINT/SIGTERM, then drain requests and the audit queue
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(cfg.Log.Handler(os.Stderr)))

	if cfg.Admin.Token == "" {
		return fmt.Errorf("admin token not set: set admin.token in config.yaml or %s", config.AdminTokenEnv)
	}
	if err := os.MkdirAll(cfg.Vault.Dir, 0o700); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}

	// --- Audit ---
	store, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	feed := admin.NewFeed()
	opts := chainOptions(cfg)
	opts.OnAppend = feed.Publish
	chain := audit.NewChain(store, opts)
	recorder := audit.NewRecorder(chain, cfg.Audit.QueueSize)

	// --- Keys ---
	kr, err := openKeyring(cfg)
	if err != nil {
		return err
	}
	if _, _, err := kr.CurrentKey(); err != nil {
		slog.Warn("no active encryption key, uploads will be refused until 'medledger keys init'", "keyring", kr.Path())
	}

	keyringDir := filepath.Dir(kr.Path())
	if err := os.MkdirAll(keyringDir, 0o700); err != nil {
		return fmt.Errorf("creating keyring directory: %w", err)
	}
	watcher, err := config.NewWatcher(keyringDir, config.WatchTargets{
		Keyring: filepath.Base(kr.Path()),
		OnKeyringChange: func() {
			if err := kr.Reload(); err != nil {
				slog.Error("keyring reload failed, keeping previous keys", "error", err)
				return
			}
			slog.Info("keyring reloaded", "versions", len(kr.List()))
		},
	})
	if err != nil {
		return fmt.Errorf("starting keyring watcher: %w", err)
	}
	defer watcher.Close()

	srv := admin.New(admin.Options{
		Token:          cfg.Admin.Token,
		Store:          store,
		Recorder:       recorder,
		Keys:           kr,
		Cipher:         vault.New(kr),
		VaultDir:       cfg.Vault.Dir,
		MaxUploadBytes: cfg.Vault.MaxUploadBytes,
		Feed:           feed,
		TrustProxy:     cfg.Server.TrustProxy,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	recordLifecycle(chain, "SERVICE_START")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("admin server listening", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		timeout := time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown incomplete", "error", err)
		}
		if err := recorder.Close(shutdownCtx); err != nil {
			slog.Error("audit queue not fully drained", "error", err, "failed", recorder.Failed())
		}
		return nil
	})

	err = g.Wait()
	recordLifecycle(chain, "SERVICE_STOP")
	return err
}

// recordLifecycle writes a start or stop marker straight into the chain.
func recordLifecycle(chain *audit.Chain, action string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := chain.Record(ctx, audit.Input{
		ActorID:      "system",
		ActorRole:    "system",
		Action:       action,
		ResourceType: "service",
		ResourceID:   version,
		OutcomeCode:  http.StatusOK,
	})
	if err != nil {
		slog.Error("recording lifecycle event failed", "action", action, "error", err)
	}
}
