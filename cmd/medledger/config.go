package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/medledger/medledger/internal/config"
)

// ============================================================================
// medledger config: configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and create the medledger configuration",
	Long: `The config file lives at <home>/config.yaml and defines the admin server
address, audit store, vault locations and logging. The admin token may be
supplied through MEDLEDGER_ADMIN_TOKEN instead of the file.`,
}

var configInitForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}

// configShowCmd prints the effective configuration with paths resolved and
// the admin token redacted.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Admin.Token != "" {
			cfg.Admin.Token = "<redacted>"
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(homeDir, "config.yaml")
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[medledger] Wrote %s\n", path)
		return nil
	},
}
