package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/keys"
)

// ============================================================================
// medledger keys: manage the vault keyring
// ============================================================================

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the vault keyring",
	Long: `The keyring (keyring.yaml, mode 0600) holds every key version the vault
has used. New files are encrypted under the current version; older versions
stay available for decryption. A running server picks up changes made here
without a restart.`,
}

// keysPassphraseEnv selects argon2id derivation from a passphrase held in an
// environment variable instead of a random secret.
var keysPassphraseEnv string

func init() {
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysRetireCmd)
	keysCmd.AddCommand(keysListCmd)

	for _, c := range []*cobra.Command{keysInitCmd, keysRotateCmd} {
		c.Flags().StringVar(&keysPassphraseEnv, "passphrase-env", "",
			"Derive the key with argon2id from the passphrase in this environment variable")
	}
}

func cliKeyring() (*keys.Keyring, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openKeyring(cfg)
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the keyring with its first key version",
	RunE: func(cmd *cobra.Command, args []string) error {
		kr, err := cliKeyring()
		if err != nil {
			return err
		}
		if len(kr.List()) > 0 {
			return fmt.Errorf("keyring %s already initialized; use 'medledger keys rotate'", kr.Path())
		}
		v, err := kr.Rotate(keys.RotateOptions{PassphraseEnv: keysPassphraseEnv})
		if err != nil {
			return fmt.Errorf("initializing keyring: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[medledger] Keyring created at %s (current version %d)\n", kr.Path(), v)
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Add a new key version and make it current",
	RunE: func(cmd *cobra.Command, args []string) error {
		kr, err := cliKeyring()
		if err != nil {
			return err
		}
		v, err := kr.Rotate(keys.RotateOptions{PassphraseEnv: keysPassphraseEnv})
		if err != nil {
			return fmt.Errorf("rotating key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[medledger] Rotated: current key version is now %d\n", v)
		return nil
	},
}

var keysRetireCmd = &cobra.Command{
	Use:   "retire <version>",
	Short: "Stop encrypting under a key version",
	Long: `Retire a key version. It is no longer used for new files but still
decrypts existing ones. Retiring the current version makes the newest
remaining active version current.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid key version %q", args[0])
		}
		kr, err := cliKeyring()
		if err != nil {
			return err
		}
		if err := kr.Retire(keys.Version(n)); err != nil {
			return fmt.Errorf("retiring version %d: %w", n, err)
		}

		out := cmd.OutOrStdout()
		if cur, _, err := kr.CurrentKey(); err == nil {
			fmt.Fprintf(out, "[medledger] Retired version %d (current: %d)\n", n, cur)
		} else if errors.Is(err, keys.ErrKeyMissing) {
			fmt.Fprintf(out, "[medledger] Retired version %d; no active key left, uploads will be refused\n", n)
		} else {
			return err
		}
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		kr, err := cliKeyring()
		if err != nil {
			return err
		}
		list := kr.List()
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No keys. Run 'medledger keys init'.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tKDF\tCREATED\tSTATE")
		for _, k := range list {
			state := "active"
			switch {
			case k.Current:
				state = "current"
			case k.Retired:
				state = "retired"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", k.Version, k.KDF, k.CreatedAt.UTC().Format(time.RFC3339), state)
		}
		return tw.Flush()
	},
}
