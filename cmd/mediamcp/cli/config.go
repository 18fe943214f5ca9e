package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/mediamcp/internal/credential"
	"github.com/felixgeelhaar/mediamcp/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	revealSecret bool
	forceInit    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

// openVault opens the store-backed key/value settings such as provider keys.
func openVault() (*credential.Vault, *store.SQLiteStore, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init store: %w", err)
	}
	keys, err := credential.NewManager(filepath.Join(dir, ".salt"))
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return credential.NewVault(s, keys), s, nil
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a stored value such as openai.api_key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		v, s, err := openVault()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := v.Set(key, value); err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		if credential.IsSecret(key) {
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved (encrypted): %s\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", key)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a stored value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		v, s, err := openVault()
		if err != nil {
			return err
		}
		defer s.Close()

		val, err := v.Get(key)
		if err != nil {
			return err
		}
		switch {
		case val == "":
			fmt.Fprintln(cmd.OutOrStdout(), "(not set)")
		case credential.IsSecret(key) && !revealSecret:
			fmt.Fprintln(cmd.OutOrStdout(), credential.MaskSecret(val))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), val)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), cfg)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = filepath.Join(dir, "config.yaml")
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configShowCmd, configInitCmd)
	configGetCmd.Flags().BoolVar(&revealSecret, "reveal", false, "Print secrets in clear text")
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
}
