package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Wanas configuration",
	Long:  "View or modify the Wanas CLI configuration stored in ~/.wanas/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration file merged with WANAS_* environment overrides.\n" +
		"The token is masked; overridden keys are listed at the end.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# %s does not exist yet; run 'wanas login <token> --user-id <id>'\n", path)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg, applyEnv(cfg))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// renderConfig formats cfg as TOML with the token masked, followed by one
// comment per applied environment override.
func renderConfig(cfg *Config, overridden []string) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	b.Write(data)
	for _, env := range overridden {
		for _, o := range envOverrides {
			if o.env == env {
				fmt.Fprintf(&b, "# %s overridden by %s\n", o.key, env)
			}
		}
	}
	return b.String(), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: wanas config set default.hub_url https://api.example.com/chatHub",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
