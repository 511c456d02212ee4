package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.wanas/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and logging settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	HubURL   string `toml:"hub_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the bearer token and the id of the signed-in user.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.wanas, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".wanas")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies WANAS_* environment
// overrides, including those from a .env file in the working directory.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// envOverrides maps each WANAS_* variable to the config key it replaces.
var envOverrides = []struct {
	env, key string
	field    func(*Config) *string
}{
	{"WANAS_TOKEN", "auth.token", func(c *Config) *string { return &c.Auth.Token }},
	{"WANAS_USER_ID", "auth.user_id", func(c *Config) *string { return &c.Auth.UserID }},
	{"WANAS_BASE_URL", "default.base_url", func(c *Config) *string { return &c.Default.BaseURL }},
	{"WANAS_HUB_URL", "default.hub_url", func(c *Config) *string { return &c.Default.HubURL }},
	{"WANAS_LOG_LEVEL", "default.log_level", func(c *Config) *string { return &c.Default.LogLevel }},
}

// applyEnv overrides cfg from the environment and returns the variables
// that were applied.
func applyEnv(cfg *Config) []string {
	_ = godotenv.Load(".env")
	var applied []string
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.field(cfg) = v
			applied = append(applied, o.env)
		}
	}
	return applied
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "hub_url":
			cfg.Default.HubURL = value
		case "log_level":
			if _, ok := parseLevel(value); !ok {
				return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", value)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// newLogger writes text logs to stderr so they never interleave with
// command output on stdout.
func newLogger(cfg *Config) *slog.Logger {
	level, _ := parseLevel(cfg.Default.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "wanas",
	Short: "Wanas chat CLI",
	Long:  "Command-line client for Wanas chat.\nList chats, send messages and watch a conversation live.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
