package main

import (
	"context"
	"fmt"
	"time"

	wanas "github.com/A7medabdelaty/Wanas-Web-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and, when a token is present, the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, wanas.DefaultBaseURL+" (default)"))
		fmt.Printf("  Hub URL:   %s\n", valueOrDefault(cfg.Default.HubURL, wanas.DefaultHubURL+" (default)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "info (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Live status:")

		client, _, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := client.GetUnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:    %d\n", n)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
