package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and verify the stored token against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		if cfg.Auth.Nickname != "" {
			fmt.Printf("  User:     %s (id %d)\n", cfg.Auth.Nickname, cfg.Auth.UserID)
		} else if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID:  %d\n", cfg.Auth.UserID)
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		// Probe the session with a cheap authenticated call.
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := client.Users(ctx, 1); err != nil {
			fmt.Printf("\nServer:   unreachable or session invalid (%v)\n", err)
			return nil
		}
		fmt.Println("\nServer:   OK, session valid")
		return nil
	},
}
