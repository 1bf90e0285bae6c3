package main

import (
	"fmt"
	"os"
	"strconv"

	chatclient "github.com/rtforum/chatclient"
)

// getClient creates a REST client from the stored configuration.
func getClient() (*chatclient.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'rtfchat config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'rtfchat config set auth.token <token>' first.")
		os.Exit(1)
	}

	return chatclient.NewClient(cfg.Default.BaseURL,
		chatclient.WithToken(cfg.Auth.Token)), cfg
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// maskToken shows only the tail of a secret for status output.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return "****" + token[len(token)-4:]
}
