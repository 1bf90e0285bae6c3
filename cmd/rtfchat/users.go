package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	usersLimit int
	usersJSON  bool
)

func init() {
	usersCmd.Flags().IntVar(&usersLimit, "limit", 50, "Maximum number of users to list")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can chat with",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		users, err := client.Users(ctx, usersLimit)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}

		if usersJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(users)
		}

		if len(users) == 0 {
			fmt.Println("No other users found.")
			return nil
		}
		for _, u := range users {
			marker := " "
			if u.ID == cfg.Auth.UserID {
				marker = "*"
			}
			fmt.Printf("%s %6d  %s\n", marker, u.ID, u.Nickname)
		}
		return nil
	},
}
