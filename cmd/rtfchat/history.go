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
	historyLimit  int
	historyBefore int64
	historyJSON   bool
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of messages per page")
	historyCmd.Flags().Int64Var(&historyBefore, "before", 0, "Fetch messages older than this message id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show message history with a user",
	Long:  "Fetch a page of conversation history with the given user, oldest first.\nUse --before with the printed cursor to page further back.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		otherID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Messages(ctx, otherID, historyBefore, historyLimit)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			who := "them"
			if m.FromUserID == cfg.Auth.UserID {
				who = "you "
			}
			status := ""
			if m.FromUserID == cfg.Auth.UserID {
				switch {
				case m.Seen:
					status = " [seen]"
				case m.Delivered:
					status = " [delivered]"
				}
			}
			fmt.Printf("%s  %s: %s%s\n", m.SentAt.Local().Format("2006-01-02 15:04"), who, m.Content, status)
		}
		if page.HasMore {
			fmt.Printf("\nOlder messages available: rerun with --before %d\n", page.NextBefore)
		}
		return nil
	},
}
