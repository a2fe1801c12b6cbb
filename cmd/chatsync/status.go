package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Channel URL: %s\n", valueOrDefault(cfg.Default.ChannelURL, "(not set)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
			fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
		} else {
			fmt.Println("  User ID:     (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		}
		fmt.Printf("  Status:      %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error listing conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  User:          %s (%s)\n", displayName(&me), me.ID)
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// tokenStatus describes the validity of a session token at now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, err := chatsync.CredentialExpiry(token)
	switch {
	case errors.Is(err, chatsync.ErrNoExpiry):
		return "present (no expiry)"
	case err != nil:
		return "present (not a JWT)"
	case now.Before(exp):
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	default:
		return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
	}
}
