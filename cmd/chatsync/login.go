package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var loginVerify bool

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().BoolVar(&loginVerify, "verify", true, "Fetch the account from the server to fill in the identity")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Store the session token used for REST requests and the push channel.\nThe user id is taken from the token's subject claim, or from the server when --verify is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{Token: token}
		if sub, err := chatsync.CredentialSubject(token); err == nil {
			cfg.Auth.UserID = sub
		}
		if expired, err := chatsync.CredentialExpired(token, time.Now()); err == nil && expired {
			return fmt.Errorf("token has already expired")
		}

		if loginVerify {
			effective, err := loadEffectiveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			effective.Auth.Token = token
			client, err := newClient(effective)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			me, err := client.Me(ctx)
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			cfg.Auth.UserID = me.ID
			cfg.Auth.DisplayName = me.DisplayName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session for %s saved to %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown user)"), path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Session removed.")
		return nil
	},
}
