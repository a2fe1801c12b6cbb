package main

import (
	"errors"
	"os"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/rs/zerolog"
)

var errNoToken = errors.New("no session token; run 'chatsync login <token>' first")

// newClient creates a REST client authenticated with the session token.
func newClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...), nil
}

// newLogger writes human-readable logs to stderr.
func newLogger(cfg *Config) *zerolog.Logger {
	l := chatsync.NewLogger(os.Stderr, cfg.Default.LogLevel, true)
	return &l
}

// identity returns the session identity. The user id falls back to the
// token's subject claim.
func identity(cfg *Config) chatsync.StaticIdentity {
	user := chatsync.Identity{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName}
	if user.ID == "" {
		if sub, err := chatsync.CredentialSubject(cfg.Auth.Token); err == nil {
			user.ID = sub
		}
	}
	return chatsync.StaticIdentity{User: user, Token: cfg.Auth.Token}
}

// maskKey shows the first 12 and last 4 characters of a credential.
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

// displayName picks the most readable label for an identity.
func displayName(id *chatsync.Identity) string {
	if id == nil {
		return "(unknown)"
	}
	return valueOrDefault(id.DisplayName, id.ID)
}
