package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("known fields", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, setConfigValue(cfg, "default.base_url", "https://chat.example.com"))
		require.NoError(t, setConfigValue(cfg, "default.channel_url", "wss://chat.example.com/ws"))
		require.NoError(t, setConfigValue(cfg, "default.page_size", "25"))
		require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
		require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))

		assert.Equal(t, "https://chat.example.com", cfg.Default.BaseURL)
		assert.Equal(t, "wss://chat.example.com/ws", cfg.Default.ChannelURL)
		assert.Equal(t, 25, cfg.Default.PageSize)
		assert.Equal(t, "tok", cfg.Auth.Token)
		assert.Equal(t, "u1", cfg.Auth.UserID)
	})

	t.Run("errors", func(t *testing.T) {
		cfg := &Config{}
		assert.Error(t, setConfigValue(cfg, "base_url", "x"))
		assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
		assert.Error(t, setConfigValue(cfg, "auth.nope", "x"))
		assert.Error(t, setConfigValue(cfg, "other.base_url", "x"))
		assert.Error(t, setConfigValue(cfg, "default.page_size", "-1"))
	})
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.BaseURL = "https://chat.example.com"
	cfg.Auth.Token = "tok"
	require.NoError(t, saveConfig(cfg))

	path, err := configPath()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	require.NoError(t, clearStoredToken())
	loaded, err = loadConfig()
	require.NoError(t, err)
	assert.Empty(t, loaded.Auth.Token)
	assert.Equal(t, "https://chat.example.com", loaded.Default.BaseURL)
}

func TestRenderConfigMasksToken(t *testing.T) {
	token := "abcdefghijklmnopqrstuvwxyz"
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com", PageSize: 25},
		Auth:    ConfigAuth{Token: token, UserID: "u1"},
	}

	out, err := renderConfig(cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, token)
	assert.Equal(t, token, cfg.Auth.Token, "the loaded config is left intact")

	var shown Config
	require.NoError(t, toml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "abcdefghijkl...wxyz", shown.Auth.Token)
	assert.Equal(t, "u1", shown.Auth.UserID)
	assert.Equal(t, 25, shown.Default.PageSize)

	out, err = renderConfig(&Config{})
	require.NoError(t, err)
	require.NoError(t, toml.Unmarshal([]byte(out), &shown))
	assert.Empty(t, shown.Auth.Token)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[default\n"), 0o600))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATSYNC_BASE_URL":  "http://override",
		"CHATSYNC_TOKEN":     "env-token",
		"CHATSYNC_PAGE_SIZE": "nope",
	}
	cfg := &Config{Default: ConfigDefault{BaseURL: "http://file", PageSize: 10}, Auth: ConfigAuth{Token: "file-token"}}
	applyEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, "http://override", cfg.Default.BaseURL)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, 10, cfg.Default.PageSize, "invalid page size is ignored")
}

func TestIdentityFallsBackToSubject(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u42"}).SignedString([]byte("k"))
	require.NoError(t, err)

	id := identity(&Config{Auth: ConfigAuth{Token: tok}})
	assert.Equal(t, "u42", id.User.ID)
	assert.Equal(t, tok, id.Credential())

	id = identity(&Config{Auth: ConfigAuth{Token: tok, UserID: "explicit"}})
	assert.Equal(t, "explicit", id.User.ID)
}

func TestTokenStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, "none", tokenStatus("", now))
	assert.Equal(t, "present (not a JWT)", tokenStatus("opaque", now))
	assert.Equal(t, "present (no expiry)", tokenStatus(sign(jwt.MapClaims{"sub": "u"}), now))
	assert.Contains(t, tokenStatus(sign(jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), now), "valid")
	assert.Contains(t, tokenStatus(sign(jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()}), now), "EXPIRED")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...mnop", maskKey("abcdefghijklmnop"))
	assert.Equal(t, "abcdefghijkl...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestMessageView(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	text := "hello"
	updated := now.Add(-30 * time.Second)
	m := chatsync.Message{
		ID:        "m1",
		Sender:    chatsync.Identity{ID: "me", DisplayName: "Me"},
		Content:   &text,
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: &updated,
		Reactions: []chatsync.Reaction{
			{UserID: "me", Emoji: "👍"},
			{UserID: "u2", Emoji: "👍"},
		},
	}

	v := newMessageView(&m, "me", now)
	assert.Equal(t, "hello", v.Text)
	assert.True(t, v.Edited)
	assert.True(t, v.Editable)
	assert.Equal(t, "4m0s", v.EditableFor)
	require.Len(t, v.Reactions, 1)
	assert.Equal(t, 2, v.Reactions[0].Count)
	assert.Contains(t, formatMessageView(v), "👍2*")

	m.IsDeleted = true
	v = newMessageView(&m, "me", now)
	assert.Equal(t, "Message deleted", v.Text)
	assert.False(t, v.Edited)
	assert.False(t, v.Editable)
}
