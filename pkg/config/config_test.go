package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, "bot", cfg.Session.Name)
	require.Equal(t, "memory", cfg.Storage.Type)
	require.NoError(t, cfg.Validate())

	opts := cfg.ManagerOptions()
	require.Equal(t, 3*time.Second, opts.ReconnectDelay)
	require.Nil(t, opts.Backoff)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Session.Name = "shop"
	cfg.Session.Backoff.Enabled = true
	cfg.Storage.Type = "sqlite"
	cfg.Storage.FilePath = "data/messages.db"
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "shop", loaded.Session.Name)
	require.Equal(t, "sqlite", loaded.StorageOptions().Type)
	require.Equal(t, 5*time.Minute, loaded.StorageOptions().MaxLifetime)

	opts := loaded.ManagerOptions()
	require.NotNil(t, opts.Backoff)
	require.Equal(t, 3*time.Second, opts.Backoff.InitialDelay)
	require.Equal(t, time.Minute, opts.Backoff.MaxDelay)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session":{"name":"x"}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "x", cfg.Session.Name)
	require.Equal(t, "ffmpeg", cfg.Media.FFmpegPath)
	require.Equal(t, 18790, cfg.Dashboard.Port)
}

func TestLoadConfigRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WALINK_SESSION_NAME", "envbot")
	t.Setenv("WALINK_USE_PAIRING_CODE", "true")
	t.Setenv("WALINK_PHONE_NUMBER", "+34 600 111 222")
	t.Setenv("WALINK_DASHBOARD_PORT", "9000")
	t.Setenv("WALINK_RECONNECT_DELAY_MS", "not-a-number")
	t.Setenv("WALINK_STORAGE_TYPE", "postgres")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "wa")

	cfg := DefaultConfig()
	require.True(t, applyEnvOverrides(cfg))
	require.Equal(t, "envbot", cfg.Session.Name)
	require.True(t, cfg.Session.UsePairingCode)
	require.Equal(t, 9000, cfg.Dashboard.Port)
	require.Equal(t, 3000, cfg.Session.ReconnectDelay)
	require.Equal(t, "postgres://u:p@postgres:5432/wa?sslmode=disable", cfg.Storage.DatabaseURL)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty name", func(c *Config) { c.Session.Name = "" }, "session.name"},
		{"path in name", func(c *Config) { c.Session.Name = "../x" }, "path separators"},
		{"pairing without phone", func(c *Config) { c.Session.UsePairingCode = true }, "phone_number"},
		{"sqlite without file", func(c *Config) { c.Storage.Type = "sqlite" }, "file_path"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongo" }, "not supported"},
		{"bad cron", func(c *Config) { c.Media.CleanupSchedule = "every hour" }, "cleanup_schedule"},
		{"bad port", func(c *Config) { c.Dashboard.Enabled = true; c.Dashboard.Port = 0 }, "dashboard.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dashboard.Token = "abcdefghij"
	cfg.Storage.DatabaseURL = "postgres://secret@db/x"

	red := Redacted(cfg)
	require.Equal(t, "*****fghij", red.Dashboard.Token)
	require.Equal(t, "*****/db/x", red.Storage.DatabaseURL)
	require.Equal(t, "abcdefghij", cfg.Dashboard.Token)

	masks := SecretMaskMap(cfg)
	require.Equal(t, "*****fghij", masks["dashboard.token"])
	require.NotContains(t, masks, "session.phone_number")
}

func TestDashboardTokenPersistedInKeyring(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()

	first := DefaultConfig()
	token, err := first.ResolveDashboardToken(dir)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second := DefaultConfig()
	again, err := second.ResolveDashboardToken(dir)
	require.NoError(t, err)
	require.Equal(t, token, again)

	rotated, err := second.RotateDashboardToken()
	require.NoError(t, err)
	require.NotEqual(t, token, rotated)
}

func TestDashboardTokenFallsBackToFile(t *testing.T) {
	keyring.MockInitWithError(keyring.ErrUnsupportedPlatform)
	dir := t.TempDir()

	token, err := DefaultConfig().ResolveDashboardToken(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, tokenFileName))
	require.NoError(t, err)
	require.Equal(t, token, string(data))

	again, err := DefaultConfig().ResolveDashboardToken(dir)
	require.NoError(t, err)
	require.Equal(t, token, again)
}

func TestExplicitTokenWins(t *testing.T) {
	keyring.MockInit()
	cfg := DefaultConfig()
	cfg.Dashboard.Token = "fixed"
	token, err := cfg.ResolveDashboardToken(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "fixed", token)
}
