package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies selected runtime environment variables into config.
// It returns true when any value changed so callers can persist updated config.
func applyEnvOverrides(cfg *Config) bool {
	if cfg == nil {
		return false
	}

	changed := false

	setString := func(dst *string, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if *dst != value {
			*dst = value
			changed = true
		}
	}
	setInt := func(dst *int, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}
	setBool := func(dst *bool, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}

	env := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(os.Getenv(key)); value != "" {
				return value
			}
		}
		return ""
	}

	setString(&cfg.Session.Name, env("WALINK_SESSION_NAME"))
	setString(&cfg.Session.Dir, env("WALINK_SESSION_DIR"))
	setBool(&cfg.Session.UsePairingCode, env("WALINK_USE_PAIRING_CODE"))
	setString(&cfg.Session.PhoneNumber, env("WALINK_PHONE_NUMBER"))
	setBool(&cfg.Session.GIFPlayback, env("WALINK_GIF_PLAYBACK"))
	setBool(&cfg.Session.Embedded, env("WALINK_EMBEDDED"))
	setInt(&cfg.Session.ReconnectDelay, env("WALINK_RECONNECT_DELAY_MS"))
	setBool(&cfg.Session.Backoff.Enabled, env("WALINK_RECONNECT_BACKOFF"))

	setString(&cfg.Storage.Type, env("WALINK_STORAGE_TYPE"))
	setString(&cfg.Storage.DatabaseURL, env("WALINK_STORAGE_DATABASE_URL", "DATABASE_URL"))
	setString(&cfg.Storage.FilePath, env("WALINK_STORAGE_FILE_PATH"))
	setBool(&cfg.Storage.SSLEnabled, env("WALINK_STORAGE_SSL_ENABLED"))
	setInt(&cfg.Storage.RetentionHours, env("WALINK_STORAGE_RETENTION_HOURS"))

	// If storage type is postgres but no database URL was resolved yet,
	// build one from individual POSTGRES_* env vars.
	if strings.EqualFold(cfg.Storage.Type, "postgres") && strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
		pgUser := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
		pgPass := strings.TrimSpace(os.Getenv("POSTGRES_PASSWORD"))
		pgDB := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
		pgHost := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
		if pgHost == "" {
			pgHost = "postgres"
		}
		if pgUser != "" && pgPass != "" && pgDB != "" {
			built := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", pgUser, pgPass, pgHost, pgDB)
			setString(&cfg.Storage.DatabaseURL, built)
		}
	}

	setString(&cfg.Media.TempDir, env("WALINK_MEDIA_TEMP_DIR"))
	setString(&cfg.Media.FFmpegPath, env("WALINK_FFMPEG_PATH", "FFMPEG_PATH"))
	setString(&cfg.Media.CleanupSchedule, env("WALINK_MEDIA_CLEANUP_SCHEDULE"))

	setString(&cfg.Dashboard.Token, env("WALINK_DASHBOARD_TOKEN", "DASHBOARD_TOKEN"))
	setString(&cfg.Dashboard.Host, env("WALINK_DASHBOARD_HOST"))
	setInt(&cfg.Dashboard.Port, env("WALINK_DASHBOARD_PORT"))
	setBool(&cfg.Dashboard.Enabled, env("WALINK_DASHBOARD_ENABLED"))

	setString(&cfg.Log.Level, env("WALINK_LOG_LEVEL"))

	return changed
}
