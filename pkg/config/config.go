package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/wa"
)

type Config struct {
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Media     MediaConfig     `json:"media"`
	Dashboard DashboardConfig `json:"dashboard"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type SessionConfig struct {
	Name           string        `json:"name"`
	Dir            string        `json:"dir"`
	UsePairingCode bool          `json:"use_pairing_code"`
	PhoneNumber    string        `json:"phone_number,omitempty"`
	GIFPlayback    bool          `json:"gif_playback"`
	Embedded       bool          `json:"embedded"`
	ReconnectDelay int           `json:"reconnect_delay_ms"`
	HelpURL        string        `json:"help_url,omitempty"`
	Backoff        BackoffConfig `json:"backoff"`
}

// BackoffConfig switches reconnects from the fixed delay to an exponential
// policy when Enabled.
type BackoffConfig struct {
	Enabled    bool    `json:"enabled"`
	MaxDelay   int     `json:"max_delay_ms"`
	Multiplier float64 `json:"multiplier"`
	Jitter     bool    `json:"jitter"`
}

type StorageConfig struct {
	Type           string `json:"type"`
	FilePath       string `json:"file_path,omitempty"`
	DatabaseURL    string `json:"database_url,omitempty"`
	SSLEnabled     bool   `json:"ssl_enabled"`
	MaxIdleConns   int    `json:"max_idle_conns"`
	MaxOpenConns   int    `json:"max_open_conns"`
	MaxLifetimeSec int    `json:"max_lifetime_seconds"`
	RetentionHours int    `json:"retention_hours"`
}

type MediaConfig struct {
	TempDir         string `json:"temp_dir"`
	FFmpegPath      string `json:"ffmpeg_path"`
	DownloadTimeout int    `json:"download_timeout_seconds"`
	CleanupSchedule string `json:"cleanup_schedule"`
}

type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Name:           wa.DefaultSessionName,
			Dir:            ".",
			ReconnectDelay: int(wa.DefaultReconnectDelay / time.Millisecond),
			Backoff: BackoffConfig{
				MaxDelay:   60000,
				Multiplier: 2,
				Jitter:     true,
			},
		},
		Storage: StorageConfig{
			Type:           "memory",
			MaxIdleConns:   5,
			MaxOpenConns:   25,
			MaxLifetimeSec: 300,
			RetentionHours: 24 * 7,
		},
		Media: MediaConfig{
			TempDir:         "./tmp",
			FFmpegPath:      "ffmpeg",
			DownloadTimeout: 60,
			CleanupSchedule: "0 * * * *",
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Log: LogConfig{Level: "info"},
	}
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".walink", "config.json")
}

// LoadConfig reads path, falling back to defaults when the file does not
// exist, then applies WALINK_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = DefaultConfig()
	} else if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes cfg as indented JSON through a temp file and rename.
func SaveConfig(path string, cfg *Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if strings.TrimSpace(c.Session.Name) == "" {
		problems = append(problems, "session.name is required")
	}
	if strings.ContainsAny(c.Session.Name, `/\`) {
		problems = append(problems, "session.name must not contain path separators")
	}
	if c.Session.UsePairingCode && strings.TrimSpace(c.Session.PhoneNumber) == "" {
		problems = append(problems, "session.phone_number is required with use_pairing_code")
	}
	if c.Session.ReconnectDelay < 0 {
		problems = append(problems, "session.reconnect_delay_ms must not be negative")
	}

	switch c.Storage.Type {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.FilePath) == "" {
			problems = append(problems, "storage.file_path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			problems = append(problems, "storage.database_url is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not supported", c.Storage.Type))
	}

	if c.Media.CleanupSchedule != "" && !gronx.New().IsValid(c.Media.CleanupSchedule) {
		problems = append(problems, fmt.Sprintf("media.cleanup_schedule %q is not a valid cron expression", c.Media.CleanupSchedule))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		problems = append(problems, "dashboard.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ManagerOptions maps the session section onto connection manager options.
func (c *Config) ManagerOptions() wa.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.Session
	delay := time.Duration(s.ReconnectDelay) * time.Millisecond
	opts := wa.Options{
		Name:           s.Name,
		Dir:            s.Dir,
		UsePairingCode: s.UsePairingCode,
		PhoneNumber:    s.PhoneNumber,
		GIFPlayback:    s.GIFPlayback,
		Embedded:       s.Embedded,
		ReconnectDelay: delay,
		HelpURL:        s.HelpURL,
	}
	if s.Backoff.Enabled {
		opts.Backoff = &wa.BackoffConfig{
			InitialDelay: delay,
			Multiplier:   s.Backoff.Multiplier,
			MaxDelay:     time.Duration(s.Backoff.MaxDelay) * time.Millisecond,
			Jitter:       s.Backoff.Jitter,
		}
	}
	return opts
}

func (c *Config) StorageOptions() storage.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return storage.Config{
		Type:         c.Storage.Type,
		FilePath:     c.Storage.FilePath,
		DatabaseURL:  c.Storage.DatabaseURL,
		SSLEnabled:   c.Storage.SSLEnabled,
		MaxIdleConns: c.Storage.MaxIdleConns,
		MaxOpenConns: c.Storage.MaxOpenConns,
		MaxLifetime:  time.Duration(c.Storage.MaxLifetimeSec) * time.Second,
	}
}

// Retention is how long stored messages are kept; zero keeps them forever.
func (c *Config) Retention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Storage.RetentionHours) * time.Hour
}

func (c *Config) DashboardAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}
