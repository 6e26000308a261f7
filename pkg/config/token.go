package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService  = "walink"
	keyringTokenKey = "dashboard-token"
	tokenFileName   = ".dashboard-token"
)

// ResolveDashboardToken makes sure the dashboard has a token. An explicit
// token from the file or environment wins; otherwise the one persisted in
// the OS keyring (or the fallback file in dir) is reused, and a new token
// is generated and persisted on first run.
func (c *Config) ResolveDashboardToken(dir string) (string, error) {
	if token := c.DashboardToken(); strings.TrimSpace(token) != "" {
		return token, nil
	}

	if token, err := keyring.Get(keyringService, keyringTokenKey); err == nil && token != "" {
		c.setDashboardToken(token)
		return token, nil
	}
	if token, err := loadTokenFile(dir); err == nil {
		c.setDashboardToken(token)
		return token, nil
	}

	token, _, err := c.EnsureDashboardToken()
	if err != nil {
		return "", err
	}

	// Headless hosts often have no keyring; fall back to a private file.
	if err := keyring.Set(keyringService, keyringTokenKey, token); err != nil {
		if err := saveTokenFile(dir, token); err != nil {
			return "", err
		}
	}
	return token, nil
}

func (c *Config) setDashboardToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Dashboard.Token = token
}

func loadTokenFile(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, tokenFileName))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("empty dashboard token file")
	}
	return token, nil
}

func saveTokenFile(dir, token string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tokenFileName), []byte(token), 0600)
}
