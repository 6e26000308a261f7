package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
)

func (c *Config) EnsureDashboardToken() (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(c.Dashboard.Token) != "" {
		return c.Dashboard.Token, false, nil
	}

	token, err := generateToken(24)
	if err != nil {
		return "", false, err
	}

	c.Dashboard.Token = token
	return token, true, nil
}

func (c *Config) RotateDashboardToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := generateToken(24)
	if err != nil {
		return "", err
	}

	c.Dashboard.Token = token
	return token, nil
}

func (c *Config) DashboardToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dashboard.Token
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return DefaultConfig()
	}
	clone := DefaultConfig()
	if err := json.Unmarshal(data, clone); err != nil {
		return DefaultConfig()
	}
	return clone
}
