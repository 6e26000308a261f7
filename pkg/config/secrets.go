package config

type secretAccessor struct {
	Path string
	Get  func(*Config) string
	Set  func(*Config, string)
}

var secretAccessors = []secretAccessor{
	{
		Path: "dashboard.token",
		Get:  func(c *Config) string { return c.Dashboard.Token },
		Set:  func(c *Config, v string) { c.Dashboard.Token = v },
	},
	{
		Path: "storage.database_url",
		Get:  func(c *Config) string { return c.Storage.DatabaseURL },
		Set:  func(c *Config, v string) { c.Storage.DatabaseURL = v },
	},
	{
		Path: "session.phone_number",
		Get:  func(c *Config) string { return c.Session.PhoneNumber },
		Set:  func(c *Config, v string) { c.Session.PhoneNumber = v },
	},
}

func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 5 {
		return "*****" + value
	}
	return "*****" + value[len(value)-5:]
}

// Redacted returns a copy of cfg with every secret masked, safe to serve
// over the dashboard.
func Redacted(cfg *Config) *Config {
	clone := cfg.Clone()
	if clone == nil {
		return nil
	}
	for _, accessor := range secretAccessors {
		if value := accessor.Get(clone); value != "" {
			accessor.Set(clone, MaskSecret(value))
		}
	}
	return clone
}

func SecretMaskMap(cfg *Config) map[string]string {
	result := make(map[string]string)
	if cfg == nil {
		return result
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	for _, accessor := range secretAccessors {
		value := accessor.Get(cfg)
		if value != "" {
			result[accessor.Path] = MaskSecret(value)
		}
	}
	return result
}
