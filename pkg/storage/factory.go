package storage

import (
	"fmt"

	"github.com/sipeed/walink/pkg/storage/memory"
	"github.com/sipeed/walink/pkg/storage/postgres"
	"github.com/sipeed/walink/pkg/storage/sqlite"
)

// NewStorage creates a Storage implementation based on the provided configuration.
// Supported types: "memory", "sqlite", "postgres"
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewMemoryStorage(), nil
	case "sqlite":
		return sqlite.NewSQLiteStorage(cfg.FilePath)
	case "postgres":
		return postgres.NewPostgresStorage(cfg.DatabaseURL, cfg.SSLEnabled, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: memory, sqlite, postgres)", cfg.Type)
	}
}
