package channels

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/wa"
)

const deviceDBName = "device.db"

// SQLCredentialStore keeps one whatsmeow device store per session directory.
type SQLCredentialStore struct{}

func NewSQLCredentialStore() *SQLCredentialStore {
	return &SQLCredentialStore{}
}

// SQLCredentials is a loaded device plus the database that backs it.
type SQLCredentials struct {
	db        *sql.DB
	container *sqlstore.Container
	device    *store.Device
}

// Load opens (or creates) the device database under dir.
func (s *SQLCredentialStore) Load(ctx context.Context, dir string) (wa.Credentials, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbPath := filepath.Join(dir, deviceDBName)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsmeow database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite", waLog.Zerolog(logger.Sub("whatsmeow-db")))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get device from store: %w", err)
	}

	logger.DebugCF("whatsapp", "Credentials loaded", map[string]interface{}{
		"path":       dbPath,
		"registered": device.ID != nil,
	})
	return &SQLCredentials{db: db, container: container, device: device}, nil
}

// Remove deletes the session directory and everything in it.
func (s *SQLCredentialStore) Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory %s: %w", dir, err)
	}
	return nil
}

// ID is the paired device JID, or "" before pairing.
func (c *SQLCredentials) ID() string {
	if c.device == nil || c.device.ID == nil {
		return ""
	}
	return c.device.ID.String()
}

// Save persists the device identity. whatsmeow writes keys and sessions on
// its own; this covers the identity row after pairing.
func (c *SQLCredentials) Save(ctx context.Context) error {
	if c.device == nil || c.device.ID == nil {
		return nil
	}
	if err := c.device.Save(ctx); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (c *SQLCredentials) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
