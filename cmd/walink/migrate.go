package main

import (
	"context"
	"fmt"
	"os"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/wa"
)

// migrateDataCommand copies stored messages between backends. With a
// postgres config the sqlite file is the source; otherwise postgres is
// exported into the sqlite file.
func migrateDataCommand() {
	fmt.Println("walink data migration")
	fmt.Println("=====================")
	fmt.Println()

	cfg := loadConfig()
	sourceConfig, destConfig := migrationTargets(cfg)

	fmt.Printf("Source: %s\n", sourceConfig.Type)
	fmt.Printf("Destination: %s\n", destConfig.Type)
	fmt.Println()

	fmt.Print("This will copy all stored messages. Continue? (yes/no): ")
	var confirm string
	fmt.Scanln(&confirm)
	if confirm != "yes" {
		fmt.Println("Migration cancelled")
		return
	}

	ctx := context.Background()

	fmt.Printf("Connecting to source (%s)...\n", sourceConfig.Type)
	sourceStore, err := openStore(ctx, sourceConfig)
	if err != nil {
		fmt.Printf("Error opening source: %v\n", err)
		os.Exit(1)
	}
	defer sourceStore.Close()

	fmt.Printf("Connecting to destination (%s)...\n", destConfig.Type)
	destStore, err := openStore(ctx, destConfig)
	if err != nil {
		fmt.Printf("Error opening destination: %v\n", err)
		os.Exit(1)
	}
	defer destStore.Close()

	n, err := migrateMessages(ctx, sourceStore, destStore)
	if err != nil {
		fmt.Printf("Error migrating messages: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Migration complete: %d messages copied\n", n)
}

func migrationTargets(cfg *config.Config) (storage.Config, storage.Config) {
	current := cfg.StorageOptions()

	sqliteCfg := current
	sqliteCfg.Type = "sqlite"
	if sqliteCfg.FilePath == "" {
		sqliteCfg.FilePath = "walink.db"
	}

	postgresCfg := current
	postgresCfg.Type = "postgres"

	if current.Type == "postgres" {
		return sqliteCfg, postgresCfg
	}
	return postgresCfg, sqliteCfg
}

func openStore(ctx context.Context, cfg storage.Config) (storage.Storage, error) {
	s, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func migrateMessages(ctx context.Context, source, dest storage.Storage) (int, error) {
	count := 0
	err := source.Messages().Walk(ctx, func(key wa.MessageKey, msg *waE2E.Message) error {
		if err := dest.Messages().SaveMessage(ctx, key, msg); err != nil {
			return fmt.Errorf("message %s: %w", key.ID, err)
		}
		count++
		if count%500 == 0 {
			fmt.Printf("  %d messages copied\n", count)
		}
		return nil
	})
	return count, err
}
