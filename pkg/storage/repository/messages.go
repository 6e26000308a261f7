package repository

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/sipeed/walink/pkg/wa"
)

// MessageRepository keeps the messages that later events refer back to,
// mainly poll creations needed to decode votes.
type MessageRepository interface {
	// GetMessage returns nil without error when the key is unknown.
	GetMessage(ctx context.Context, key wa.MessageKey) (*waE2E.Message, error)

	// SaveMessage inserts or replaces the message stored under key.
	SaveMessage(ctx context.Context, key wa.MessageKey, msg *waE2E.Message) error

	// Prune deletes messages stored before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Count(ctx context.Context) (int, error)

	// Walk calls fn for every stored message until fn returns an error.
	Walk(ctx context.Context, fn WalkFunc) error
}

type WalkFunc func(key wa.MessageKey, msg *waE2E.Message) error
