// Package memory keeps messages in process memory. Nothing survives a
// restart, which is enough for polls created and answered in one run.
package memory

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/walink/pkg/storage/repository"
	"github.com/sipeed/walink/pkg/wa"
)

type MemoryStorage struct {
	messages *messageRepository
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{messages: &messageRepository{
		entries: make(map[wa.MessageKey]entry),
		now:     time.Now,
	}}
}

func (s *MemoryStorage) Connect(ctx context.Context) error { return nil }
func (s *MemoryStorage) Close() error                      { return nil }
func (s *MemoryStorage) Ping(ctx context.Context) error    { return nil }

func (s *MemoryStorage) Messages() repository.MessageRepository {
	return s.messages
}

type entry struct {
	msg     *waE2E.Message
	created time.Time
}

type messageRepository struct {
	mu      sync.RWMutex
	entries map[wa.MessageKey]entry
	now     func() time.Time
}

// keyOf drops the participant so lookups match regardless of who relayed
// the reference.
func keyOf(k wa.MessageKey) wa.MessageKey {
	return wa.MessageKey{RemoteJID: k.RemoteJID, ID: k.ID, FromMe: k.FromMe}
}

func (r *messageRepository) GetMessage(ctx context.Context, key wa.MessageKey) (*waE2E.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[keyOf(key)]
	if !ok {
		return nil, nil
	}
	return proto.Clone(e.msg).(*waE2E.Message), nil
}

func (r *messageRepository) SaveMessage(ctx context.Context, key wa.MessageKey, msg *waE2E.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[keyOf(key)] = entry{msg: proto.Clone(msg).(*waE2E.Message), created: r.now()}
	return nil
}

func (r *messageRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if e.created.Before(before) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

func (r *messageRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

func (r *messageRepository) Walk(ctx context.Context, fn repository.WalkFunc) error {
	r.mu.RLock()
	entries := make(map[wa.MessageKey]entry, len(r.entries))
	for k, e := range r.entries {
		entries[k] = e
	}
	r.mu.RUnlock()

	for k, e := range entries {
		if err := fn(k, proto.Clone(e.msg).(*waE2E.Message)); err != nil {
			return err
		}
	}
	return nil
}
