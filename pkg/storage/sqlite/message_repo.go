package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/walink/pkg/storage/repository"
	"github.com/sipeed/walink/pkg/wa"
)

type messageRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageRepository(db *sql.DB) repository.MessageRepository {
	return &messageRepository{db: db, now: time.Now}
}

func (r *messageRepository) GetMessage(ctx context.Context, key wa.MessageKey) (*waE2E.Message, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM messages WHERE remote_jid = ? AND id = ? AND from_me = ?`,
		key.RemoteJID, key.ID, boolInt(key.FromMe),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := &waE2E.Message{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", key.ID, err)
	}
	return msg, nil
}

func (r *messageRepository) SaveMessage(ctx context.Context, key wa.MessageKey, msg *waE2E.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO messages (remote_jid, id, from_me, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (remote_jid, id, from_me) DO UPDATE SET payload = excluded.payload`,
		key.RemoteJID, key.ID, boolInt(key.FromMe), payload, r.now().UnixNano(),
	)
	return err
}

func (r *messageRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *messageRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *messageRepository) Walk(ctx context.Context, fn repository.WalkFunc) error {
	rows, err := r.db.QueryContext(ctx, `SELECT remote_jid, id, from_me, payload FROM messages ORDER BY created_at`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key wa.MessageKey
		var payload []byte
		if err := rows.Scan(&key.RemoteJID, &key.ID, &key.FromMe, &payload); err != nil {
			return err
		}
		msg := &waE2E.Message{}
		if err := proto.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("failed to unmarshal message %s: %w", key.ID, err)
		}
		if err := fn(key, msg); err != nil {
			return err
		}
	}
	return rows.Err()
}
