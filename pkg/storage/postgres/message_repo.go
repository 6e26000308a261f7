package postgres

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
	db dbExecutor
}

// dbExecutor is an interface that works with both *sql.DB and *sql.Tx
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewMessageRepository creates a new PostgreSQL message repository.
func NewMessageRepository(db dbExecutor) repository.MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) GetMessage(ctx context.Context, key wa.MessageKey) (*waE2E.Message, error) {
	query := `SELECT payload FROM messages
	          WHERE remote_jid = $1 AND id = $2 AND from_me = $3`

	var payload []byte
	err := r.db.QueryRowContext(ctx, query, key.RemoteJID, key.ID, key.FromMe).Scan(&payload)
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

	query := `INSERT INTO messages (remote_jid, id, from_me, payload, created_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (remote_jid, id, from_me) DO UPDATE SET
	              payload = EXCLUDED.payload`

	_, err = r.db.ExecContext(ctx, query, key.RemoteJID, key.ID, key.FromMe, payload, time.Now())
	return err
}

func (r *messageRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < $1`, before)
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
