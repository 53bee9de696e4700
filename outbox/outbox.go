// Package outbox implements the transactional outbox: every domain state
// change that downstream consumers care about is enqueued in the same
// transaction that performs the change.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts a pending message inside the caller's transaction.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Drain claims up to limit pending messages with SKIP LOCKED, marks them
// processed, and returns them. Delivery to the real transport is the
// caller's concern.
func Drain(ctx context.Context, pool *pgxpool.Pool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: select pending: %w", err)
	}

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=now() WHERE id=$1`, m.ID); err != nil {
			return nil, fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return msgs, nil
}
