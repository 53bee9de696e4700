// Package audit appends immutable audit entries for pool and claim
// mutations. Entries ride in the same transaction as the change they record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Entry struct {
	ID       int64
	ActorID  *string
	Action   string
	Entity   string
	EntityID string
	Payload  []byte
	TS       time.Time
}

type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, actorID, action, entity, entityID string, payload map[string]any) error {
	if action == "" || entity == "" {
		return fmt.Errorf("audit: action and entity required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO audit_logs (actor_id, action, entity, entity_id, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
`
	if _, err := tx.Exec(ctx, q, actor, action, entity, entityID, body); err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ListForEntity returns entries for one entity, newest first.
func ListForEntity(ctx context.Context, pool *pgxpool.Pool, entity, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := pool.Query(ctx, `
		SELECT id, actor_id, action, entity, entity_id, payload, ts
		FROM audit_logs
		WHERE entity = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, entity, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}
