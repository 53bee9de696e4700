package lead

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("lead: not found")
	ErrForbidden = errors.New("lead: forbidden")
	ErrBadStatus = errors.New("lead: invalid status")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open inserts a NEW lead inside the caller's claim transaction.
func (r *Repository) Open(ctx context.Context, tx pgx.Tx, agentID, requestID, source string) error {
	if agentID == "" || requestID == "" {
		return fmt.Errorf("lead: agent and request ids required")
	}
	const q = `
        INSERT INTO leads (agent_id, request_id, status, source)
        VALUES ($1, $2, 'NEW', $3)
    `
	if _, err := tx.Exec(ctx, q, agentID, requestID, source); err != nil {
		return fmt.Errorf("lead: open: %w", err)
	}
	return nil
}

func (r *Repository) ListForAgent(ctx context.Context, agentID string) ([]Record, error) {
	const query = `
		SELECT id, agent_id, request_id, status::text, source, created_at, updated_at
		FROM leads
		WHERE agent_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("lead: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.RequestID, &rec.Status, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("lead: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead: iterate: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a lead through the CRM lifecycle; only the owning agent
// may touch it.
func (r *Repository) UpdateStatus(ctx context.Context, agentID, leadID string, status Status) (Record, error) {
	switch status {
	case StatusNew, StatusContacted, StatusQualified, StatusLost, StatusWon:
	default:
		return Record{}, ErrBadStatus
	}

	const query = `
		UPDATE leads
		SET status = $3::lead_status, updated_at = get_tx_timestamp()
		WHERE id = $1 AND agent_id = $2
		RETURNING id, agent_id, request_id, status::text, source, created_at, updated_at
	`
	var rec Record
	err := r.pool.QueryRow(ctx, query, leadID, agentID, status).
		Scan(&rec.ID, &rec.AgentID, &rec.RequestID, &rec.Status, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("lead: update status: %w", err)
	}
	return rec, nil
}
