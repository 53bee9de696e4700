package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the durable record of claim ownership. Every mutation is a
// conditional update so that the arbitrator and sweeper stay correct when
// run concurrently, in any number of processes.
type Ledger interface {
	CreateActive(ctx context.Context, tx pgx.Tx, c Claim) (Claim, error)
	FindActive(ctx context.Context, tx pgx.Tx, requestID string) ([]Claim, error)
	HoldsActive(ctx context.Context, tx pgx.Tx, requestID, agentID string) (bool, error)
	CountActiveForAgent(ctx context.Context, tx pgx.Tx, agentID string) (int, error)
	CountClaimsSince(ctx context.Context, tx pgx.Tx, requestID string, since time.Time) (int, error)
	CountLive(ctx context.Context, tx pgx.Tx, requestID string, now time.Time) (int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, claimID string) (Claim, error)
	SetStatus(ctx context.Context, tx pgx.Tx, claimID string, from, to Status) error
	Expire(ctx context.Context, tx pgx.Tx, claimID string, now time.Time) (string, bool, error)
}

type PGLedger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

const claimColumns = `id, agent_id, request_id, status, notes, created_at, expires_at`

// CreateActive inserts a fresh ACTIVE claim. The partial unique index on
// (request_id, agent_id) WHERE status='ACTIVE' is the database-level
// backstop for the arbitrator's duplicate check.
func (l *PGLedger) CreateActive(ctx context.Context, tx pgx.Tx, c Claim) (Claim, error) {
	query := fmt.Sprintf(`
        INSERT INTO claims (id, agent_id, request_id, status, notes, expires_at)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, 'ACTIVE', $4, $5)
        RETURNING %s
    `, claimColumns)

	created, err := scanClaim(tx.QueryRow(ctx, query, c.ID, c.AgentID, c.RequestID, c.Notes, c.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Claim{}, ErrDuplicateClaim
		}
		return Claim{}, fmt.Errorf("claim: insert active: %w", err)
	}
	return created, nil
}

func (l *PGLedger) FindActive(ctx context.Context, tx pgx.Tx, requestID string) ([]Claim, error) {
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE request_id = $1 AND status = 'ACTIVE' ORDER BY created_at`, claimColumns)
	rows, err := tx.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("claim: find active: %w", err)
	}
	defer rows.Close()

	out := []Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan active: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate active: %w", err)
	}
	return out, nil
}

func (l *PGLedger) HoldsActive(ctx context.Context, tx pgx.Tx, requestID, agentID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM claims WHERE request_id=$1 AND agent_id=$2 AND status='ACTIVE')
	`, requestID, agentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("claim: check holder: %w", err)
	}
	return exists, nil
}

func (l *PGLedger) CountActiveForAgent(ctx context.Context, tx pgx.Tx, agentID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE agent_id=$1 AND status='ACTIVE'`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("claim: count agent active: %w", err)
	}
	return n, nil
}

func (l *PGLedger) CountClaimsSince(ctx context.Context, tx pgx.Tx, requestID string, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE request_id=$1 AND created_at >= $2`, requestID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("claim: count recent: %w", err)
	}
	return n, nil
}

// CountLive counts claims that still grant rights at the given instant. A
// stored ACTIVE row past its expiry does not count.
func (l *PGLedger) CountLive(ctx context.Context, tx pgx.Tx, requestID string, now time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM claims WHERE request_id=$1 AND status='ACTIVE' AND expires_at > $2
	`, requestID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("claim: count live: %w", err)
	}
	return n, nil
}

func (l *PGLedger) GetForUpdate(ctx context.Context, tx pgx.Tx, claimID string) (Claim, error) {
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE id = $1 FOR UPDATE`, claimColumns)
	c, err := scanClaim(tx.QueryRow(ctx, query, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrClaimNotFound
		}
		return Claim{}, fmt.Errorf("claim: get for update: %w", err)
	}
	return c, nil
}

// SetStatus moves a claim between statuses conditionally. ErrClaimNotActive
// is returned when the row is no longer in the expected source status.
func (l *PGLedger) SetStatus(ctx context.Context, tx pgx.Tx, claimID string, from, to Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE claims SET status = $3::claim_status WHERE id = $1 AND status = $2::claim_status
	`, claimID, from, to)
	if err != nil {
		return fmt.Errorf("claim: set status %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimNotActive
	}
	return nil
}

// Expire transitions ACTIVE -> EXPIRED only when the lease has lapsed. It is
// a no-op when another sweeper got there first, which makes concurrent
// sweeps safe. Returns the owning request id and whether a row moved.
func (l *PGLedger) Expire(ctx context.Context, tx pgx.Tx, claimID string, now time.Time) (string, bool, error) {
	var requestID string
	err := tx.QueryRow(ctx, `
		UPDATE claims
		SET status = 'EXPIRED'
		WHERE id = $1 AND status = 'ACTIVE' AND expires_at < $2
		RETURNING request_id
	`, claimID, now).Scan(&requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("claim: expire: %w", err)
	}
	return requestID, true, nil
}

// HoldsLive reports whether the agent holds a claim on the request that
// still grants rights at the given instant. Used by the disclosure gate on
// every read; never cached.
func (l *PGLedger) HoldsLive(ctx context.Context, requestID, agentID string, now time.Time) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM claims
			WHERE request_id=$1 AND agent_id=$2 AND status='ACTIVE' AND expires_at > $3
		)
	`, requestID, agentID, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("claim: check live holder: %w", err)
	}
	return exists, nil
}

// Get reads one claim outside any transaction.
func (l *PGLedger) Get(ctx context.Context, id string) (Claim, error) {
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE id = $1`, claimColumns)
	c, err := scanClaim(l.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Claim{}, ErrClaimNotFound
		}
		return Claim{}, fmt.Errorf("claim: get: %w", err)
	}
	return c, nil
}

// ListForAgent returns an agent's claims, newest first.
func (l *PGLedger) ListForAgent(ctx context.Context, agentID string, limit int) ([]Claim, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM claims WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, claimColumns)
	rows, err := l.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim: list for agent: %w", err)
	}
	defer rows.Close()

	out := make([]Claim, 0, limit)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan agent claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate agent claims: %w", err)
	}
	return out, nil
}

// ListExpiredCandidates returns ids of stored-ACTIVE claims whose lease has
// lapsed, oldest expiry first, bounded. The (status, expires_at) index
// serves this scan.
func (l *PGLedger) ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id FROM claims
		WHERE status = 'ACTIVE' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim: list expired candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("claim: scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate candidates: %w", err)
	}
	return ids, nil
}

func scanClaim(row pgx.Row) (Claim, error) {
	var c Claim
	return c, row.Scan(
		&c.ID,
		&c.AgentID,
		&c.RequestID,
		&c.Status,
		&c.Notes,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
}
