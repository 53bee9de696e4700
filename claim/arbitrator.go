package claim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"leadpool/pool"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestStore is the slice of the pool repository the arbitrator needs.
type RequestStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (pool.BuyerRequest, error)
	TransitionStatus(ctx context.Context, tx pgx.Tx, id string, from, to pool.Status) error
}

type LeadWriter interface {
	Open(ctx context.Context, tx pgx.Tx, agentID, requestID, source string) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type AuditWriter interface {
	Record(ctx context.Context, tx pgx.Tx, actorID, action, entity, entityID string, payload map[string]any) error
}

// Limits bounds claim churn. Zero values disable the corresponding check.
type Limits struct {
	// MaxActivePerAgent caps how many ACTIVE claims one agent may hold
	// across the whole pool.
	MaxActivePerAgent int
	// MaxClaimsPerRequest caps claims drawn by one request within
	// CooldownWindow, counting terminal ones.
	MaxClaimsPerRequest int
	CooldownWindow      time.Duration
	// SharedClaimCap caps concurrent live claims on a multi-agent request.
	SharedClaimCap int
}

// DefaultLimits mirrors the production claim rate limits.
var DefaultLimits = Limits{
	MaxActivePerAgent:   5,
	MaxClaimsPerRequest: 3,
	CooldownWindow:      24 * time.Hour,
}

// Arbitrator decides, under concurrent pressure, who wins a claim on a
// request, and keeps the request status consistent with the ledger. All
// decisions happen inside one transaction per attempt: the row lock taken by
// RequestStore.GetForUpdate plus conditional transitions give the
// at-most-one (or at-most-one-per-agent) guarantee across service processes.
type Arbitrator struct {
	pool        TxBeginner
	requests    RequestStore
	ledger      Ledger
	leads       LeadWriter
	outbox      OutboxWriter
	audit       AuditWriter
	ttl         time.Duration
	limits      Limits
	maxRetries  int
	retryBase   time.Duration
	idGenerator func() string
	now         func() time.Time
}

func NewArbitrator(txp TxBeginner, requests RequestStore, ledger Ledger) *Arbitrator {
	return &Arbitrator{
		pool:        txp,
		requests:    requests,
		ledger:      ledger,
		ttl:         DefaultTTL,
		limits:      DefaultLimits,
		maxRetries:  3,
		retryBase:   25 * time.Millisecond,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (a *Arbitrator) WithTTL(ttl time.Duration) *Arbitrator {
	a.ttl = ttl
	return a
}

func (a *Arbitrator) WithLimits(limits Limits) *Arbitrator {
	a.limits = limits
	return a
}

func (a *Arbitrator) WithLeadWriter(leads LeadWriter) *Arbitrator {
	a.leads = leads
	return a
}

func (a *Arbitrator) WithAuditAndOutbox(audit AuditWriter, out OutboxWriter) *Arbitrator {
	a.audit = audit
	a.outbox = out
	return a
}

func (a *Arbitrator) WithIDGenerator(gen func() string) *Arbitrator {
	a.idGenerator = gen
	return a
}

func (a *Arbitrator) WithClock(now func() time.Time) *Arbitrator {
	a.now = now
	return a
}

type ClaimParams struct {
	AgentID   string
	RequestID string
	Notes     *string
}

// Claim attempts to take the request for the agent. Transient database
// conflicts are retried with jittered backoff up to the configured bound;
// exhausting retries surfaces ErrConcurrency, never a silent double grant.
func (a *Arbitrator) Claim(ctx context.Context, params ClaimParams) (Claim, error) {
	if params.AgentID == "" {
		return Claim{}, fmt.Errorf("claim: missing agent id")
	}
	if params.RequestID == "" {
		return Claim{}, fmt.Errorf("claim: missing request id")
	}

	for attempt := 0; ; attempt++ {
		c, err := a.claimOnce(ctx, params)
		if err == nil {
			return c, nil
		}
		if !retryable(err) && !errors.Is(err, pool.ErrStatusConflict) {
			return Claim{}, err
		}
		if attempt >= a.maxRetries {
			return Claim{}, ErrConcurrency
		}
		if err := sleepJittered(ctx, a.retryBase, attempt); err != nil {
			return Claim{}, err
		}
	}
}

func (a *Arbitrator) claimOnce(ctx context.Context, params ClaimParams) (Claim, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Claim{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := a.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			return Claim{}, ErrRequestUnavailable
		}
		return Claim{}, err
	}

	if req.Status == pool.StatusClosed {
		return Claim{}, ErrRequestUnavailable
	}
	if !req.Status.Claimable() {
		// Exclusive and already held.
		return Claim{}, ErrAlreadyClaimed
	}
	if !req.MultiAgentAllowed && req.Status != pool.StatusOpen {
		return Claim{}, ErrAlreadyClaimed
	}

	now := a.now()

	if req.MultiAgentAllowed {
		holds, err := a.ledger.HoldsActive(ctx, tx, req.ID, params.AgentID)
		if err != nil {
			return Claim{}, err
		}
		if holds {
			return Claim{}, ErrDuplicateClaim
		}
		if limit := a.limits.SharedClaimCap; limit > 0 {
			live, err := a.ledger.CountLive(ctx, tx, req.ID, now)
			if err != nil {
				return Claim{}, err
			}
			if live >= limit {
				return Claim{}, ErrSharedCapReached
			}
		}
	}

	if limit := a.limits.MaxActivePerAgent; limit > 0 {
		active, err := a.ledger.CountActiveForAgent(ctx, tx, params.AgentID)
		if err != nil {
			return Claim{}, err
		}
		if active >= limit {
			return Claim{}, ErrTooManyActiveClaims
		}
	}
	if limit := a.limits.MaxClaimsPerRequest; limit > 0 && a.limits.CooldownWindow > 0 {
		recent, err := a.ledger.CountClaimsSince(ctx, tx, req.ID, now.Add(-a.limits.CooldownWindow))
		if err != nil {
			return Claim{}, err
		}
		if recent >= limit {
			return Claim{}, ErrRequestCoolingDown
		}
	}

	created, err := a.ledger.CreateActive(ctx, tx, Claim{
		ID:        a.idGenerator(),
		AgentID:   params.AgentID,
		RequestID: req.ID,
		Notes:     params.Notes,
		ExpiresAt: now.Add(a.ttl),
	})
	if err != nil {
		return Claim{}, err
	}

	switch {
	case !req.MultiAgentAllowed:
		if err := a.requests.TransitionStatus(ctx, tx, req.ID, pool.StatusOpen, pool.StatusClaimed); err != nil {
			return Claim{}, err
		}
	case req.Status == pool.StatusOpen:
		// First shared claim flips the request; later ones leave it alone.
		if err := a.requests.TransitionStatus(ctx, tx, req.ID, pool.StatusOpen, pool.StatusOpenShared); err != nil {
			return Claim{}, err
		}
	}

	if a.leads != nil {
		if err := a.leads.Open(ctx, tx, params.AgentID, req.ID, "pool_claim"); err != nil {
			return Claim{}, err
		}
	}
	if a.audit != nil {
		payload := map[string]any{
			"claim_id":   created.ID,
			"expires_at": created.ExpiresAt.UTC(),
		}
		if err := a.audit.Record(ctx, tx, params.AgentID, "CLAIM", "BUYER_REQUEST", req.ID, payload); err != nil {
			return Claim{}, err
		}
	}
	if a.outbox != nil {
		payload := map[string]any{
			"claim_id":   created.ID,
			"request_id": req.ID,
			"agent_id":   params.AgentID,
		}
		if err := a.outbox.Enqueue(ctx, tx, "pool.claimed", payload); err != nil {
			return Claim{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Claim{}, fmt.Errorf("claim: commit: %w", err)
	}
	return created, nil
}

type ReleaseParams struct {
	AgentID string
	ClaimID string
}

// Release is the agent-initiated counterpart of expiry: the claim moves to
// RELEASED and the request reopens immediately when no live claims remain.
func (a *Arbitrator) Release(ctx context.Context, params ReleaseParams) error {
	if params.AgentID == "" || params.ClaimID == "" {
		return fmt.Errorf("claim: release missing agent or claim id")
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("claim: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := a.ledger.GetForUpdate(ctx, tx, params.ClaimID)
	if err != nil {
		return err
	}
	if c.AgentID != params.AgentID {
		return ErrNotOwner
	}
	if c.Status != StatusActive {
		return ErrClaimNotActive
	}

	req, err := a.requests.GetForUpdate(ctx, tx, c.RequestID)
	if err != nil {
		return err
	}

	if err := a.ledger.SetStatus(ctx, tx, c.ID, StatusActive, StatusReleased); err != nil {
		return err
	}

	if err := a.reopenIfIdle(ctx, tx, req); err != nil {
		return err
	}

	if a.audit != nil {
		if err := a.audit.Record(ctx, tx, params.AgentID, "RELEASE", "CLAIM", c.ID, map[string]any{"request_id": c.RequestID}); err != nil {
			return err
		}
	}
	if a.outbox != nil {
		payload := map[string]any{
			"claim_id":   c.ID,
			"request_id": c.RequestID,
			"agent_id":   params.AgentID,
		}
		if err := a.outbox.Enqueue(ctx, tx, "pool.released", payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("claim: commit release: %w", err)
	}
	return nil
}

type CompleteParams struct {
	AgentID string
	ClaimID string
}

// Complete records the agent's resolution of the lead: the claim reaches its
// COMPLETED terminal status and the request leaves the pool for good.
func (a *Arbitrator) Complete(ctx context.Context, params CompleteParams) error {
	if params.AgentID == "" || params.ClaimID == "" {
		return fmt.Errorf("claim: complete missing agent or claim id")
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("claim: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := a.ledger.GetForUpdate(ctx, tx, params.ClaimID)
	if err != nil {
		return err
	}
	if c.AgentID != params.AgentID {
		return ErrNotOwner
	}
	if c.Status != StatusActive {
		return ErrClaimNotActive
	}

	req, err := a.requests.GetForUpdate(ctx, tx, c.RequestID)
	if err != nil {
		return err
	}

	if err := a.ledger.SetStatus(ctx, tx, c.ID, StatusActive, StatusCompleted); err != nil {
		return err
	}
	if req.Status != pool.StatusClosed {
		if err := a.requests.TransitionStatus(ctx, tx, req.ID, req.Status, pool.StatusClosed); err != nil {
			return err
		}
	}

	if a.audit != nil {
		if err := a.audit.Record(ctx, tx, params.AgentID, "COMPLETE", "CLAIM", c.ID, map[string]any{"request_id": c.RequestID}); err != nil {
			return err
		}
	}
	if a.outbox != nil {
		payload := map[string]any{
			"claim_id":   c.ID,
			"request_id": c.RequestID,
			"agent_id":   params.AgentID,
		}
		if err := a.outbox.Enqueue(ctx, tx, "pool.completed", payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("claim: commit complete: %w", err)
	}
	return nil
}

// reopenIfIdle sets the request back to OPEN when no live claims remain.
// The caller must already hold the request row lock.
func (a *Arbitrator) reopenIfIdle(ctx context.Context, tx pgx.Tx, req pool.BuyerRequest) error {
	live, err := a.ledger.CountLive(ctx, tx, req.ID, a.now())
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}
	if req.Status != pool.StatusClaimed && req.Status != pool.StatusOpenShared {
		return nil
	}
	return a.requests.TransitionStatus(ctx, tx, req.ID, req.Status, pool.StatusOpen)
}

func sleepJittered(ctx context.Context, base time.Duration, attempt int) error {
	d := base << uint(attempt)
	d += time.Duration(rand.Int63n(int64(base)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
