package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"leadpool/audit"
	"leadpool/claim"
	"leadpool/lead"
	"leadpool/outbox"
	"leadpool/pool"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stressLimits keeps the rate limits out of the way so the arbitrator's
// concurrency paths stay under pressure for the whole run.
var stressLimits = claim.Limits{
	MaxActivePerAgent: 1000,
	SharedClaimCap:    3,
}

func newArbitrator(pgPool *pgxpool.Pool, ttl time.Duration) *claim.Arbitrator {
	return claim.NewArbitrator(pgPool, pool.NewRepository(pgPool), claim.NewLedger(pgPool)).
		WithTTL(ttl).
		WithLimits(stressLimits).
		WithLeadWriter(lead.NewRepository(pgPool)).
		WithAuditAndOutbox(audit.NewRecorder(), outbox.NewWriter())
}

// Claimer hammers claimable requests on behalf of one agent. Business
// rejections and lost races are expected under contention; the oracles, not
// the actor, judge the resulting state.
func Claimer(ctx context.Context, pgPool *pgxpool.Pool, agentID string, ttl time.Duration, stop <-chan struct{}) error {
	arb := newArbitrator(pgPool, ttl)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requestID string
		err := pgPool.QueryRow(ctx, `SELECT id FROM buyer_requests WHERE status IN ('OPEN','OPEN_SHARED') ORDER BY random() LIMIT 1`).Scan(&requestID)
		if err == nil {
			_, _ = arb.Claim(ctx, claim.ClaimParams{AgentID: agentID, RequestID: requestID})
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser gives back one of the agent's active claims now and then, and
// occasionally completes one instead, closing the request for good.
func Releaser(ctx context.Context, pgPool *pgxpool.Pool, agentID string, stop <-chan struct{}) error {
	arb := newArbitrator(pgPool, claim.DefaultTTL)
	ledger := claim.NewLedger(pgPool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		claims, err := ledger.ListForAgent(ctx, agentID, 20)
		if err == nil {
			for _, c := range claims {
				if c.Status != claim.StatusActive {
					continue
				}
				if rand.Intn(10) == 0 {
					_ = arb.Complete(ctx, claim.CompleteParams{AgentID: agentID, ClaimID: c.ID})
				} else {
					_ = arb.Release(ctx, claim.ReleaseParams{AgentID: agentID, ClaimID: c.ID})
				}
				break
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Sweeper runs expiry passes far more often than production would, so that
// lapsed claims and concurrent sweeps collide with claimers and releasers.
func Sweeper(ctx context.Context, pgPool *pgxpool.Pool, stop <-chan struct{}) error {
	ledger := claim.NewLedger(pgPool)
	s := claim.NewSweeper(pgPool, ledger, ledger, pool.NewRepository(pgPool), nil).
		WithBatchSize(50)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = s.SweepOnce(ctx)
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// ContactReader polls the disclosure gate as an agent that never claims
// anything. Seeing a full contact even once is an immediate failure.
func ContactReader(ctx context.Context, pgPool *pgxpool.Pool, strangerID string, stop <-chan struct{}) error {
	ledger := claim.NewLedger(pgPool)
	gate := claim.NewGate(pool.NewRepository(pgPool), ledger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requestID string
		if err := pgPool.QueryRow(ctx, `SELECT id FROM buyer_requests ORDER BY random() LIMIT 1`).Scan(&requestID); err == nil {
			for _, caller := range []string{"", strangerID} {
				d, err := gate.DisclosedContact(ctx, caller, requestID)
				if err != nil {
					continue
				}
				if d.Full != nil {
					return fmt.Errorf("contact reader: full contact of request %s disclosed to %q", requestID, caller)
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker drains pending messages concurrently with the writers.
func OutboxWorker(ctx context.Context, pgPool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = outbox.Drain(ctx, pgPool, 10)
		time.Sleep(100 * time.Millisecond)
	}
}

// Intake tops the pool up with fresh requests so claimers never starve,
// alternating exclusive and shared ones.
func Intake(ctx context.Context, pgPool *pgxpool.Pool, creatorID string, stop <-chan struct{}) error {
	svc := pool.NewService(pgPool, nil, outbox.NewWriter(), audit.NewRecorder())
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		n++
		_, _ = svc.Create(ctx, pool.CreateParams{
			CreatedByUserID:   creatorID,
			City:              "Riyadh",
			PropertyType:      "apartment",
			MinPrice:          400_000 + int64(rand.Intn(5))*100_000,
			MaxPrice:          1_000_000 + int64(rand.Intn(5))*100_000,
			Contact:           pool.Contact{Name: "Stress Buyer", Phone: "0501234567", Email: "buyer@example.com"},
			MultiAgentAllowed: n%2 == 0,
		})
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}
