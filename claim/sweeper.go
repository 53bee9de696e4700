package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"leadpool/pool"

	"github.com/robfig/cron/v3"
)

// CandidateSource lists stored-ACTIVE claims whose lease has lapsed.
type CandidateSource interface {
	ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Sweeper reclaims timed-out claims and returns their requests to the pool.
// Readers never wait for it: expiry is derived from the timestamp everywhere
// rights are checked, so the sweep only catches the durable state up.
//
// Each claim is swept in its own short transaction with conditional updates,
// which makes a sweep idempotent and safe to run from several processes at
// once.
type Sweeper struct {
	pool       TxBeginner
	ledger     Ledger
	candidates CandidateSource
	requests   RequestStore
	outbox     OutboxWriter
	audit      AuditWriter
	batchSize  int
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewSweeper(txp TxBeginner, ledger Ledger, candidates CandidateSource, requests RequestStore, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		pool:       txp,
		ledger:     ledger,
		candidates: candidates,
		requests:   requests,
		batchSize:  100,
		interval:   time.Minute,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithAuditAndOutbox(audit AuditWriter, out OutboxWriter) *Sweeper {
	s.audit = audit
	s.outbox = out
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run schedules SweepOnce on the configured interval and blocks until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("sweep pass failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("claim: schedule sweeper: %w", err)
	}

	c.Start()
	s.logger.Info("sweeper started", "interval", s.interval, "batch", s.batchSize)

	<-ctx.Done()
	c.Stop()
	s.logger.Info("sweeper stopped")
	return ctx.Err()
}

// SweepOnce processes one bounded batch. A failed claim never blocks the
// rest of the batch; it stays ACTIVE and is retried on the next tick.
// Returns how many claims were physically expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.candidates.ListExpiredCandidates(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		moved, err := s.sweepClaim(ctx, id)
		if err != nil {
			s.logger.Warn("sweep claim failed", "claim_id", id, "err", err)
			continue
		}
		if moved {
			swept++
		}
	}
	return swept, nil
}

func (s *Sweeper) sweepClaim(ctx context.Context, claimID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("claim: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()

	requestID, moved, err := s.ledger.Expire(ctx, tx, claimID, now)
	if err != nil {
		return false, err
	}
	if !moved {
		// Another sweeper won, or the claim left ACTIVE in the meantime.
		return false, nil
	}

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return false, err
	}

	live, err := s.ledger.CountLive(ctx, tx, requestID, now)
	if err != nil {
		return false, err
	}
	if live == 0 && (req.Status == pool.StatusClaimed || req.Status == pool.StatusOpenShared) {
		if err := s.requests.TransitionStatus(ctx, tx, requestID, req.Status, pool.StatusOpen); err != nil {
			return false, err
		}
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, tx, "", "EXPIRE", "CLAIM", claimID, map[string]any{"request_id": requestID}); err != nil {
			return false, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"claim_id":   claimID,
			"request_id": requestID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "pool.expired", payload); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("claim: commit sweep: %w", err)
	}
	return true, nil
}
