package claim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"leadpool/pool"

	"github.com/jackc/pgx/v5"
)

type fakeCandidateSource struct {
	ids []string
	err error
}

func (f *fakeCandidateSource) ListExpiredCandidates(_ context.Context, _ time.Time, _ int) ([]string, error) {
	return f.ids, f.err
}

// sweepLedger drives the conditional-expiry path of the sweeper. Expire
// reports moved only for ids in the expirable set; live feeds CountLive.
type sweepLedger struct {
	fakeLedger
	expirable map[string]string
	expired   []string
	perClaim  map[string]error
}

func (f *sweepLedger) Expire(_ context.Context, _ pgx.Tx, claimID string, _ time.Time) (string, bool, error) {
	if err := f.perClaim[claimID]; err != nil {
		return "", false, err
	}
	requestID, ok := f.expirable[claimID]
	if !ok {
		return "", false, nil
	}
	delete(f.expirable, claimID)
	f.expired = append(f.expired, claimID)
	return requestID, true, nil
}

func newTestSweeper(ledger *sweepLedger, store *fakeRequestStore, candidates *fakeCandidateSource) (*Sweeper, *fakePool) {
	p := &fakePool{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSweeper(p, ledger, candidates, store, logger).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return s, p
}

func TestSweepOnce_ExpiresAndReopens(t *testing.T) {
	store := &fakeRequestStore{req: pool.BuyerRequest{ID: "r1", Status: pool.StatusClaimed}}
	ledger := &sweepLedger{expirable: map[string]string{"c1": "r1"}}
	s, p := newTestSweeper(ledger, store, &fakeCandidateSource{ids: []string{"c1"}})

	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if len(store.transitions) != 1 || store.transitions[0] != "r1:CLAIMED->OPEN" {
		t.Fatalf("unexpected transitions %v", store.transitions)
	}
	if len(p.txs) != 1 || !p.txs[0].committed {
		t.Fatalf("expected one committed tx")
	}
}

func TestSweepOnce_SecondPassIsIdempotent(t *testing.T) {
	store := &fakeRequestStore{req: pool.BuyerRequest{ID: "r1", Status: pool.StatusClaimed}}
	ledger := &sweepLedger{expirable: map[string]string{"c1": "r1"}}
	candidates := &fakeCandidateSource{ids: []string{"c1"}}
	s, _ := newTestSweeper(ledger, store, candidates)

	if n, err := s.SweepOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	// The candidate query may still surface the id before the commit is
	// visible; the conditional update makes the second pass a no-op.
	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep must not move anything, got %d", n)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("request must transition once, got %v", store.transitions)
	}
}

func TestSweepOnce_SharedRequestStaysWhileOthersLive(t *testing.T) {
	store := &fakeRequestStore{req: pool.BuyerRequest{ID: "r1", Status: pool.StatusOpenShared, MultiAgentAllowed: true}}
	ledger := &sweepLedger{expirable: map[string]string{"c1": "r1"}}
	ledger.live = 1
	s, _ := newTestSweeper(ledger, store, &fakeCandidateSource{ids: []string{"c1"}})

	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if len(store.transitions) != 0 {
		t.Fatalf("request with a surviving holder must not reopen, got %v", store.transitions)
	}
}

func TestSweepOnce_FailedClaimDoesNotBlockBatch(t *testing.T) {
	store := &fakeRequestStore{req: pool.BuyerRequest{ID: "r2", Status: pool.StatusClaimed}}
	ledger := &sweepLedger{
		expirable: map[string]string{"c2": "r2"},
		perClaim:  map[string]error{"c1": errors.New("disk on fire")},
	}
	s, _ := newTestSweeper(ledger, store, &fakeCandidateSource{ids: []string{"c1", "c2"}})

	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1 despite the failing claim", n)
	}
	if len(ledger.expired) != 1 || ledger.expired[0] != "c2" {
		t.Fatalf("unexpected expired set %v", ledger.expired)
	}
}

func TestSweepOnce_CancelledContextStopsBatch(t *testing.T) {
	store := &fakeRequestStore{req: pool.BuyerRequest{ID: "r1", Status: pool.StatusClaimed}}
	ledger := &sweepLedger{expirable: map[string]string{"c1": "r1", "c2": "r1"}}
	s, _ := newTestSweeper(ledger, store, &fakeCandidateSource{ids: []string{"c1", "c2"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SweepOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(ledger.expired) != 0 {
		t.Fatalf("no claim should be swept after cancellation, got %v", ledger.expired)
	}
}
