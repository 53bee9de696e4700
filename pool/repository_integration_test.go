package pool

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pgPool.Close)

	var exists bool
	if err := pgPool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'buyer_requests')`).Scan(&exists); err != nil || !exists {
		t.Skip("buyer_requests table does not exist; ensure migrations are applied")
	}
	return pgPool
}

func TestRepositoryListOpen(t *testing.T) {
	pgPool := integrationPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var creator string
	if err := pgPool.QueryRow(ctx, `
		INSERT INTO agents (email, full_name, password_hash, role)
		VALUES ($1, 'Intake Desk', 'x', 'intake')
		RETURNING id
	`, fmt.Sprintf("intake+%d@example.com", time.Now().UnixNano())).Scan(&creator); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	// A throwaway city keeps the assertions independent of other rows.
	city := fmt.Sprintf("Testville-%d", time.Now().UnixNano())
	svc := NewService(pgPool, nil, nil, nil)

	mk := func(propertyType string, minPrice, maxPrice int64) BuyerRequest {
		req, err := svc.Create(ctx, CreateParams{
			CreatedByUserID: creator,
			City:            city,
			PropertyType:    propertyType,
			MinPrice:        minPrice,
			MaxPrice:        maxPrice,
			Contact:         Contact{Name: "Sara", Phone: "0501234567", Email: "sara@example.com"},
		})
		if err != nil {
			t.Fatalf("seed request: %v", err)
		}
		return req
	}

	cheap := mk("apartment", 300_000, 500_000)
	mid := mk("apartment", 500_000, 900_000)
	villa := mk("villa", 1_200_000, 2_000_000)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		for _, id := range []string{cheap.ID, mid.ID, villa.ID} {
			pgPool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'request_id' = $1`, id)
			pgPool.Exec(ctx2, `DELETE FROM audit_logs WHERE entity_id = $1`, id)
			pgPool.Exec(ctx2, `DELETE FROM buyer_requests WHERE id = $1`, id)
		}
		pgPool.Exec(ctx2, `DELETE FROM agents WHERE id = $1`, creator)
	})

	repo := NewRepository(pgPool)

	items, total, err := repo.ListOpen(ctx, Filters{City: city})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("expected 3 requests, got total=%d len=%d", total, len(items))
	}
	for _, s := range items {
		if s.MaskedContact == "" {
			t.Fatalf("summary %s is missing the masked contact", s.ID)
		}
		if strings.Contains(s.MaskedContact, "0501234567") {
			t.Fatalf("summary %s leaks the raw phone", s.ID)
		}
	}

	// A price filter matches on interval overlap, not containment.
	items, _, err = repo.ListOpen(ctx, Filters{City: city, MinPrice: 800_000, MaxPrice: 1_500_000})
	if err != nil {
		t.Fatalf("list by price: %v", err)
	}
	got := map[string]bool{}
	for _, s := range items {
		got[s.ID] = true
	}
	if !got[mid.ID] || !got[villa.ID] || got[cheap.ID] {
		t.Fatalf("unexpected price overlap result: %v", got)
	}

	items, _, err = repo.ListOpen(ctx, Filters{City: city, PropertyType: "villa"})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(items) != 1 || items[0].ID != villa.ID {
		t.Fatalf("expected only the villa, got %+v", items)
	}

	// Claimed requests leave the pool view.
	tx, err := pgPool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.TransitionStatus(ctx, tx, mid.ID, StatusOpen, StatusClaimed); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, total, err = repo.ListOpen(ctx, Filters{City: city})
	if err != nil {
		t.Fatalf("list after claim: %v", err)
	}
	if total != 2 {
		t.Fatalf("claimed request must leave the pool, got total=%d", total)
	}

	// A conditional move against a stale status fails without touching the row.
	tx, err = pgPool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := repo.TransitionStatus(ctx, tx, mid.ID, StatusOpen, StatusClaimed); err != ErrStatusConflict {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}
