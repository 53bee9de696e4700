package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadpool/pool"
)

type fakeRequestGetter struct {
	req pool.BuyerRequest
	err error
}

func (f *fakeRequestGetter) Get(_ context.Context, _ string) (pool.BuyerRequest, error) {
	if f.err != nil {
		return pool.BuyerRequest{}, f.err
	}
	return f.req, nil
}

// fakeHolderChecker applies the same lease predicate as the database query:
// the agent holds rights while expires_at is strictly in the future.
type fakeHolderChecker struct {
	agentID   string
	expiresAt time.Time
}

func (f *fakeHolderChecker) HoldsLive(_ context.Context, _, agentID string, now time.Time) (bool, error) {
	return agentID == f.agentID && f.expiresAt.After(now), nil
}

func TestDisclosedContact_HolderSeesFullContact(t *testing.T) {
	contact := pool.Contact{Name: "Sara", Phone: "0501234567", Email: "sara@example.com"}
	requests := &fakeRequestGetter{req: pool.BuyerRequest{
		ID:            "r1",
		Contact:       contact,
		MaskedContact: "05 *** 4567 / sa***@example.com",
	}}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	holders := &fakeHolderChecker{agentID: "a1", expiresAt: now.Add(time.Hour)}

	gate := NewGate(requests, holders).WithClock(func() time.Time { return now })

	d, err := gate.DisclosedContact(context.Background(), "a1", "r1")
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}
	if d.Full == nil || *d.Full != contact {
		t.Fatalf("holder must see the full contact, got %+v", d.Full)
	}
	if d.Masked == "" {
		t.Fatalf("masked summary must always be present")
	}
}

func TestDisclosedContact_MaskedAfterLeaseLapses(t *testing.T) {
	requests := &fakeRequestGetter{req: pool.BuyerRequest{ID: "r1", MaskedContact: "05 *** 4567"}}
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	holders := &fakeHolderChecker{agentID: "a1", expiresAt: expiry}

	// One nanosecond past the lease boundary, before any sweep ran.
	gate := NewGate(requests, holders).WithClock(func() time.Time { return expiry.Add(time.Nanosecond) })

	d, err := gate.DisclosedContact(context.Background(), "a1", "r1")
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}
	if d.Full != nil {
		t.Fatalf("lapsed holder must not see the full contact")
	}
	if d.Masked != "05 *** 4567" {
		t.Fatalf("unexpected masked contact %q", d.Masked)
	}
}

func TestDisclosedContact_ExactExpiryInstantIsMasked(t *testing.T) {
	requests := &fakeRequestGetter{req: pool.BuyerRequest{ID: "r1", MaskedContact: "***"}}
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	holders := &fakeHolderChecker{agentID: "a1", expiresAt: expiry}

	gate := NewGate(requests, holders).WithClock(func() time.Time { return expiry })

	d, err := gate.DisclosedContact(context.Background(), "a1", "r1")
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}
	if d.Full != nil {
		t.Fatalf("expiry is exclusive, full contact must be withheld at the boundary")
	}
}

func TestDisclosedContact_AnonymousCallerGetsMask(t *testing.T) {
	requests := &fakeRequestGetter{req: pool.BuyerRequest{ID: "r1", MaskedContact: "05 *** 4567"}}
	holders := &fakeHolderChecker{agentID: "a1", expiresAt: time.Now().Add(time.Hour)}

	gate := NewGate(requests, holders)

	d, err := gate.DisclosedContact(context.Background(), "", "r1")
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}
	if d.Full != nil {
		t.Fatalf("anonymous caller must never see the full contact")
	}
}

func TestDisclosedContact_NonHolderGetsMask(t *testing.T) {
	requests := &fakeRequestGetter{req: pool.BuyerRequest{ID: "r1", MaskedContact: "05 *** 4567"}}
	holders := &fakeHolderChecker{agentID: "a1", expiresAt: time.Now().Add(time.Hour)}

	gate := NewGate(requests, holders)

	d, err := gate.DisclosedContact(context.Background(), "a2", "r1")
	if err != nil {
		t.Fatalf("disclose: %v", err)
	}
	if d.Full != nil {
		t.Fatalf("non-holder must not see the full contact")
	}
}

func TestDisclosedContact_MissingRequest(t *testing.T) {
	requests := &fakeRequestGetter{err: pool.ErrNotFound}
	gate := NewGate(requests, &fakeHolderChecker{})

	_, err := gate.DisclosedContact(context.Background(), "a1", "nope")
	if !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
