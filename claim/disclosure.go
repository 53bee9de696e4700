package claim

import (
	"context"
	"time"

	"leadpool/pool"
)

// RequestGetter is the read-only slice of the pool repository the gate needs.
type RequestGetter interface {
	Get(ctx context.Context, id string) (pool.BuyerRequest, error)
}

// HolderChecker answers whether an agent currently holds disclosure rights.
type HolderChecker interface {
	HoldsLive(ctx context.Context, requestID, agentID string, now time.Time) (bool, error)
}

// Disclosure is what a given caller may see of a request's contact.
type Disclosure struct {
	Masked string
	// Full is set only for the owner of a live claim.
	Full *pool.Contact
}

// Gate computes contact visibility per call. Rights lapse the instant a
// claim's lease does, even before the sweeper physically expires it, so the
// decision is recomputed on every read against the derived-expiry predicate.
type Gate struct {
	requests RequestGetter
	holders  HolderChecker
	now      func() time.Time
}

func NewGate(requests RequestGetter, holders HolderChecker) *Gate {
	return &Gate{
		requests: requests,
		holders:  holders,
		now:      time.Now,
	}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// DisclosedContact returns the full structured contact for the holder of a
// live claim and the masked summary for everyone else. An empty agentID is
// an anonymous caller and always gets the mask.
func (g *Gate) DisclosedContact(ctx context.Context, agentID, requestID string) (Disclosure, error) {
	req, err := g.requests.Get(ctx, requestID)
	if err != nil {
		return Disclosure{}, err
	}

	d := Disclosure{Masked: req.MaskedContact}
	if agentID == "" {
		return d, nil
	}

	holds, err := g.holders.HoldsLive(ctx, requestID, agentID, g.now())
	if err != nil {
		return Disclosure{}, err
	}
	if holds {
		contact := req.Contact
		d.Full = &contact
	}
	return d, nil
}
