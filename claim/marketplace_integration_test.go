package claim

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"leadpool/audit"
	"leadpool/lead"
	"leadpool/outbox"
	"leadpool/pool"
)

// End to end over the side effects of a claim: lead opened, audit trail
// written, outbox message drained.
func TestClaimWritesLeadAuditAndOutbox(t *testing.T) {
	pgPool := integrationPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	creator := seedAgent(ctx, t, pgPool, "Creator")
	req := seedRequest(ctx, t, pgPool, creator, false)
	agentID := seedAgent(ctx, t, pgPool, "Claimer")
	rival := seedAgent(ctx, t, pgPool, "Rival")
	cleanupRequest(t, pgPool, req.ID, creator, agentID, rival)

	leads := lead.NewRepository(pgPool)
	arb := NewArbitrator(pgPool, pool.NewRepository(pgPool), NewLedger(pgPool)).
		WithLeadWriter(leads).
		WithAuditAndOutbox(audit.NewRecorder(), outbox.NewWriter())

	c, err := arb.Claim(ctx, ClaimParams{AgentID: agentID, RequestID: req.ID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	records, err := leads.ListForAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("list leads: %v", err)
	}
	var opened *lead.Record
	for i := range records {
		if records[i].RequestID == req.ID {
			opened = &records[i]
			break
		}
	}
	if opened == nil {
		t.Fatalf("expected a lead for the claimed request")
	}
	if opened.Status != lead.StatusNew || opened.Source != "pool_claim" {
		t.Fatalf("unexpected lead %+v", opened)
	}

	// Only the owning agent may move the lead through the CRM lifecycle.
	if _, err := leads.UpdateStatus(ctx, rival, opened.ID, lead.StatusContacted); !errors.Is(err, lead.ErrNotFound) {
		t.Fatalf("expected rival update to miss, got %v", err)
	}
	rec, err := leads.UpdateStatus(ctx, agentID, opened.ID, lead.StatusContacted)
	if err != nil {
		t.Fatalf("update lead: %v", err)
	}
	if rec.Status != lead.StatusContacted {
		t.Fatalf("expected CONTACTED, got %s", rec.Status)
	}

	entries, err := audit.ListForEntity(ctx, pgPool, "BUYER_REQUEST", req.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	foundClaim := false
	for _, e := range entries {
		if e.Action == "CLAIM" && e.ActorID != nil && *e.ActorID == agentID {
			foundClaim = true
		}
	}
	if !foundClaim {
		t.Fatalf("expected a CLAIM audit entry, got %d entries", len(entries))
	}

	msgs, err := outbox.Drain(ctx, pgPool, 100)
	if err != nil {
		t.Fatalf("drain outbox: %v", err)
	}
	foundMsg := false
	for _, m := range msgs {
		if m.Topic != "pool.claimed" {
			continue
		}
		var payload struct {
			ClaimID   string `json:"claim_id"`
			RequestID string `json:"request_id"`
			AgentID   string `json:"agent_id"`
		}
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.ClaimID == c.ID && payload.RequestID == req.ID && payload.AgentID == agentID {
			foundMsg = true
		}
	}
	if !foundMsg {
		t.Fatalf("expected a pool.claimed outbox message for claim %s", c.ID)
	}

	// Drained means drained.
	var pending int
	if err := pgPool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending' AND payload->>'claim_id' = $1`, c.ID).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected no pending message left for the claim, got %d", pending)
	}
}
