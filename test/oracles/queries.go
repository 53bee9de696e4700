package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the stored-state invariants of the claim marketplace. Each
// query selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_exclusive_single_active",
			SQL: `SELECT c.request_id, COUNT(*) FROM claims c
                  JOIN buyer_requests r ON r.id = c.request_id
                  WHERE c.status = 'ACTIVE' AND NOT r.multi_agent_allowed
                  GROUP BY c.request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_claimed_has_one_active",
			SQL: `SELECT r.id FROM buyer_requests r
                  WHERE r.status = 'CLAIMED'
                    AND (SELECT COUNT(*) FROM claims c WHERE c.request_id = r.id AND c.status = 'ACTIVE') <> 1`,
		},
		{
			Name: "O3_open_has_no_live_claim",
			SQL: `SELECT r.id, c.id FROM buyer_requests r
                  JOIN claims c ON c.request_id = r.id
                  WHERE r.status = 'OPEN' AND c.status = 'ACTIVE' AND c.expires_at > now()`,
		},
		{
			Name: "O4_no_duplicate_holder",
			SQL: `SELECT request_id, agent_id, COUNT(*) FROM claims
                  WHERE status = 'ACTIVE'
                  GROUP BY request_id, agent_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_expired_means_lapsed",
			SQL:  `SELECT id FROM claims WHERE status = 'EXPIRED' AND expires_at > now()`,
		},
		{
			Name: "O6_shared_cap_respected",
			SQL: `SELECT c.request_id, COUNT(*) FROM claims c
                  JOIN buyer_requests r ON r.id = c.request_id
                  WHERE c.status = 'ACTIVE' AND c.expires_at > now() AND r.multi_agent_allowed
                  GROUP BY c.request_id HAVING COUNT(*) > 3`,
		},
		{
			Name: "O7_every_claim_opened_a_lead",
			SQL: `SELECT c.id FROM claims c
                  WHERE NOT EXISTS (
                      SELECT 1 FROM leads l WHERE l.request_id = c.request_id AND l.agent_id = c.agent_id
                  )`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
