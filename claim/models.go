package claim

import "time"

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusReleased  Status = "RELEASED"
	StatusCompleted Status = "COMPLETED"
)

// DefaultTTL is the business lease duration of a claim. It is unrelated to
// any database or network timeout.
const DefaultTTL = 48 * time.Hour

type Claim struct {
	ID        string
	AgentID   string
	RequestID string
	Status    Status
	Notes     *string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredBy reports whether the lease has lapsed at the given instant.
// Expiry is a derived predicate: a stored ACTIVE row past its expiry carries
// no rights even before the sweeper touches it.
func (c Claim) ExpiredBy(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Live reports whether the claim grants rights at the given instant.
func (c Claim) Live(now time.Time) bool {
	return c.Status == StatusActive && !c.ExpiredBy(now)
}
