package lead

import "time"

// Status represents the CRM lifecycle of a lead opened from a claim.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusContacted Status = "CONTACTED"
	StatusQualified Status = "QUALIFIED"
	StatusLost      Status = "LOST"
	StatusWon       Status = "WON"
)

// Record mirrors the leads table.
type Record struct {
	ID        string
	AgentID   string
	RequestID string
	Status    Status
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
