package pool

import "time"

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusOpenShared Status = "OPEN_SHARED"
	StatusClaimed    Status = "CLAIMED"
	StatusClosed     Status = "CLOSED"
)

// Claimable reports whether a request in this status may still accept claims.
func (s Status) Claimable() bool {
	return s == StatusOpen || s == StatusOpenShared
}

// Contact is the structured full-contact record attached to a buyer request.
// It is stored as jsonb and only ever surfaces through the disclosure gate.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type BuyerRequest struct {
	ID                string
	CreatedByUserID   string
	City              string
	PropertyType      string
	MinPrice          int64
	MaxPrice          int64
	MinBedrooms       *int
	MaxBedrooms       *int
	Notes             *string
	Contact           Contact
	MaskedContact     string
	MultiAgentAllowed bool
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Summary is the masked projection served to pool browsers. Full contact
// fields never appear here.
type Summary struct {
	ID                string
	City              string
	PropertyType      string
	MinPrice          int64
	MaxPrice          int64
	MinBedrooms       *int
	MaxBedrooms       *int
	Notes             *string
	MaskedContact     string
	MultiAgentAllowed bool
	Status            Status
	CreatedAt         time.Time
}

type Filters struct {
	City         string
	PropertyType string
	MinPrice     int64
	MaxPrice     int64
	MinBedrooms  int
	MaxBedrooms  int
	Page         int
	PageSize     int
	SortKey      string
	SortOrder    string
}
