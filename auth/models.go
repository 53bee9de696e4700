package auth

import "time"

type Role string

const (
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleIntake Role = "intake"
)

// Agent is the domain representation of an authenticated marketplace user.
// It mirrors the agents table and should not include JSON annotations so it
// can be reused by different presentation layers.
type Agent struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	AgencyName   *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
