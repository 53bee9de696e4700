package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAgentNotFound signals that the agent does not exist.
	ErrAgentNotFound = errors.New("auth: agent not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error)
	GetAgentByEmail(ctx context.Context, email string) (Agent, error)
	GetAgentByID(ctx context.Context, agentID string) (Agent, error)
}

// CreateAgentParams contains write parameters for creating agents.
type CreateAgentParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agentColumns = `id, email, full_name, password_hash, phone, agency_name, role, created_at, updated_at`

// CreateAgent inserts a new agent with hashed password.
func (r *PGRepository) CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO agents (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING %s
	`, agentColumns)

	agent, err := scanAgent(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Agent{}, ErrDuplicateEmail
		}
		return Agent{}, fmt.Errorf("auth: create agent: %w", err)
	}

	return agent, nil
}

// GetAgentByEmail retrieves an agent by email address.
func (r *PGRepository) GetAgentByEmail(ctx context.Context, email string) (Agent, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM agents WHERE email = $1`, agentColumns)

	agent, err := scanAgent(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("auth: get agent by email: %w", err)
	}

	return agent, nil
}

// GetAgentByID retrieves an agent by ID.
func (r *PGRepository) GetAgentByID(ctx context.Context, agentID string) (Agent, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM agents WHERE id = $1`, agentColumns)

	agent, err := scanAgent(r.pool.QueryRow(ctx, selectSQL, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("auth: get agent by id: %w", err)
	}

	return agent, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var agent Agent
	err := row.Scan(
		&agent.ID,
		&agent.Email,
		&agent.FullName,
		&agent.PasswordHash,
		&agent.Phone,
		&agent.AgencyName,
		&agent.Role,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}
