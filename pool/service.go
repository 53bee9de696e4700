package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type AuditWriter interface {
	Record(ctx context.Context, tx pgx.Tx, actorID, action, entity, entityID string, payload map[string]any) error
}

// Service covers intake and pool browsing. Claims and releases are the
// arbitrator's business; this service never mutates a request past creation.
type Service struct {
	pool        *pgxpool.Pool
	repo        Repository
	outbox      OutboxWriter
	audit       AuditWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	CreatedByUserID   string
	City              string
	PropertyType      string
	MinPrice          int64
	MaxPrice          int64
	MinBedrooms       *int
	MaxBedrooms       *int
	Notes             *string
	Contact           Contact
	MultiAgentAllowed bool
}

type ListResult struct {
	Items []Summary
	Total int
}

func NewService(pool *pgxpool.Pool, repo Repository, outbox OutboxWriter, audit AuditWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		audit:       audit,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create performs lead intake: the request lands in the pool as OPEN with a
// precomputed masked contact.
func (s *Service) Create(ctx context.Context, params CreateParams) (BuyerRequest, error) {
	if params.CreatedByUserID == "" {
		return BuyerRequest{}, fmt.Errorf("pool: missing creator user id")
	}
	if strings.TrimSpace(params.City) == "" {
		return BuyerRequest{}, fmt.Errorf("pool: city required")
	}
	if params.MinPrice <= 0 || params.MaxPrice <= 0 || params.MinPrice > params.MaxPrice {
		return BuyerRequest{}, fmt.Errorf("pool: invalid price range")
	}
	if strings.TrimSpace(params.Contact.Name) == "" || strings.TrimSpace(params.Contact.Phone) == "" {
		return BuyerRequest{}, fmt.Errorf("pool: contact name and phone required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return BuyerRequest{}, fmt.Errorf("pool: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := BuyerRequest{
		ID:                s.idGenerator(),
		CreatedByUserID:   params.CreatedByUserID,
		City:              params.City,
		PropertyType:      params.PropertyType,
		MinPrice:          params.MinPrice,
		MaxPrice:          params.MaxPrice,
		MinBedrooms:       params.MinBedrooms,
		MaxBedrooms:       params.MaxBedrooms,
		Notes:             params.Notes,
		Contact:           params.Contact,
		MaskedContact:     MaskContact(params.Contact),
		MultiAgentAllowed: params.MultiAgentAllowed,
		Status:            StatusOpen,
	}

	created, err := s.repo.Create(ctx, tx, req)
	if err != nil {
		return BuyerRequest{}, err
	}

	if s.audit != nil {
		payload := map[string]any{
			"city":                created.City,
			"multi_agent_allowed": created.MultiAgentAllowed,
		}
		if err := s.audit.Record(ctx, tx, params.CreatedByUserID, "INTAKE", "BUYER_REQUEST", created.ID, payload); err != nil {
			return BuyerRequest{}, fmt.Errorf("pool: record intake audit: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"request_id": created.ID,
			"status":     created.Status,
		}
		if err := s.outbox.Enqueue(ctx, tx, "pool.request_created", payload); err != nil {
			return BuyerRequest{}, fmt.Errorf("pool: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BuyerRequest{}, fmt.Errorf("pool: commit tx: %w", err)
	}

	return created, nil
}

// List serves the masked pool view.
func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.ListOpen(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}
