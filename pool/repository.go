package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("pool: request not found")
	// ErrStatusConflict signals a conditional transition observed a status
	// other than the one it expected.
	ErrStatusConflict = errors.New("pool: request status conflict")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req BuyerRequest) (BuyerRequest, error)
	ListOpen(ctx context.Context, filters Filters) ([]Summary, int, error)
	Get(ctx context.Context, id string) (BuyerRequest, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (BuyerRequest, error)
	TransitionStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, created_by_user_id, city, property_type, min_price, max_price,
       min_bedrooms, max_bedrooms, notes, full_contact, masked_contact,
       multi_agent_allowed, status, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req BuyerRequest) (BuyerRequest, error) {
	contact, err := json.Marshal(req.Contact)
	if err != nil {
		return BuyerRequest{}, fmt.Errorf("pool: marshal contact: %w", err)
	}

	query := fmt.Sprintf(`
        INSERT INTO buyer_requests (id, created_by_user_id, city, property_type, min_price, max_price,
            min_bedrooms, max_bedrooms, notes, full_contact, masked_contact, multi_agent_allowed, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13::buyer_request_status)
        RETURNING %s
    `, requestColumns)

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.CreatedByUserID,
		req.City,
		req.PropertyType,
		req.MinPrice,
		req.MaxPrice,
		req.MinBedrooms,
		req.MaxBedrooms,
		req.Notes,
		contact,
		req.MaskedContact,
		req.MultiAgentAllowed,
		req.Status,
	)

	return scanRequest(row)
}

// ListOpen returns masked projections of claimable requests. A request
// matches a price filter when its [min_price, max_price] interval intersects
// the requested range.
func (r *PGRepository) ListOpen(ctx context.Context, filters Filters) ([]Summary, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT id, city, property_type, min_price, max_price, min_bedrooms, max_bedrooms,
                    notes, masked_contact, multi_agent_allowed, status, created_at
             FROM buyer_requests`
	where := []string{"status IN ('OPEN','OPEN_SHARED')"}
	args := []any{}

	if filters.City != "" {
		where = append(where, fmt.Sprintf("city=$%d", len(args)+1))
		args = append(args, filters.City)
	}
	if filters.PropertyType != "" {
		where = append(where, fmt.Sprintf("property_type=$%d", len(args)+1))
		args = append(args, filters.PropertyType)
	}
	if filters.MinPrice > 0 {
		where = append(where, fmt.Sprintf("max_price >= $%d", len(args)+1))
		args = append(args, filters.MinPrice)
	}
	if filters.MaxPrice > 0 {
		where = append(where, fmt.Sprintf("min_price <= $%d", len(args)+1))
		args = append(args, filters.MaxPrice)
	}
	if filters.MinBedrooms > 0 {
		where = append(where, fmt.Sprintf("max_bedrooms >= $%d", len(args)+1))
		args = append(args, filters.MinBedrooms)
	}
	if filters.MaxBedrooms > 0 {
		where = append(where, fmt.Sprintf("min_bedrooms <= $%d", len(args)+1))
		args = append(args, filters.MaxBedrooms)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pool: query list: %w", err)
	}
	defer rows.Close()

	list := []Summary{}
	for rows.Next() {
		var s Summary
		if err := rows.Scan(
			&s.ID,
			&s.City,
			&s.PropertyType,
			&s.MinPrice,
			&s.MaxPrice,
			&s.MinBedrooms,
			&s.MaxBedrooms,
			&s.Notes,
			&s.MaskedContact,
			&s.MultiAgentAllowed,
			&s.Status,
			&s.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("pool: scan summary: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pool: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM buyer_requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pool: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (BuyerRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM buyer_requests WHERE id = $1`, requestColumns)
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerRequest{}, ErrNotFound
		}
		return BuyerRequest{}, fmt.Errorf("pool: get request: %w", err)
	}
	return req, nil
}

// GetForUpdate reads the request row under a row-level lock. Callers hold it
// for the remainder of the transaction, serializing concurrent claim attempts
// on the same request.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (BuyerRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM buyer_requests WHERE id = $1 FOR UPDATE`, requestColumns)
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyerRequest{}, ErrNotFound
		}
		return BuyerRequest{}, fmt.Errorf("pool: get for update: %w", err)
	}
	return req, nil
}

// TransitionStatus performs a conditional status move. It fails with
// ErrStatusConflict when the row is no longer in the expected source status,
// which keeps the move safe even under read-committed isolation.
func (r *PGRepository) TransitionStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE buyer_requests
		SET status = $3::buyer_request_status,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $2::buyer_request_status
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("pool: transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func scanRequest(row pgx.Row) (BuyerRequest, error) {
	var (
		req     BuyerRequest
		contact []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.CreatedByUserID,
		&req.City,
		&req.PropertyType,
		&req.MinPrice,
		&req.MaxPrice,
		&req.MinBedrooms,
		&req.MaxBedrooms,
		&req.Notes,
		&contact,
		&req.MaskedContact,
		&req.MultiAgentAllowed,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return BuyerRequest{}, err
	}
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &req.Contact); err != nil {
			return BuyerRequest{}, fmt.Errorf("pool: unmarshal contact: %w", err)
		}
	}
	return req, nil
}

func mapSortKey(key string) string {
	switch key {
	case "minPrice":
		return "min_price"
	case "maxPrice":
		return "max_price"
	case "propertyType":
		return "property_type"
	case "city":
		return "city"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
