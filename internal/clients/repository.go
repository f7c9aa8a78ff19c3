package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relay-crm/relay/internal/platform/httpx"
)

// ErrNotFound indicates client not found.
var ErrNotFound = fmt.Errorf("clients: %w", httpx.ErrNotFound)

// Repository provides PostgreSQL backed persistence for clients.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a client record.
func (r *Repository) Create(ctx context.Context, input CreateClientInput) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx, `
		INSERT INTO clients (org_id, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, org_id, name, email, created_at, updated_at`,
		input.OrgID, input.Name, strings.ToLower(input.Email),
	).Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get retrieves a client by ID scoped to an organization.
func (r *Repository) Get(ctx context.Context, orgID, id int64) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, email, created_at, updated_at
		FROM clients WHERE id = $1 AND org_id = $2`, id, orgID).
		Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns all clients of an organization.
func (r *Repository) List(ctx context.Context, orgID int64) ([]Client, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, name, email, created_at, updated_at
		FROM clients WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update rewrites name/email of a client record.
func (r *Repository) Update(ctx context.Context, input UpdateClientInput) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx, `
		UPDATE clients SET name = $3, email = $4, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
		RETURNING id, org_id, name, email, created_at, updated_at`,
		input.ID, input.OrgID, input.Name, strings.ToLower(input.Email),
	).Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindByEmails returns clients of an organization whose email matches any of
// the given lowercase candidates.
func (r *Repository) FindByEmails(ctx context.Context, orgID int64, emails []string) ([]Client, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	query := `SELECT id, org_id, name, email, created_at, updated_at FROM clients WHERE email = ANY($1)`
	args := []any{emails}
	if orgID > 0 {
		query += ` AND org_id = $2`
		args = append(args, orgID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
