package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetOrg fetches an organization by ID.
func (r *PGRepository) GetOrg(ctx context.Context, id int64) (*Org, error) {
	var org Org
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, token_hash, is_active, created_at FROM orgs WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.TokenHash, &org.IsActive, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

var _ Repository = (*PGRepository)(nil)
