package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/weftlabs/weft/common/db"
	"github.com/weftlabs/weft/common/model"
)

// UserRepository resolves API principals from stored users and roles
type UserRepository struct {
	db *db.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(database *db.DB) *UserRepository {
	return &UserRepository{db: database}
}

// PrincipalByToken resolves the principal owning a bearer token hash. Roles
// come back aggregated in the same round trip; a user with no role grants
// still resolves, with an empty role set.
func (r *UserRepository) PrincipalByToken(ctx context.Context, tokenHash string) (*model.Principal, error) {
	query := `
		SELECT u.subject, COALESCE(array_agg(r.name) FILTER (WHERE r.name IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles r ON r.id = ur.role_id
		WHERE u.token_hash = $1
		GROUP BY u.id, u.subject
	`

	p := &model.Principal{}
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(&p.Subject, &p.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("unknown token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve principal: %w", err)
	}

	return p, nil
}
