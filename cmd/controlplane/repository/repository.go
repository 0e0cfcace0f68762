// Package repository is the Postgres persistence layer: stored workflow
// definitions, the audit trail, principals, and the package index.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors callers map onto API error kinds.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// Listing bounds shared by the repositories.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
