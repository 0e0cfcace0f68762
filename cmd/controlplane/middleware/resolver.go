package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/cmd/controlplane/repository"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/model"
)

// StaticResolver resolves tokens from the configured allowlist. Intended for
// dev environments and smoke tests where no user tables exist.
type StaticResolver struct {
	tokens map[string]model.Principal
}

// NewStaticResolver builds a resolver over the configured static tokens.
func NewStaticResolver(tokens []config.StaticToken) *StaticResolver {
	m := make(map[string]model.Principal, len(tokens))
	for _, tok := range tokens {
		m[tok.Token] = model.Principal{Subject: tok.Subject, Roles: tok.Roles}
	}
	return &StaticResolver{tokens: m}
}

// Resolve looks the token up in the allowlist.
func (r *StaticResolver) Resolve(_ context.Context, token string) (*model.Principal, error) {
	principal, ok := r.tokens[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return &principal, nil
}

// DatabaseResolver resolves tokens against the user tables. Tokens are stored
// hashed, so the raw bearer token is hashed before lookup.
type DatabaseResolver struct {
	users *repository.UserRepository
}

// NewDatabaseResolver builds a resolver over the user repository.
func NewDatabaseResolver(users *repository.UserRepository) *DatabaseResolver {
	return &DatabaseResolver{users: users}
}

// Resolve hashes the token and loads the owning principal.
func (r *DatabaseResolver) Resolve(ctx context.Context, token string) (*model.Principal, error) {
	sum := sha256.Sum256([]byte(token))
	principal, err := r.users.PrincipalByToken(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	return principal, nil
}
