// Package middleware provides the API authentication and authorization
// middleware for the control plane's HTTP surface.
package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/model"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalKey is the context key for storing the authenticated principal
	PrincipalKey ContextKey = "principal"
)

// ErrUnknownToken is returned by resolvers when a token matches no principal.
var ErrUnknownToken = errors.New("unknown token")

// PrincipalResolver maps a bearer token to the principal it belongs to.
type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*model.Principal, error)
}

// Authenticate extracts the Authorization bearer token, resolves it to a
// principal, and stores the principal in the request context.
//
// Accessing in handlers:
//
//	principal := middleware.GetPrincipal(c)
func Authenticate(resolver PrincipalResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return httperr.New(httperr.KindUnauthorized, "missing bearer token")
			}

			principal, err := resolver.Resolve(c.Request().Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnknownToken) {
					return httperr.New(httperr.KindUnauthorized, "invalid token")
				}
				return httperr.Internal(err)
			}

			c.Set(string(PrincipalKey), principal)
			return next(c)
		}
	}
}

// Require rejects the request unless the authenticated principal carries the
// given role. Admin implies every role. Must run after Authenticate.
func Require(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal := GetPrincipal(c)
			if principal == nil {
				return httperr.New(httperr.KindUnauthorized, "authentication required")
			}
			if !principal.HasRole(role) {
				return httperr.New(httperr.KindForbidden, "insufficient role").
					WithDetails(map[string]interface{}{"required_role": role})
			}
			return next(c)
		}
	}
}

// GetPrincipal retrieves the authenticated principal from the request context.
// Returns nil if Authenticate did not run.
func GetPrincipal(c echo.Context) *model.Principal {
	principal := c.Get(string(PrincipalKey))
	if principal == nil {
		return nil
	}
	return principal.(*model.Principal)
}

// bearerToken splits "Bearer <token>" out of an Authorization header value.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
