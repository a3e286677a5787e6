package auth

import (
	"context"

	"github.com/cascadefn/cascadefn/pkg/models"
)

type principalContextKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the principal from the context.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*models.Principal)
	return principal, ok
}
