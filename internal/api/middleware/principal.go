package middleware

import (
	"context"

	"github.com/apphub-io/timestore/internal/iam"
)

// principalKey is the context key for the resolved IAM principal.
type principalKey struct{}

// WithPrincipalContext attaches a resolved principal to a context.
func WithPrincipalContext(ctx context.Context, principal *iam.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// GetPrincipal extracts the IAM principal from the request context. Requests
// that never passed WithPrincipal get an anonymous principal with no scopes.
func GetPrincipal(ctx context.Context) *iam.Principal {
	if principal, ok := ctx.Value(principalKey{}).(*iam.Principal); ok {
		return principal
	}

	return iam.NewPrincipal("", nil)
}
