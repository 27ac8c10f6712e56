package shared

import "context"

// Principal is the authenticated identity making a request. It is resolved and
// verified upstream; the access-control gate never inspects credentials.
type Principal struct {
	ID       int64
	TenantID *int64
	// Roles is the role names captured when the session was issued. It is
	// informational only; authorization always resolves the user's current
	// roles from the role store, so a stale or forged list grants nothing.
	Roles []string
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
