package authz

import "context"

type contextKey int

const principalKey contextKey = iota

// WithPrincipal stores the resolved principal on the request context. The
// capability set is computed once per request; only the principal belongs in
// the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal. The zero principal (no id, no
// capabilities) is returned when none was resolved, so capability checks
// fail closed.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey).(Principal)
	return p
}
