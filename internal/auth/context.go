package auth

import "context"

// Principal is the authenticated caller. ClientID keys per-client rate limits.
type Principal struct {
	ClientID   string
	ActorID    string
	TokenID    string
	Scopes     []string
	AuthMethod string // none, api_key or jwt
}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
