package apikey

import (
	"context"

	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

type contextKey string

const (
	userKey contextKey = "auth_user"
	keyKey  contextKey = "auth_key"
)

// ContextWithAuth stores the verified caller on the context. The gate
// middleware sets it; handlers and RPC services read it back.
func ContextWithAuth(ctx context.Context, user *storage.User, key *storage.APIKey) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, keyKey, key)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *storage.User {
	if u, ok := ctx.Value(userKey).(*storage.User); ok {
		return u
	}
	return nil
}

// KeyFromContext returns the API key that authenticated the request,
// or nil for internally trusted callers.
func KeyFromContext(ctx context.Context) *storage.APIKey {
	if k, ok := ctx.Value(keyKey).(*storage.APIKey); ok {
		return k
	}
	return nil
}
