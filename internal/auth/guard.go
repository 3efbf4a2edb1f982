// Package auth consumes the identity the upstream gateway already verified.
// The core never parses tokens; it trusts the forwarded headers and only
// enforces ownership and role checks.
package auth

import (
	"context"
	"net/http"
)

const (
	HeaderCallerID = "X-Caller-Id"
	HeaderRole     = "X-Caller-Role"

	// RoleInternal marks trusted kitchen/delivery callers allowed to
	// advance order status.
	RoleInternal = "internal"
)

type Identity struct {
	CallerID string
	Role     string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func From(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Allow reports whether a caller may touch a resource owned by ownerID.
// Internal callers act on behalf of the system and bypass ownership.
func Allow(id Identity, ownerID string) bool {
	if id.Role == RoleInternal {
		return true
	}
	return id.CallerID == ownerID
}

// Middleware rejects requests without a verified caller identity and stores
// the identity in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID := r.Header.Get(HeaderCallerID)
		if callerID == "" {
			http.Error(w, `{"error":"missing caller identity"}`, http.StatusUnauthorized)
			return
		}
		id := Identity{CallerID: callerID, Role: r.Header.Get(HeaderRole)}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole guards routes restricted to a given role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := From(r.Context())
			if !ok || id.Role != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
