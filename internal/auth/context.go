// ABOUTME: Identity context for tracking the calling party through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Identity is the party a request acts for.
type Identity struct {
	PartyID   string
	Anonymous bool // claimed through X-Party-ID without a token
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// PartyFromContext returns the calling party id, or "" when unauthenticated.
func PartyFromContext(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.PartyID
	}
	return ""
}
