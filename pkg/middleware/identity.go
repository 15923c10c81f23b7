// Package middleware holds the small set of context-key helpers shared
// between the Privet authentication chain and route handlers.
//
// Grounded on pkg/middleware/identity.go's context-key convention, with
// the multi-tenant concept dropped since applianced serves exactly one
// device, not a multi-tenant control plane.
package middleware

import (
	"context"

	"github.com/applianced/applianced/pkg/contracts"
)

type identityKey struct{}

// WithIdentity returns a context carrying identity for downstream handlers.
func WithIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom extracts the Identity set by the auth chain, if any.
func IdentityFrom(ctx context.Context) (*contracts.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*contracts.Identity)
	return identity, ok && identity != nil
}
