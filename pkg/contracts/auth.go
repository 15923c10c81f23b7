package contracts

import (
	"context"
	"net/http"
	"time"

	"github.com/applianced/applianced/pkg/models"
)

// Identity represents an authenticated Privet caller. Produced by an
// AuthProvider, consumed by route handlers to enforce minimum roles.
//
// This is the authn/authz boundary: handlers never know whether the
// caller came from a pairing-minted token or the anonymous fallback.
type Identity struct {
	Subject   string      // opaque user id, or "anonymous"
	Role      models.Role // effective scope for this request
	Provider  string      // "token" or "anonymous"
	ExpiresAt time.Time
}

// AuthProvider authenticates one HTTP request and returns an Identity.
//
// Contract (grounded on auth.ProviderChain):
//   - (*Identity, nil) -> authenticated, stop walking the chain
//   - (nil, nil)       -> this provider doesn't apply, try the next one
//   - (nil, error)     -> authentication was attempted and failed, reject
type AuthProvider interface {
	Name() string
	Enabled() bool
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// AuthProviderChain tries providers in registration order until one
// produces an Identity.
type AuthProviderChain interface {
	RegisterProvider(p AuthProvider)
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
