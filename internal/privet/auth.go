// Package privet implements the Privet local HTTP API from spec.md §4.7:
// route dispatch, the anonymous/viewer/user/manager/owner scope model, and
// the pairing/auth endpoints that bootstrap a trusted local session.
//
// Grounded directly on internal/api/router.go (chi router, route groups)
// and internal/api/middleware/auth.go (provider-chain authentication
// storing an Identity in request context via pkg/middleware). The
// provider-chain abstraction is pkg/contracts.AuthProvider/
// AuthProviderChain, re-themed here with two providers (token, anonymous)
// instead of an API-key/service-account pair.
package privet

import (
	"context"
	"net/http"
	"strings"

	"github.com/applianced/applianced/internal/security"
	"github.com/applianced/applianced/internal/settingsstore"
	"github.com/applianced/applianced/pkg/contracts"
	"github.com/applianced/applianced/pkg/models"
)

// TokenProvider authenticates the "Privet <token>" form via the Security
// manager's HMAC-signed bearer tokens.
type TokenProvider struct {
	security *security.Manager
}

// NewTokenProvider builds a TokenProvider.
func NewTokenProvider(sec *security.Manager) *TokenProvider {
	return &TokenProvider{security: sec}
}

func (p *TokenProvider) Name() string  { return "token" }
func (p *TokenProvider) Enabled() bool { return true }

func (p *TokenProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(raw, "Privet ")
	if !ok {
		return nil, nil
	}
	if rest == "anonymous" {
		return nil, nil // handled by AnonymousProvider
	}

	access, err := p.security.ValidateToken(rest)
	if err != nil {
		return nil, err
	}
	return &contracts.Identity{
		Subject:   access.UserID,
		Role:      access.Role,
		Provider:  "token",
		ExpiresAt: access.ExpiresAt,
	}, nil
}

// AnonymousProvider accepts "Privet anonymous" when Settings permit it,
// granting the configured local_anonymous_access_role (spec.md §4.7).
type AnonymousProvider struct {
	settings *settingsstore.Store
}

// NewAnonymousProvider builds an AnonymousProvider.
func NewAnonymousProvider(settings *settingsstore.Store) *AnonymousProvider {
	return &AnonymousProvider{settings: settings}
}

func (p *AnonymousProvider) Name() string  { return "anonymous" }
func (p *AnonymousProvider) Enabled() bool { return true }

func (p *AnonymousProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := r.Header.Get("Authorization")
	if raw != "Privet anonymous" {
		return nil, nil // no Authorization header at all is "no provider matched", not anonymous
	}

	role := p.settings.Get().LocalAnonymousAccessRole
	if role == "" {
		role = models.RoleNone
	}
	return &contracts.Identity{Subject: "anonymous", Role: role, Provider: "anonymous"}, nil
}

// Chain tries each registered AuthProvider in order, stopping at the first
// one that produces an Identity or a hard error.
type Chain struct {
	providers []contracts.AuthProvider
}

// NewChain builds an empty Chain.
func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) RegisterProvider(p contracts.AuthProvider) {
	c.providers = append(c.providers, p)
}

func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	for _, p := range c.providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			return identity, nil
		}
	}
	return nil, nil
}
