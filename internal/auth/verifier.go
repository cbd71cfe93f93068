// Package auth consumes the platform's identity provider. The engine never
// manages users itself; it verifies the JWT the identity provider issued
// and extracts the organization context every user-facing request runs in.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Identity is the authenticated organization context extracted from a
// verified JWT.
type Identity struct {
	UserID string `json:"userId"`
	OrgID  string `json:"orgId"`
	Email  string `json:"email"`
}

// Verifier validates identity-provider JWTs against a cached JWKS, so the
// hot path never blocks on a key fetch.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   sync.RWMutex
	refreshTTL time.Duration
}

// NewVerifier fetches the JWKS once to warm the cache and refreshes it in
// the background from then on.
func NewVerifier(jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()
		if err != nil {
			// Keep serving the previous key set; retry on the next tick.
			continue
		}
		v.keySetMu.Lock()
		v.keySet = keySet
		v.keySetMu.Unlock()
	}
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// IdentityFromRequest parses and validates the bearer JWT on the request.
// A token without both a subject and an organization claim is rejected:
// everything the engine stores is scoped to an organization.
func (v *Verifier) IdentityFromRequest(r *http.Request) (*Identity, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var orgID string
	if claim, ok := token.Get("org_id"); ok {
		orgID, _ = claim.(string)
	}
	if orgID == "" {
		return nil, fmt.Errorf("token missing org_id claim")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &Identity{UserID: userID, OrgID: orgID, Email: email}, nil
}
