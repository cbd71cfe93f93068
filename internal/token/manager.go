// Package token implements the credential lifecycle: deciding when a stored
// access token is still usable, refreshing it against the provider's token
// endpoint, persisting rotated refresh tokens, and demoting accounts whose
// grant has been revoked.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/atelierhq/mailsync/internal/store"
	"github.com/atelierhq/mailsync/internal/sync"
)

const (
	// ExpiryBuffer is the safety margin before expiry inside which a token
	// is refreshed. Tokens comfortably inside the margin are returned
	// without any network call.
	ExpiryBuffer = 5 * time.Minute

	// LeaseTTL bounds how long a refresh attempt may hold an account's
	// lease. Long enough for one token-endpoint round trip, short enough
	// that a crashed worker does not block the account for a full cycle.
	LeaseTTL = 2 * time.Minute

	refreshTimeout = 30 * time.Second
)

// Manager refreshes OAuth tokens through golang.org/x/oauth2 and keeps the
// credential store consistent with what the provider last issued.
type Manager struct {
	store   *store.Store
	configs map[sync.ProviderName]*oauth2.Config
}

// NewManager creates a token manager. configs maps each provider kind to its
// oauth2 client configuration (endpoint, client id/secret).
func NewManager(st *store.Store, configs map[sync.ProviderName]*oauth2.Config) *Manager {
	return &Manager{store: st, configs: configs}
}

// EnsureValidAccessToken returns a usable access token for the account,
// refreshing it first if it is within the expiry buffer. The check-then-
// refresh sequence runs under the account's lease so two near-simultaneous
// triggers cannot both spend the same refresh token; most providers
// invalidate a rotated refresh token after first use.
func (m *Manager) EnsureValidAccessToken(ctx context.Context, accountID string) (string, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !acct.IsActive {
		return "", fmt.Errorf("account %s is inactive: %w", accountID, sync.ErrUnauthorized)
	}

	if tokenStillValid(acct) {
		return acct.AccessToken, nil
	}

	// The refresh lease is namespaced apart from the orchestrator's
	// whole-sync lease on the account id, so a sync in progress does not
	// starve its own refresh.
	owner := uuid.NewString()
	leaseID := store.RefreshLeaseID(accountID)
	if err := m.store.AcquireLease(ctx, leaseID, owner, LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			// Someone else is refreshing this account right now.
			return "", fmt.Errorf("refresh in progress for %s: %w", accountID, sync.ErrTransient)
		}
		return "", err
	}
	defer func() {
		if err := m.store.ReleaseLease(context.WithoutCancel(ctx), leaseID, owner); err != nil {
			log.Printf("[token] release lease for %s: %v", accountID, err)
		}
	}()

	// Re-read under the lease: a concurrent trigger may have refreshed
	// while we were contending for it.
	acct, err = m.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if tokenStillValid(acct) {
		return acct.AccessToken, nil
	}

	return m.refresh(ctx, acct)
}

func tokenStillValid(acct *store.Account) bool {
	return time.Until(acct.TokenExpiry) > ExpiryBuffer
}

func (m *Manager) refresh(ctx context.Context, acct *store.Account) (string, error) {
	cfg, ok := m.configs[sync.ProviderName(acct.Provider)]
	if !ok {
		return "", fmt.Errorf("no oauth config for provider %s", acct.Provider)
	}

	if !acct.RefreshToken.Valid || acct.RefreshToken.String == "" {
		reason := "No refresh token on file. Please reconnect this mailbox."
		m.demote(ctx, acct, reason)
		return "", fmt.Errorf("account %s has no refresh token: %w", acct.ID, sync.ErrUnauthorized)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	src := cfg.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: acct.RefreshToken.String})
	tok, err := src.Token()
	if err != nil {
		return "", m.classifyRefreshError(ctx, acct, err)
	}

	// Some providers rotate the refresh token on every use. Persisting the
	// rotated value is mandatory: the old one is already dead.
	rotated := ""
	if tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken.String {
		rotated = tok.RefreshToken
	}

	if err := m.store.UpdateTokens(ctx, acct.ID, tok.AccessToken, rotated, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", acct.ID, err)
	}

	log.Printf("[token] refreshed access token for %s (rotated=%v)", acct.ID, rotated != "")
	return tok.AccessToken, nil
}

// classifyRefreshError separates dead credentials (demote, require
// re-authorization) from transient failures (retry next cycle).
func (m *Manager) classifyRefreshError(ctx context.Context, acct *store.Account, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.Response.StatusCode
		if code == 429 {
			return fmt.Errorf("token endpoint throttled for %s: %w", acct.ID, sync.ErrThrottled)
		}
		if code >= 400 && code < 500 {
			// invalid_grant and friends: the refresh token is revoked or
			// expired and will never work again.
			reason := "Mailbox authorization expired or was revoked. Please reconnect this mailbox."
			m.demote(ctx, acct, reason)
			return fmt.Errorf("refresh rejected for %s (%s): %w", acct.ID, rerr.ErrorCode, sync.ErrUnauthorized)
		}
		return fmt.Errorf("token endpoint error %d for %s: %w", code, acct.ID, sync.ErrTransient)
	}

	// No HTTP response at all: network trouble, not a dead credential.
	return fmt.Errorf("token refresh failed for %s: %v: %w", acct.ID, err, sync.ErrTransient)
}

func (m *Manager) demote(ctx context.Context, acct *store.Account, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.DemoteAccount(ctx, acct.ID, reason); err != nil {
		log.Printf("[token] demote account %s: %v", acct.ID, err)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"account_id": acct.ID,
		"org_id":     acct.OrgID,
		"provider":   acct.Provider,
		"email":      acct.EmailAddress,
		"reason":     reason,
	})
	subject := fmt.Sprintf("mailsync.%s.account.refresh_failed", acct.OrgID)
	msgID := fmt.Sprintf("refresh_failed|%s|%d", acct.ID, time.Now().Unix())
	if err := m.store.AppendAudit(ctx, nil, subject, "account.refresh_failed", payload, msgID); err != nil {
		log.Printf("[token] append audit for %s: %v", acct.ID, err)
	}
}
