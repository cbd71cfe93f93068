// Package oauthflow implements the consent handshake that connects a
// mailbox: the authorization redirect (PKCE for Google), the state value
// binding the flow to an organization and user, and the callback that
// exchanges the code and persists the credential.
package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/atelierhq/mailsync/internal/auth"
	"github.com/atelierhq/mailsync/internal/store"
	"github.com/atelierhq/mailsync/internal/sync"
)

const (
	// verifierCookie holds the PKCE verifier between the redirect and the
	// callback. Never persisted server-side.
	verifierCookie    = "mailsync_pkce"
	verifierCookieAge = 10 * time.Minute
)

// EmailResolver resolves the mailbox address behind a freshly issued access
// token. Each provider adapter supplies one.
type EmailResolver func(ctx context.Context, accessToken string) (string, error)

// Flow wires the OAuth endpoints for both providers.
type Flow struct {
	Store      *store.Store
	States     *auth.StateCodec
	Google     *oauth2.Config
	Microsoft  *oauth2.Config
	Resolvers  map[sync.ProviderName]EmailResolver
	AppBaseURL string
}

// AuthorizeGoogle starts the Google consent flow. PKCE: the verifier stays
// with the browser in a short-lived cookie scoped to the callback path, and
// only its S256 challenge travels to the provider.
func (f *Flow) AuthorizeGoogle(c *gin.Context, ident *auth.Identity) {
	state, err := f.States.Encode(ident.OrgID, ident.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}

	verifier := oauth2.GenerateVerifier()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(verifierCookie, verifier, int(verifierCookieAge.Seconds()),
		callbackPath(f.Google.RedirectURL), "", true, true)

	// Offline access must be explicit: default consent does not include a
	// refresh token, and a credential without one dies at first expiry.
	authURL := f.Google.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	c.Redirect(http.StatusFound, authURL)
}

// CallbackGoogle validates state, completes PKCE with the cookie-held
// verifier and persists the credential.
func (f *Flow) CallbackGoogle(c *gin.Context) {
	verifier, err := c.Cookie(verifierCookie)
	if err != nil || verifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization session expired, please retry"})
		return
	}
	// Single use either way.
	c.SetCookie(verifierCookie, "", -1, callbackPath(f.Google.RedirectURL), "", true, true)

	f.handleCallback(c, sync.ProviderGoogle, f.Google, oauth2.VerifierOption(verifier))
}

// AuthorizeMicrosoft starts the Microsoft consent flow.
func (f *Flow) AuthorizeMicrosoft(c *gin.Context, ident *auth.Identity) {
	state, err := f.States.Encode(ident.OrgID, ident.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}
	c.Redirect(http.StatusFound, f.Microsoft.AuthCodeURL(state))
}

// CallbackMicrosoft validates state and persists the credential.
func (f *Flow) CallbackMicrosoft(c *gin.Context) {
	f.handleCallback(c, sync.ProviderMicrosoft, f.Microsoft)
}

func (f *Flow) handleCallback(c *gin.Context, provider sync.ProviderName, cfg *oauth2.Config, opts ...oauth2.AuthCodeOption) {
	ctx := c.Request.Context()

	if errParam := c.Query("error"); errParam != "" {
		log.Printf("[oauth] %s consent denied: %s", provider, errParam)
		f.redirectToApp(c, "denied")
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	// The state must decode to the org/user that started the flow. A code
	// arriving with someone else's state is rejected outright; nothing is
	// persisted.
	orgID, userID, err := f.States.Decode(c.Query("state"))
	if err != nil {
		log.Printf("[oauth] %s state rejected: %v", provider, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		log.Printf("[oauth] %s code exchange failed: %v", provider, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed"})
		return
	}

	resolve, ok := f.Resolvers[provider]
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsupported provider"})
		return
	}
	email, err := resolve(ctx, tok.AccessToken)
	if err != nil {
		log.Printf("[oauth] %s profile lookup failed: %v", provider, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not read mailbox profile"})
		return
	}

	acct := &store.Account{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		UserID:       userID,
		Provider:     string(provider),
		EmailAddress: email,
		AccessToken:  tok.AccessToken,
		TokenExpiry:  tok.Expiry,
	}
	if tok.RefreshToken != "" {
		acct.RefreshToken.String = tok.RefreshToken
		acct.RefreshToken.Valid = true
	}

	if err := f.Store.UpsertAccount(ctx, acct); err != nil {
		log.Printf("[oauth] persist credential for %s: %v", email, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save account"})
		return
	}

	f.emitConnected(ctx, orgID, userID, string(provider), email)
	f.redirectToApp(c, "connected")
}

func (f *Flow) emitConnected(ctx context.Context, orgID, userID, provider, email string) {
	payload, _ := json.Marshal(map[string]any{
		"org_id":   orgID,
		"user_id":  userID,
		"provider": provider,
		"email":    email,
	})
	subject := fmt.Sprintf("mailsync.%s.account.connected", orgID)
	msgID := fmt.Sprintf("connected|%s|%s|%s", orgID, provider, email)
	if err := f.Store.AppendAudit(ctx, nil, subject, "account.connected", payload, msgID); err != nil {
		log.Printf("[oauth] append audit: %v", err)
	}
}

func (f *Flow) redirectToApp(c *gin.Context, status string) {
	c.Redirect(http.StatusFound, f.AppBaseURL+"/settings/email?status="+url.QueryEscape(status))
}

func callbackPath(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
