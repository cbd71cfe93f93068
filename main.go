package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/atelierhq/mailsync/internal/auth"
	"github.com/atelierhq/mailsync/internal/config"
	"github.com/atelierhq/mailsync/internal/events"
	"github.com/atelierhq/mailsync/internal/mailstore"
	"github.com/atelierhq/mailsync/internal/oauthflow"
	"github.com/atelierhq/mailsync/internal/providers/gmail"
	"github.com/atelierhq/mailsync/internal/providers/outlook"
	"github.com/atelierhq/mailsync/internal/store"
	"github.com/atelierhq/mailsync/internal/sync"
	"github.com/atelierhq/mailsync/internal/token"
)

// Per-run bounds. Scheduled runs stay small so they finish well inside the
// scheduler's invocation window; manual runs may dig deeper.
const (
	scheduledMaxAccounts = 25
	scheduledThreadLimit = 40
	manualThreadLimit    = 200
	fullSyncThreadLimit  = 500
)

type manualSyncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	FullSync  bool   `json:"fullSync"`
}

type syncToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	verifier, err := auth.NewVerifier(cfg.JWKSURL)
	if err != nil {
		log.Fatal(err)
	}

	googleCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
	microsoftCfg := &oauth2.Config{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		RedirectURL:  cfg.MicrosoftRedirectURL,
		Scopes:       []string{"offline_access", "User.Read", "Mail.Read"},
		Endpoint:     microsoft.AzureADEndpoint(cfg.MicrosoftTenant),
	}

	tokens := token.NewManager(st, map[sync.ProviderName]*oauth2.Config{
		sync.ProviderGoogle:    googleCfg,
		sync.ProviderMicrosoft: microsoftCfg,
	})

	gmailAdapter := gmail.New()
	outlookAdapter := outlook.New()

	orchestrator := &sync.Orchestrator{
		Store:  st,
		Tokens: tokens,
		Providers: func(name sync.ProviderName) (sync.Provider, error) {
			switch name {
			case sync.ProviderGoogle:
				return gmailAdapter, nil
			case sync.ProviderMicrosoft:
				return outlookAdapter, nil
			default:
				return nil, fmt.Errorf("unsupported provider %s", name)
			}
		},
		OpenMailStore: func(accountID string) (sync.MailStore, error) {
			return mailstore.Open(cfg.DataRoot, accountID)
		},
	}

	flow := &oauthflow.Flow{
		Store:     st,
		States:    auth.NewStateCodec([]byte(cfg.StateSecret)),
		Google:    googleCfg,
		Microsoft: microsoftCfg,
		Resolvers: map[sync.ProviderName]oauthflow.EmailResolver{
			sync.ProviderGoogle:    gmailAdapter.ProfileEmail,
			sync.ProviderMicrosoft: outlookAdapter.ProfileEmail,
		},
		AppBaseURL: cfg.AppBaseURL,
	}

	// Audit events flow through the durable outbox; a broken broker only
	// delays them.
	publisher, err := events.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(context.Background()); err != nil {
		log.Fatal(err)
	}
	go publisher.Dispatch(context.Background(), st)

	r := gin.Default()

	// Scheduler-facing triggers.
	trigger := r.Group("/internal/sync", cronAuth(cfg.CronSecret))

	trigger.GET("/run", func(c *gin.Context) {
		summary := orchestrator.RunScheduledSync(c.Request.Context(), scheduledMaxAccounts, scheduledThreadLimit)
		c.JSON(http.StatusOK, summary)
	})

	trigger.POST("/run", func(c *gin.Context) {
		var req manualSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		limit := manualThreadLimit
		if req.FullSync {
			limit = fullSyncThreadLimit
		}
		result := orchestrator.RunSingleAccountSync(c.Request.Context(), req.AccountID, sync.Options{
			Limit:    limit,
			FullSync: req.FullSync,
		})
		c.JSON(http.StatusOK, result)
	})

	// OAuth consent endpoints. Authorize requires the product's user JWT;
	// callbacks are reached by the provider redirect and carry their
	// authentication in the signed state.
	r.GET("/oauth/google/authorize", userAuth(verifier), func(c *gin.Context) {
		flow.AuthorizeGoogle(c, identity(c))
	})
	r.GET("/oauth/google/callback", flow.CallbackGoogle)
	r.GET("/oauth/microsoft/authorize", userAuth(verifier), func(c *gin.Context) {
		flow.AuthorizeMicrosoft(c, identity(c))
	})
	r.GET("/oauth/microsoft/callback", flow.CallbackMicrosoft)

	// Account management for the product UI.
	accounts := r.Group("/accounts", userAuth(verifier))

	accounts.GET("", func(c *gin.Context) {
		list, err := st.ListAccountsByOrg(c.Request.Context(), identity(c).OrgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(list))
		for _, a := range list {
			out = append(out, redactAccount(&a))
		}
		c.JSON(http.StatusOK, out)
	})

	accounts.PATCH("/:id/sync", func(c *gin.Context) {
		acct, ok := orgAccount(c, st)
		if !ok {
			return
		}
		var req syncToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := st.SetSyncEnabled(c.Request.Context(), acct.ID, *req.Enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	accounts.DELETE("/:id", func(c *gin.Context) {
		acct, ok := orgAccount(c, st)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if err := st.DeleteAccount(ctx, acct.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		payload, _ := json.Marshal(gin.H{
			"org_id":   acct.OrgID,
			"provider": acct.Provider,
			"email":    acct.EmailAddress,
		})
		subject := fmt.Sprintf("mailsync.%s.account.disconnected", acct.OrgID)
		msgID := fmt.Sprintf("disconnected|%s|%d", acct.ID, time.Now().Unix())
		if err := st.AppendAudit(ctx, nil, subject, "account.disconnected", payload, msgID); err != nil {
			log.Printf("append disconnect audit: %v", err)
		}
		c.Status(http.StatusNoContent)
	})

	log.Fatal(r.Run(cfg.ListenAddr))
}

// cronAuth guards the scheduler triggers with the shared bearer secret.
func cronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		want := "Bearer " + secret
		if subtle.ConstantTimeCompare([]byte(header), []byte(want)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid trigger secret"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// userAuth verifies the identity provider's JWT and stashes the resulting
// organization context on the request.
func userAuth(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := v.IdentityFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("identity", ident)
		c.Next()
	}
}

func identity(c *gin.Context) *auth.Identity {
	return c.MustGet("identity").(*auth.Identity)
}

// orgAccount loads the :id account and enforces that it belongs to the
// caller's organization. Cross-org ids 404 rather than 403 so account ids
// are not probeable.
func orgAccount(c *gin.Context, st *store.Store) (*store.Account, bool) {
	acct, err := st.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	if acct.OrgID != identity(c).OrgID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	return acct, true
}

func redactAccount(a *store.Account) gin.H {
	out := gin.H{
		"id":          a.ID,
		"provider":    a.Provider,
		"email":       a.EmailAddress,
		"isActive":    a.IsActive,
		"syncEnabled": a.SyncEnabled,
	}
	if a.LastSyncAt.Valid {
		out["lastSyncAt"] = a.LastSyncAt.Time
	}
	if a.ErrorMessage.Valid {
		out["errorMessage"] = a.ErrorMessage.String
	}
	return out
}
