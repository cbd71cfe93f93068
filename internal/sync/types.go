package sync

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Message is the normalized message shape shared by all providers.
// Provider payloads never cross the adapter boundary; adapters map their
// native fields into this struct and drop everything else.
type Message struct {
	Provider          ProviderName
	ProviderMessageID string // globally unique per account
	ProviderThreadID  string
	Subject           string
	Sender            string
	To                []string
	Cc                []string
	Bcc               []string
	Snippet           string
	Labels            []string
	Headers           map[string]string
	Unread            bool
	InternalDate      time.Time // always UTC
}

// ChangeSet is one bounded page of changes fetched from a provider.
type ChangeSet struct {
	Messages  []Message
	NewCursor string
	// HasMore signals a backlog remains beyond NewCursor. The orchestrator
	// does not loop on it; the account simply sorts early next cycle.
	HasMore bool
}

// Provider is the contract every mailbox adapter implements.
type Provider interface {
	// FetchChangesSince returns changes after cursor, at most limit
	// messages. An empty cursor means the account has never synced and the
	// adapter may choose its own starting point.
	FetchChangesSince(ctx context.Context, accessToken, cursor string, limit int) (*ChangeSet, error)

	// Backfill ignores any stored cursor and imports the most recent limit
	// messages, returning a fresh cursor. Used for manual full syncs.
	Backfill(ctx context.Context, accessToken string, limit int) (*ChangeSet, error)
}

// ProviderFactory resolves a Provider for an account's provider kind.
type ProviderFactory func(name ProviderName) (Provider, error)

// PersistCounts reports what one persisted batch did.
type PersistCounts struct {
	ThreadsNew      int
	MessagesNew     int
	MessagesUpdated int
	MessagesTotal   int
}

// MailStore is the dedup persistence layer for one account's messages.
type MailStore interface {
	PersistBatch(ctx context.Context, msgs []Message) (PersistCounts, error)
	Close() error
}

// MailStoreOpener opens the MailStore for an account.
type MailStoreOpener func(accountID string) (MailStore, error)

// Result is the outcome of one account's sync in one run.
type Result struct {
	AccountID string       `json:"accountId"`
	Provider  ProviderName `json:"provider"`
	Success   bool         `json:"success"`
	Threads   int          `json:"threads"`
	Messages  int          `json:"messages"`
	HasMore   bool         `json:"hasMore"`
	Skipped   bool         `json:"skipped"` // throttled/transient or lease held
	Error     string       `json:"error,omitempty"`
}

// Summary aggregates the results of a scheduled run. It is returned to the
// caller for logging and never persisted.
type Summary struct {
	Accounts  int      `json:"accounts"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Threads   int      `json:"threads"`
	Messages  int      `json:"messages"`
	Results   []Result `json:"results"`
}
