package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/mailsync/internal/store"
)

// TokenSource yields a valid access token for an account, refreshing it if
// needed. Implemented by the token manager.
type TokenSource interface {
	EnsureValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// Options controls a single-account sync.
type Options struct {
	Limit    int
	FullSync bool
}

// Orchestrator runs account syncs. It is invoked by the external scheduler
// (or a manual trigger), not a long-running loop: each invocation selects
// due accounts, syncs each inside its own failure boundary, and returns an
// aggregate summary for the caller to log.
type Orchestrator struct {
	Store         *store.Store
	Tokens        TokenSource
	Providers     ProviderFactory
	OpenMailStore MailStoreOpener

	// Workers bounds concurrent account syncs. Account work is dominated
	// by waiting on provider HTTP calls, so a small pool is enough.
	Workers int
}

const (
	defaultWorkers = 5

	// syncLeaseTTL bounds one whole account sync: refresh, fetch, persist
	// and cursor advance all run under the account's lease so two
	// concurrent triggers cannot interleave on the same cursor.
	syncLeaseTTL = 5 * time.Minute
)

// RunScheduledSync syncs up to maxAccounts due accounts, oldest-synced
// first. A failing account is recorded in its Result and never aborts the
// rest of the batch; accounts share no mutable state with each other.
func (o *Orchestrator) RunScheduledSync(ctx context.Context, maxAccounts, perAccountLimit int) *Summary {
	summary := &Summary{}

	accounts, err := o.Store.ListDueAccounts(ctx, maxAccounts)
	if err != nil {
		log.Printf("[orchestrator] list due accounts: %v", err)
		return summary
	}

	workers := o.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	results := make([]Result, len(accounts))
	sem := make(chan struct{}, workers)
	var wg gosync.WaitGroup

	for i := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.syncAccount(ctx, &accounts[i], perAccountLimit, false)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		summary.Accounts++
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Threads += r.Threads
		summary.Messages += r.Messages
	}
	summary.Results = results

	o.emitRunCompleted(ctx, summary)
	log.Printf("[orchestrator] scheduled run: %d accounts, %d ok, %d failed, %d messages",
		summary.Accounts, summary.Succeeded, summary.Failed, summary.Messages)
	return summary
}

// RunSingleAccountSync syncs one account on demand. FullSync bypasses the
// stored cursor and performs a bounded backfill; it is reserved for manual
// triggers because of its cost.
func (o *Orchestrator) RunSingleAccountSync(ctx context.Context, accountID string, opts Options) Result {
	acct, err := o.Store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{AccountID: accountID, Error: err.Error()}
	}
	return o.syncAccount(ctx, acct, opts.Limit, opts.FullSync)
}

// syncAccount is the per-account failure boundary. The whole sequence runs
// under the account's lease so concurrent triggers serialize; refresh
// strictly precedes fetch, and cursor advancement strictly follows
// persistence.
func (o *Orchestrator) syncAccount(ctx context.Context, acct *store.Account, limit int, fullSync bool) (result Result) {
	result = Result{AccountID: acct.ID, Provider: ProviderName(acct.Provider)}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] panic syncing %s: %v", acct.ID, r)
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	owner := uuid.NewString()
	if err := o.Store.AcquireLease(ctx, acct.ID, owner, syncLeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return o.failResult(ctx, acct, result, fmt.Errorf("sync already running for %s: %w", acct.ID, ErrTransient))
		}
		return o.failResult(ctx, acct, result, fmt.Errorf("acquire sync lease: %w", err))
	}
	defer func() {
		if err := o.Store.ReleaseLease(context.WithoutCancel(ctx), acct.ID, owner); err != nil {
			log.Printf("[orchestrator] release lease for %s: %v", acct.ID, err)
		}
	}()

	// Re-read under the lease: the cursor may have advanced while we were
	// contending for it.
	fresh, err := o.Store.GetAccount(ctx, acct.ID)
	if err != nil {
		return o.failResult(ctx, acct, result, fmt.Errorf("reload account: %w", err))
	}
	acct = fresh

	accessToken, err := o.Tokens.EnsureValidAccessToken(ctx, acct.ID)
	if err != nil {
		return o.failResult(ctx, acct, result, fmt.Errorf("ensure token: %w", err))
	}

	provider, err := o.Providers(ProviderName(acct.Provider))
	if err != nil {
		return o.failResult(ctx, acct, result, err)
	}

	var changes *ChangeSet
	if fullSync {
		changes, err = provider.Backfill(ctx, accessToken, limit)
	} else {
		changes, err = provider.FetchChangesSince(ctx, accessToken, acct.Cursor, limit)
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			// Token refreshed fine but the mailbox rejected it: consent
			// was withdrawn out of band.
			reason := "Mailbox access was revoked. Please reconnect this mailbox."
			if derr := o.Store.DemoteAccount(context.WithoutCancel(ctx), acct.ID, reason); derr != nil {
				log.Printf("[orchestrator] demote %s: %v", acct.ID, derr)
			}
		}
		return o.failResult(ctx, acct, result, fmt.Errorf("fetch changes: %w", err))
	}

	if len(changes.Messages) > 0 {
		ms, err := o.OpenMailStore(acct.ID)
		if err != nil {
			return o.failResult(ctx, acct, result, fmt.Errorf("open mail store: %w", err))
		}
		defer ms.Close()

		counts, err := ms.PersistBatch(ctx, changes.Messages)
		if err != nil {
			// Cursor stays put: the next run re-fetches this range and
			// the upserts absorb the repeats.
			return o.failResult(ctx, acct, result, fmt.Errorf("persist batch: %w", err))
		}
		result.Threads = counts.ThreadsNew
		result.Messages = counts.MessagesNew
	}

	if changes.NewCursor != "" && changes.NewCursor != acct.Cursor {
		if err := o.Store.AdvanceCursor(ctx, acct.ID, changes.NewCursor); err != nil {
			return o.failResult(ctx, acct, result, fmt.Errorf("advance cursor: %w", err))
		}
	}

	if err := o.Store.RecordSyncSuccess(ctx, acct.ID, time.Now()); err != nil {
		log.Printf("[orchestrator] record success for %s: %v", acct.ID, err)
	}

	result.Success = true
	result.HasMore = changes.HasMore
	return result
}

// failResult converts an error into the account's Result. Retryable
// failures (throttling, timeouts) leave the stored account state alone;
// they are invisible blips retried on the next cycle. Everything else gets
// a soft error note so the product can surface it.
func (o *Orchestrator) failResult(ctx context.Context, acct *store.Account, result Result, err error) Result {
	result.Success = false
	result.Error = err.Error()

	if IsRetryable(err) {
		result.Skipped = true
		log.Printf("[orchestrator] skipping %s this cycle: %v", acct.ID, err)
		return result
	}

	if !errors.Is(err, ErrUnauthorized) {
		// Unauthorized already wrote its message during demotion.
		if rerr := o.Store.RecordSyncError(context.WithoutCancel(ctx), acct.ID, err.Error()); rerr != nil {
			log.Printf("[orchestrator] record error for %s: %v", acct.ID, rerr)
		}
	}
	log.Printf("[orchestrator] sync failed for %s: %v", acct.ID, err)
	return result
}

func (o *Orchestrator) emitRunCompleted(ctx context.Context, s *Summary) {
	payload, _ := json.Marshal(map[string]any{
		"accounts":  s.Accounts,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"threads":   s.Threads,
		"messages":  s.Messages,
	})
	msgID := fmt.Sprintf("sync_completed|%d", time.Now().UnixNano())
	if err := o.Store.AppendAudit(ctx, nil, "mailsync.system.sync.completed", "sync.completed", payload, msgID); err != nil {
		log.Printf("[orchestrator] append run audit: %v", err)
	}
}
