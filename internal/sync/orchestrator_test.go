package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atelierhq/mailsync/internal/store"
)

type fakeTokens struct {
	mu    gosync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeTokens) EnsureValidAccessToken(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	if err, ok := f.errs[accountID]; ok {
		return "", err
	}
	return "token-" + accountID, nil
}

type fakeProvider struct {
	mu            gosync.Mutex
	changes       *ChangeSet
	err           error
	delay         time.Duration
	fetchCursors  []string
	backfillCalls int
}

func (f *fakeProvider) FetchChangesSince(_ context.Context, _, cursor string, _ int) (*ChangeSet, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCursors = append(f.fetchCursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	return f.changes, nil
}

func (f *fakeProvider) Backfill(_ context.Context, _ string, _ int) (*ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfillCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.changes, nil
}

type fakeMailStore struct {
	mu        gosync.Mutex
	persisted []Message
	err       error
}

func (f *fakeMailStore) PersistBatch(_ context.Context, msgs []Message) (PersistCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return PersistCounts{}, f.err
	}
	f.persisted = append(f.persisted, msgs...)
	return PersistCounts{
		ThreadsNew:    1,
		MessagesNew:   len(msgs),
		MessagesTotal: len(msgs),
	}, nil
}

func (f *fakeMailStore) Close() error { return nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "platform.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSyncAccount(t *testing.T, st *store.Store, id, cursor string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, &store.Account{
		ID:           id,
		OrgID:        "org-1",
		UserID:       "user-1",
		Provider:     string(ProviderGoogle),
		EmailAddress: id + "@example.com",
		AccessToken:  "at",
		RefreshToken: sql.NullString{String: "rt", Valid: true},
		TokenExpiry:  time.Now().Add(time.Hour),
	}))
	if cursor != "" {
		require.NoError(t, st.AdvanceCursor(ctx, id, cursor))
	}
}

func newOrchestrator(st *store.Store, providers map[string]*fakeProvider, mail *fakeMailStore, tokens *fakeTokens) *Orchestrator {
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	return &Orchestrator{
		Store:  st,
		Tokens: tokens,
		Providers: func(name ProviderName) (Provider, error) {
			p, ok := providers[string(name)]
			if !ok {
				return nil, fmt.Errorf("unknown provider %s", name)
			}
			return p, nil
		},
		OpenMailStore: func(string) (MailStore, error) { return mail, nil },
		Workers:       2,
	}
}

func changeSet(cursor string, n int) *ChangeSet {
	cs := &ChangeSet{NewCursor: cursor}
	for i := 0; i < n; i++ {
		cs.Messages = append(cs.Messages, Message{
			Provider:          ProviderGoogle,
			ProviderMessageID: fmt.Sprintf("m%d", i),
			ProviderThreadID:  "t1",
			Subject:           "hello",
			InternalDate:      time.Now().UTC(),
		})
	}
	return cs
}

func TestScheduledSyncAdvancesCursorAfterPersist(t *testing.T) {
	st := openTestStore(t)
	seedSyncAccount(t, st, "a1", "c1")

	provider := &fakeProvider{changes: changeSet("c2", 3)}
	mail := &fakeMailStore{}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, mail, nil)

	summary := o.RunScheduledSync(context.Background(), 25, 40)
	require.Equal(t, 1, summary.Accounts)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 3, summary.Messages)

	// The stored cursor fed the fetch, and the returned one replaced it
	// only after the batch landed.
	require.Equal(t, []string{"c1"}, provider.fetchCursors)
	require.Len(t, mail.persisted, 3)

	acct, err := st.GetAccount(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "c2", acct.Cursor)
	require.True(t, acct.LastSyncAt.Valid)
	require.False(t, acct.ErrorMessage.Valid)
}

func TestScheduledSyncIsolatesFailures(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"good", "revoked", "broken"} {
		seedSyncAccount(t, st, id, "")
	}

	provider := &fakeProvider{changes: changeSet("c1", 1)}
	mail := &fakeMailStore{}
	tokens := &fakeTokens{errs: map[string]error{
		"revoked": fmt.Errorf("grant revoked: %w", ErrUnauthorized),
		"broken":  errors.New("database is locked"),
	}}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, mail, tokens)

	summary := o.RunScheduledSync(ctx, 25, 40)
	require.Equal(t, 3, summary.Accounts)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.Failed)

	// The healthy account is unaffected by its neighbors.
	good, err := st.GetAccount(ctx, "good")
	require.NoError(t, err)
	require.Equal(t, "c1", good.Cursor)
	require.True(t, good.LastSyncAt.Valid)

	// The non-retryable failure is surfaced on the account.
	broken, err := st.GetAccount(ctx, "broken")
	require.NoError(t, err)
	require.True(t, broken.ErrorMessage.Valid)
	require.True(t, broken.IsActive)
	require.False(t, broken.LastSyncAt.Valid)
}

func TestFetchUnauthorizedDemotesAccount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "c1")

	// Token refresh succeeds but the mailbox itself rejects the token:
	// consent was withdrawn out of band.
	provider := &fakeProvider{err: fmt.Errorf("mailbox says no: %w", ErrUnauthorized)}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, &fakeMailStore{}, nil)

	result := o.RunSingleAccountSync(ctx, "a1", Options{Limit: 40})
	require.False(t, result.Success)
	require.False(t, result.Skipped)

	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.False(t, acct.IsActive)
	require.Contains(t, acct.ErrorMessage.String, "reconnect")
	require.Equal(t, "c1", acct.Cursor, "demotion must not disturb the cursor")
}

func TestThrottledLeavesAccountUntouched(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "c1")

	provider := &fakeProvider{err: fmt.Errorf("rate limited: %w", ErrThrottled)}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, &fakeMailStore{}, nil)

	result := o.RunSingleAccountSync(ctx, "a1", Options{Limit: 40})
	require.False(t, result.Success)
	require.True(t, result.Skipped)

	// A throttle is a blip, not a condition: no error note, no state
	// change, retried next cycle.
	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.True(t, acct.IsActive)
	require.False(t, acct.ErrorMessage.Valid)
	require.False(t, acct.LastSyncAt.Valid)
	require.Equal(t, "c1", acct.Cursor)
}

func TestFullSyncUsesBackfill(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "stale-cursor")

	provider := &fakeProvider{changes: changeSet("fresh-cursor", 2)}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, &fakeMailStore{}, nil)

	result := o.RunSingleAccountSync(ctx, "a1", Options{Limit: 500, FullSync: true})
	require.True(t, result.Success)
	require.Equal(t, 1, provider.backfillCalls)
	require.Empty(t, provider.fetchCursors)

	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "fresh-cursor", acct.Cursor)
}

func TestPersistFailureKeepsCursor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "c1")

	provider := &fakeProvider{changes: changeSet("c2", 2)}
	mail := &fakeMailStore{err: errors.New("disk full")}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, mail, nil)

	result := o.RunSingleAccountSync(ctx, "a1", Options{Limit: 40})
	require.False(t, result.Success)

	// Next run re-fetches the same range; the upserts absorb the repeats.
	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "c1", acct.Cursor)
	require.False(t, acct.LastSyncAt.Valid)
}

func TestEmptyChangeSetSkipsMailStoreOpen(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "c1")

	provider := &fakeProvider{changes: &ChangeSet{NewCursor: "c2"}}
	opened := false
	o := &Orchestrator{
		Store:  st,
		Tokens: &fakeTokens{},
		Providers: func(ProviderName) (Provider, error) {
			return provider, nil
		},
		OpenMailStore: func(string) (MailStore, error) {
			opened = true
			return &fakeMailStore{}, nil
		},
	}

	result := o.RunSingleAccountSync(ctx, "a1", Options{Limit: 40})
	require.True(t, result.Success)
	require.False(t, opened, "no messages means no mail store touch")

	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "c2", acct.Cursor)
}

func TestSchedulerSkipsPausedAndDemoted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "active", "")
	seedSyncAccount(t, st, "paused", "")
	seedSyncAccount(t, st, "demoted", "")
	require.NoError(t, st.SetSyncEnabled(ctx, "paused", false))
	require.NoError(t, st.DemoteAccount(ctx, "demoted", "revoked"))

	provider := &fakeProvider{changes: &ChangeSet{NewCursor: "c1"}}
	tokens := &fakeTokens{}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, &fakeMailStore{}, tokens)

	summary := o.RunScheduledSync(ctx, 25, 40)
	require.Equal(t, 1, summary.Accounts)
	require.Equal(t, []string{"active"}, tokens.calls)
}

func TestConcurrentSyncsSameAccountSerialized(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "c1")

	provider := &fakeProvider{changes: changeSet("c2", 2), delay: 150 * time.Millisecond}
	o := newOrchestrator(st, map[string]*fakeProvider{"GOOGLE": provider}, &fakeMailStore{}, nil)

	var wg gosync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger so the second trigger lands while the first holds
			// the account lease mid-fetch.
			time.Sleep(time.Duration(i) * 40 * time.Millisecond)
			results[i] = o.RunSingleAccountSync(ctx, "a1", Options{Limit: 40})
		}(i)
	}
	wg.Wait()

	// Exactly one sync ran the fetch; the loser saw the lease and backed
	// off without touching the provider or the cursor.
	require.Equal(t, []string{"c1"}, provider.fetchCursors)

	var ok, skipped int
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			require.True(t, r.Skipped)
			skipped++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, skipped)

	// The winner's cursor survives; the loser never rewound it.
	acct, err := st.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "c2", acct.Cursor)
	require.False(t, acct.ErrorMessage.Valid)
}

func TestPanicInProviderIsContained(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedSyncAccount(t, st, "a1", "")

	o := &Orchestrator{
		Store:  st,
		Tokens: &fakeTokens{},
		Providers: func(ProviderName) (Provider, error) {
			return panicProvider{}, nil
		},
		OpenMailStore: func(string) (MailStore, error) { return &fakeMailStore{}, nil },
	}

	summary := o.RunScheduledSync(ctx, 25, 40)
	require.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.Results[0].Error, "panic")
}

type panicProvider struct{}

func (panicProvider) FetchChangesSince(context.Context, string, string, int) (*ChangeSet, error) {
	panic("nil pointer somewhere in decoding")
}

func (panicProvider) Backfill(context.Context, string, int) (*ChangeSet, error) {
	panic("nil pointer somewhere in decoding")
}
