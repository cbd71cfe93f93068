// Package gmail adapts the Gmail API to the provider-agnostic sync
// contract. The cursor is a Gmail history id (decimal string); incremental
// fetches walk users.history.list and backfills walk users.messages.list.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/atelierhq/mailsync/internal/sync"
)

const (
	pageSize       = 100
	requestTimeout = 30 * time.Second
)

// Adapter implements sync.Provider for Gmail.
type Adapter struct {
	// endpoint overrides the Gmail API base URL; tests point it at a
	// local server.
	endpoint string
}

// New creates a Gmail adapter. The adapter is stateless; the access token
// arrives per call because tokens rotate underneath long-lived adapters.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	opts := []option.ClientOption{option.WithTokenSource(src)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// FetchChangesSince returns messages added after the history id in cursor,
// capped at limit. The returned cursor is the highest fully-processed
// history id, so a crash before persistence simply replays the same range.
func (a *Adapter) FetchChangesSince(ctx context.Context, accessToken, cursor string, limit int) (*sync.ChangeSet, error) {
	if cursor == "" {
		return a.Backfill(ctx, accessToken, limit)
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history id in cursor %q: %w", cursor, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	cs := &sync.ChangeSet{NewCursor: cursor}
	latest := startHistoryID
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Context(ctx).Do()
		if err != nil {
			if isStaleHistory(err) {
				// The history window expired; the only recovery is a
				// bounded re-import from scratch.
				return a.Backfill(ctx, accessToken, limit)
			}
			return nil, classify(err, "list history")
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				id := added.Message.Id
				if seen[id] {
					continue
				}
				seen[id] = true

				msg, err := svc.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
				if err != nil {
					var gerr *googleapi.Error
					if errors.As(err, &gerr) && gerr.Code == 404 {
						// Deleted between history record and fetch.
						continue
					}
					return nil, classify(err, fmt.Sprintf("get message %s", id))
				}
				cs.Messages = append(cs.Messages, normalize(msg))
			}
			if h.Id > latest {
				latest = h.Id
			}
			if len(cs.Messages) >= limit {
				// Bounded run: advance only to what we actually hold and
				// let the next cycle continue from there.
				cs.NewCursor = strconv.FormatUint(latest, 10)
				cs.HasMore = true
				return cs, nil
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	cs.NewCursor = strconv.FormatUint(latest, 10)
	return cs, nil
}

// Backfill imports the most recent limit messages and returns the profile's
// current history id as the new cursor, so subsequent runs are incremental.
func (a *Adapter) Backfill(ctx context.Context, accessToken string, limit int) (*sync.ChangeSet, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	cs := &sync.ChangeSet{}
	pageToken := ""

	for {
		call := svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classify(err, "list messages")
		}

		for _, m := range page.Messages {
			if len(cs.Messages) >= limit {
				// Depth cut with backlog remaining: the cursor still
				// jumps to now, but the caller can tell the import was
				// partial.
				cs.HasMore = true
				break
			}
			msg, err := svc.Users.Messages.Get("me", m.Id).Format("metadata").Context(ctx).Do()
			if err != nil {
				return nil, classify(err, fmt.Sprintf("get message %s", m.Id))
			}
			cs.Messages = append(cs.Messages, normalize(msg))
		}

		pageToken = page.NextPageToken
		if cs.HasMore || pageToken == "" {
			break
		}
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "get profile")
	}
	if profile.HistoryId != 0 {
		cs.NewCursor = strconv.FormatUint(profile.HistoryId, 10)
	}
	return cs, nil
}

// ProfileEmail returns the mailbox address behind an access token. Used by
// the authorization callback to label the connected account.
func (a *Adapter) ProfileEmail(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classify(err, "get profile")
	}
	return profile.EmailAddress, nil
}

// classify maps Gmail API failures onto the shared error taxonomy. A 403
// with a rate-limit reason is throttling, not a broken credential; every
// other status goes through the shared status mapping.
func classify(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 403 && isRateLimitReason(gerr) {
			return fmt.Errorf("gmail %s: %w", op, sync.ErrThrottled)
		}
		if cerr := sync.ClassifyStatus(gerr.Code); cerr != nil {
			return fmt.Errorf("gmail %s (%d): %w", op, gerr.Code, cerr)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gmail %s timed out: %w", op, sync.ErrTransient)
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// isStaleHistory detects the 404 Gmail returns when a start history id has
// aged out of the retention window.
func isStaleHistory(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return true
	}
	return strings.Contains(err.Error(), "historyId")
}

// normalize converts a Gmail message to the canonical shape. Timestamps are
// UTC; no Gmail field names escape this function.
func normalize(m *gmail.Message) sync.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	unread := false
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			unread = true
			break
		}
	}

	return sync.Message{
		Provider:          sync.ProviderGoogle,
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Subject:           headers["Subject"],
		Sender:            headers["From"],
		To:                splitAddrs(headers["To"]),
		Cc:                splitAddrs(headers["Cc"]),
		Bcc:               splitAddrs(headers["Bcc"]),
		Snippet:           m.Snippet,
		Labels:            m.LabelIds,
		Headers:           headers,
		Unread:            unread,
		InternalDate:      time.UnixMilli(m.InternalDate).UTC(),
	}
}

// splitAddrs parses comma-separated email addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
