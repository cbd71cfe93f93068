package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/atelierhq/mailsync/internal/sync"
)

func TestNormalize(t *testing.T) {
	msg := normalize(&gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thread-1",
		Snippet:      "Quarterly numbers attached",
		LabelIds:     []string{"INBOX", "UNREAD", "IMPORTANT"},
		InternalDate: 1735689600000, // 2025-01-01T00:00:00Z
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Q4 report"},
				{Name: "From", Value: "alice@example.com"},
				{Name: "To", Value: "bob@example.com, carol@example.com"},
				{Name: "Cc", Value: " dave@example.com "},
			},
		},
	})

	require.Equal(t, sync.ProviderGoogle, msg.Provider)
	require.Equal(t, "msg-1", msg.ProviderMessageID)
	require.Equal(t, "thread-1", msg.ProviderThreadID)
	require.Equal(t, "Q4 report", msg.Subject)
	require.Equal(t, "alice@example.com", msg.Sender)
	require.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	require.Equal(t, []string{"dave@example.com"}, msg.Cc)
	require.True(t, msg.Unread)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), msg.InternalDate)
	require.Equal(t, time.UTC, msg.InternalDate.Location())
}

func TestNormalizeReadMessageWithoutPayload(t *testing.T) {
	msg := normalize(&gmail.Message{Id: "msg-2", ThreadId: "thread-2", LabelIds: []string{"INBOX"}})
	require.False(t, msg.Unread)
	require.Empty(t, msg.Subject)
	require.Nil(t, msg.To)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"throttled 429", &googleapi.Error{Code: 429}, sync.ErrThrottled},
		{"throttled 403 rate limit", &googleapi.Error{
			Code:   403,
			Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
		}, sync.ErrThrottled},
		{"unauthorized 401", &googleapi.Error{Code: 401}, sync.ErrUnauthorized},
		{"forbidden 403", &googleapi.Error{Code: 403}, sync.ErrUnauthorized},
		{"server error", &googleapi.Error{Code: 503}, sync.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, classify(tc.err, "list history"), tc.want)
		})
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	err := classify(errors.New("connection reset"), "list history")
	require.NotErrorIs(t, err, sync.ErrThrottled)
	require.NotErrorIs(t, err, sync.ErrUnauthorized)
	require.Contains(t, err.Error(), "list history")
}

func TestIsStaleHistory(t *testing.T) {
	require.True(t, isStaleHistory(&googleapi.Error{Code: 404}))
	require.True(t, isStaleHistory(errors.New("invalid historyId supplied")))
	require.False(t, isStaleHistory(&googleapi.Error{Code: 500}))
}

// fakeGmail serves just enough of the Gmail REST surface for a backfill:
// a paged message list, metadata gets and the profile.
func fakeGmail(t *testing.T, pages map[string]string) *Adapter {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, pages[r.URL.Query().Get("pageToken")])
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		id := path.Base(r.URL.Path)
		fmt.Fprintf(w, `{"id":%q,"threadId":"t1","internalDate":"1735689600000","labelIds":["INBOX"]}`, id)
	})
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emailAddress":"box@example.com","historyId":"99"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &Adapter{endpoint: srv.URL + "/"}
}

func TestBackfillMarksPartialImport(t *testing.T) {
	a := fakeGmail(t, map[string]string{
		"":   `{"messages":[{"id":"m1"},{"id":"m2"}],"nextPageToken":"p2"}`,
		"p2": `{"messages":[{"id":"m3"}]}`,
	})

	cs, err := a.Backfill(context.Background(), "at-1", 2)
	require.NoError(t, err)
	require.Len(t, cs.Messages, 2)
	require.True(t, cs.HasMore, "a depth-cut backfill must flag the remaining backlog")
	require.Equal(t, "99", cs.NewCursor)
}

func TestBackfillDrainedMailbox(t *testing.T) {
	a := fakeGmail(t, map[string]string{
		"": `{"messages":[{"id":"m1"},{"id":"m2"}]}`,
	})

	cs, err := a.Backfill(context.Background(), "at-1", 10)
	require.NoError(t, err)
	require.Len(t, cs.Messages, 2)
	require.False(t, cs.HasMore)
	require.Equal(t, "99", cs.NewCursor)
}

func TestSplitAddrs(t *testing.T) {
	require.Nil(t, splitAddrs(""))
	require.Equal(t, []string{"a@x.com"}, splitAddrs("a@x.com"))
	require.Equal(t, []string{"a@x.com", "b@y.com"}, splitAddrs("a@x.com , b@y.com,"))
}
