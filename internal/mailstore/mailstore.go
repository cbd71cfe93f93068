// Package mailstore persists normalized messages and threads, one sqlite
// database per connected account. All writes are idempotent upserts keyed by
// the provider-issued message id, so re-persisting a previously fetched
// range is a no-op rather than a duplication.
package mailstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atelierhq/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-account mail database.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the mail database for one account.
func Open(dataRoot, accountID string) (*Store, error) {
	dir := filepath.Join(dataRoot, accountID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dbPath := filepath.Join(dir, "mail.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection would otherwise see its own empty memory db.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// PersistBatch writes one fetched batch inside a single transaction. A new
// message creates (or joins) its thread; a message seen before only has its
// mutable fields (labels, unread flag) updated. If anything fails the whole
// batch rolls back, leaving the caller free to re-fetch the same range.
func (s *Store) PersistBatch(ctx context.Context, msgs []sync.Message) (sync.PersistCounts, error) {
	var counts sync.PersistCounts

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, m := range msgs {
		threadNew, err := upsertThread(ctx, tx, m, now)
		if err != nil {
			return sync.PersistCounts{}, err
		}
		if threadNew {
			counts.ThreadsNew++
		}

		inserted, err := upsertMessage(ctx, tx, m, now)
		if err != nil {
			return sync.PersistCounts{}, err
		}
		if inserted {
			counts.MessagesNew++
		} else {
			counts.MessagesUpdated++
		}
		counts.MessagesTotal++
	}

	if err := tx.Commit(); err != nil {
		return sync.PersistCounts{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return counts, nil
}

func upsertThread(ctx context.Context, tx *sql.Tx, m sync.Message, now int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO threads (provider_thread_id, subject, last_message_at, created_at)
		VALUES (?, ?, ?, ?)
	`, m.ProviderThreadID, m.Subject, m.InternalDate.Unix(), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert thread: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check thread insert: %w", err)
	}
	if n == 0 {
		// Existing thread: only bump the activity watermark.
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET last_message_at = MAX(last_message_at, ?)
			WHERE provider_thread_id = ?
		`, m.InternalDate.Unix(), m.ProviderThreadID)
		if err != nil {
			return false, fmt.Errorf("failed to update thread: %w", err)
		}
	}
	return n > 0, nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m sync.Message, now int64) (bool, error) {
	toJSON := mustJSON(m.To)
	ccJSON := mustJSON(m.Cc)
	bccJSON := mustJSON(m.Bcc)
	labelsJSON := mustJSON(m.Labels)
	headersJSON := mustJSON(m.Headers)

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(provider_message_id, provider_thread_id, provider, subject, sender,
		 to_addrs, cc_addrs, bcc_addrs, snippet, labels_json, headers_json,
		 unread, message_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ProviderMessageID, m.ProviderThreadID, string(m.Provider), m.Subject,
		m.Sender, toJSON, ccJSON, bccJSON, m.Snippet, labelsJSON, headersJSON,
		m.Unread, m.InternalDate.Unix(), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check message insert: %w", err)
	}
	if n > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET message_count = message_count + 1
			WHERE provider_thread_id = ?
		`, m.ProviderThreadID)
		if err != nil {
			return false, fmt.Errorf("failed to bump thread count: %w", err)
		}
		return true, nil
	}

	// Re-fetched message: refresh mutable fields only.
	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET labels_json = ?, unread = ?, updated_at = ?
		WHERE provider_message_id = ?
	`, labelsJSON, m.Unread, now, m.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("failed to update message: %w", err)
	}
	return false, nil
}

// MessageCount returns the number of stored messages, used for diagnostics
// and tests.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ThreadCount returns the number of stored threads.
func (s *Store) ThreadCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return n, nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
