package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrLeaseHeld indicates another worker holds the account's lease.
	ErrLeaseHeld = errors.New("account lease held")
)

// Account is one connected mailbox credential row.
type Account struct {
	ID           string
	OrgID        string
	UserID       string
	Provider     string
	EmailAddress string
	AccessToken  string
	RefreshToken sql.NullString
	TokenExpiry  time.Time
	Cursor       string
	IsActive     bool
	SyncEnabled  bool
	LastSyncAt   sql.NullTime
	ErrorMessage sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry is a pending audit event in the outbox.
type AuditEntry struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is the platform database: account credentials, sync cursors,
// per-account leases and the audit outbox.
type Store struct {
	DB *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	email_address TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT,
	token_expiry  TIMESTAMP NOT NULL,
	cursor        TEXT NOT NULL DEFAULT '',
	is_active     INTEGER NOT NULL DEFAULT 1,
	sync_enabled  INTEGER NOT NULL DEFAULT 1,
	last_sync_at  TIMESTAMP,
	error_message TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	UNIQUE (org_id, provider, email_address)
);

CREATE TABLE IF NOT EXISTS account_leases (
	account_id TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);
`

// Open opens (creating if needed) the platform database.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

const accountCols = `id, org_id, user_id, provider, email_address, access_token,
	refresh_token, token_expiry, cursor, is_active, sync_enabled,
	last_sync_at, error_message, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.OrgID, &a.UserID, &a.Provider, &a.EmailAddress,
		&a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.Cursor,
		&a.IsActive, &a.SyncEnabled, &a.LastSyncAt, &a.ErrorMessage,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// GetAccount loads a single account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM email_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccountsByOrg returns all accounts for an organization.
func (s *Store) ListAccountsByOrg(ctx context.Context, orgID string) ([]Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+accountCols+` FROM email_accounts WHERE org_id = ? ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ListDueAccounts selects accounts eligible for a scheduled sync: active,
// sync-enabled, oldest last_sync_at first (never-synced accounts sort before
// everything), capped at limit so one run stays bounded.
func (s *Store) ListDueAccounts(ctx context.Context, limit int) ([]Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+accountCols+`
		FROM email_accounts
		WHERE is_active = 1 AND sync_enabled = 1
		ORDER BY last_sync_at IS NOT NULL, last_sync_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpsertAccount creates or re-authorizes a credential. Keyed on
// (org, provider, email) so re-running the OAuth flow for an already
// connected mailbox updates tokens in place, clears any error and
// reactivates the account, leaving the existing cursor untouched.
func (s *Store) UpsertAccount(ctx context.Context, a *Account) error {
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO email_accounts
		(id, org_id, user_id, provider, email_address, access_token,
		 refresh_token, token_expiry, cursor, is_active, sync_enabled,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 1, 1, ?, ?)
		ON CONFLICT(org_id, provider, email_address) DO UPDATE SET
			user_id       = excluded.user_id,
			access_token  = excluded.access_token,
			refresh_token = COALESCE(excluded.refresh_token, email_accounts.refresh_token),
			token_expiry  = excluded.token_expiry,
			is_active     = 1,
			error_message = NULL,
			updated_at    = excluded.updated_at
	`, a.ID, a.OrgID, a.UserID, a.Provider, a.EmailAddress, a.AccessToken,
		a.RefreshToken, a.TokenExpiry.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// UpdateTokens persists a refreshed access token. newRefreshToken is only
// written when non-empty: providers that rotate refresh tokens return a new
// one, providers that do not omit it, and the stored value must survive.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, newRefreshToken string, expiry time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts
		SET access_token  = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    token_expiry  = ?,
		    updated_at    = ?
		WHERE id = ?
	`, accessToken, newRefreshToken, newRefreshToken, expiry.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceCursor stores a new sync cursor. Callers must only invoke this
// after the batch the cursor represents has been fully persisted.
func (s *Store) AdvanceCursor(ctx context.Context, id, cursor string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts SET cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSyncSuccess stamps last_sync_at and clears the error message.
func (s *Store) RecordSyncSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts
		SET last_sync_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	return nil
}

// RecordSyncError stores a failure reason without touching last_sync_at or
// is_active. Used for non-fatal failures that will be retried.
func (s *Store) RecordSyncError(ctx context.Context, id, msg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts SET error_message = ?, updated_at = ? WHERE id = ?
	`, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

// DemoteAccount marks a credential unusable. The account is excluded from
// all automatic syncs until the user re-authorizes.
func (s *Store) DemoteAccount(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts
		SET is_active = 0, error_message = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to demote account: %w", err)
	}
	return nil
}

// SetSyncEnabled toggles the user-facing sync switch, independent of
// is_active.
func (s *Store) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts SET sync_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set sync enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes the credential on explicit user disconnect.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM email_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = s.DB.ExecContext(ctx, `DELETE FROM account_leases WHERE account_id IN (?, ?)`,
		id, RefreshLeaseID(id))
	return nil
}

// RefreshLeaseID namespaces the token-refresh lease so it coexists with the
// whole-sync lease the orchestrator holds on the bare account id.
func RefreshLeaseID(accountID string) string {
	return "refresh:" + accountID
}

// AcquireLease claims short-lived exclusivity on an account. A live lease
// held by someone else is not stealable; an expired one is. Returns
// ErrLeaseHeld when the claim fails.
func (s *Store) AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) error {
	now := time.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO account_leases (account_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			owner      = excluded.owner,
			expires_at = excluded.expires_at
		WHERE account_leases.expires_at <= ?
	`, accountID, owner, now+int64(ttl.Seconds()), now)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lease rows: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops a lease, but only if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, accountID, owner string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM account_leases WHERE account_id = ? AND owner = ?
	`, accountID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// AppendAudit queues an audit event for publishing. When tx is non-nil the
// insert joins the caller's transaction so the event commits atomically
// with the state change it describes.
func (s *Store) AppendAudit(ctx context.Context, tx *sql.Tx, subject, eventType string, payload []byte, msgID string) error {
	const q = `
		INSERT INTO audit_outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Unix()
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, now, subject, eventType, payload, msgID, now)
	} else {
		_, err = s.DB.ExecContext(ctx, q, now, subject, eventType, payload, msgID, now)
	}
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// DequeueAudit fetches unpublished audit events due for dispatch.
func (s *Store) DequeueAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM audit_outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit outbox: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Payload, &e.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkAuditPublished marks an audit event as delivered.
func (s *Store) MarkAuditPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE audit_outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark audit published: %w", err)
	}
	return nil
}

// MarkAuditRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkAuditRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE audit_outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark audit retry: %w", err)
	}
	return nil
}
