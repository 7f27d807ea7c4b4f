// Package state manages the SQLite database that tracks calendar sync
// bookkeeping for reminders.
//
// Only this package may open or query the sync database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/joaopcouto/adapsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_records (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id             TEXT    NOT NULL,
    user_id                TEXT    NOT NULL,
    sync_status            TEXT    NOT NULL,
    google_event_id        TEXT    NOT NULL DEFAULT '',
    calendar_id            TEXT    NOT NULL DEFAULT '',
    last_error_kind        TEXT    NOT NULL DEFAULT '',
    last_error_message     TEXT    NOT NULL DEFAULT '',
    last_error_retryable   INTEGER NOT NULL DEFAULT 0,
    last_error_reconnect   INTEGER NOT NULL DEFAULT 0,
    retry_count            INTEGER NOT NULL DEFAULT 0,
    max_retries            INTEGER NOT NULL DEFAULT 3,
    last_tried_at          TEXT    NOT NULL DEFAULT '',
    not_before             TEXT    NOT NULL DEFAULT '',
    created_at             TEXT    NOT NULL,
    updated_at             TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_message_user ON sync_records (message_id, user_id);
CREATE INDEX        IF NOT EXISTS idx_sync_status       ON sync_records (sync_status, last_tried_at);
CREATE INDEX        IF NOT EXISTS idx_sync_user         ON sync_records (user_id);
`

// addedColumns upgrades databases created before a column existed. SQLite
// has no ADD COLUMN IF NOT EXISTS, so duplicates are tolerated.
var addedColumns = []string{
	`ALTER TABLE sync_records ADD COLUMN not_before TEXT NOT NULL DEFAULT ''`,
}

const selectColumns = `
		SELECT id, message_id, user_id, sync_status, google_event_id, calendar_id,
		       last_error_kind, last_error_message, last_error_retryable, last_error_reconnect,
		       retry_count, max_retries, last_tried_at, not_before, created_at, updated_at
		FROM sync_records`

// Store is the SQLite-backed sync state repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the sync database:
// ~/.local/share/adapsync/sync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "adapsync", "sync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, stmt := range addedColumns {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// GetRecord returns the sync record for a reminder, or (nil, nil) if the
// reminder has never been synced.
func (s *Store) GetRecord(ctx context.Context, messageID, userID string) (*model.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE message_id = ? AND user_id = ?`, messageID, userID)
	return scanRecord(row)
}

// ListForUser returns all sync records owned by userID keyed by message id.
func (s *Store) ListForUser(ctx context.Context, userID string) (map[string]*model.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying records for user %q: %w", userID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	byMessage := make(map[string]*model.SyncRecord, len(recs))
	for _, r := range recs {
		byMessage[r.MessageID] = r
	}
	return byMessage, nil
}

// UpsertRecord inserts or updates the record keyed by (MessageID, UserID).
// CreatedAt is set on first insert and preserved afterwards; UpdatedAt is
// always refreshed from the record (or the wall clock when zero).
func (s *Store) UpsertRecord(ctx context.Context, rec *model.SyncRecord) error {
	const q = `
		INSERT INTO sync_records
		    (message_id, user_id, sync_status, google_event_id, calendar_id,
		     last_error_kind, last_error_message, last_error_retryable, last_error_reconnect,
		     retry_count, max_retries, last_tried_at, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
		    sync_status          = excluded.sync_status,
		    google_event_id      = excluded.google_event_id,
		    calendar_id          = excluded.calendar_id,
		    last_error_kind      = excluded.last_error_kind,
		    last_error_message   = excluded.last_error_message,
		    last_error_retryable = excluded.last_error_retryable,
		    last_error_reconnect = excluded.last_error_reconnect,
		    retry_count          = excluded.retry_count,
		    max_retries          = excluded.max_retries,
		    last_tried_at        = excluded.last_tried_at,
		    not_before           = excluded.not_before,
		    updated_at           = excluded.updated_at`

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = model.DefaultMaxRetries
	}

	var errKind, errMsg string
	var retryable, reconnect bool
	if rec.LastError != nil {
		errKind = string(rec.LastError.Kind)
		errMsg = rec.LastError.Message
		retryable = rec.LastError.Retryable
		reconnect = rec.LastError.RequiresReconnection
	}

	_, err := s.db.ExecContext(ctx, q,
		rec.MessageID,
		rec.UserID,
		string(rec.Status),
		rec.GoogleEventID,
		rec.CalendarID,
		errKind,
		errMsg,
		retryable,
		reconnect,
		rec.RetryCount,
		rec.MaxRetries,
		formatTime(rec.LastTriedAt),
		formatTime(rec.NotBefore),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting sync record %q: %w", rec.MessageID, err)
	}

	// LastInsertId is unreliable for the update branch, so read the id back.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sync_records WHERE message_id = ? AND user_id = ?`,
		rec.MessageID, rec.UserID).Scan(&id)
	if err == nil {
		rec.ID = id
	}
	return nil
}

// DeleteRecord removes the record for a reminder. Deleting a missing record
// is not an error.
func (s *Store) DeleteRecord(ctx context.Context, messageID, userID string) error {
	const q = `DELETE FROM sync_records WHERE message_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, q, messageID, userID); err != nil {
		return fmt.Errorf("deleting sync record %q: %w", messageID, err)
	}
	return nil
}

// FindRetryable returns FAILED, retryable records that still have retry
// budget, were either never tried or last tried before triedBefore, and whose
// provider-requested delay has passed at now. Oldest first, capped at limit.
func (s *Store) FindRetryable(ctx context.Context, now, triedBefore time.Time, limit int) ([]*model.SyncRecord, error) {
	const where = `
		WHERE sync_status = 'FAILED'
		  AND last_error_retryable = 1
		  AND retry_count < max_retries
		  AND (last_tried_at = '' OR last_tried_at < ?)
		  AND (not_before = '' OR not_before <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, selectColumns+where, formatTime(triedBefore), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying retryable records: %w", err)
	}
	return scanRecords(rows)
}

// CountPending reports how many records are waiting for an automatic retry,
// regardless of retry spacing.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	const q = `
		SELECT COUNT(*) FROM sync_records
		WHERE sync_status = 'FAILED' AND last_error_retryable = 1 AND retry_count < max_retries`
	return s.count(ctx, "pending", q)
}

// CountExhausted reports FAILED records that used up their retry budget and
// have not been touched since updatedBefore.
func (s *Store) CountExhausted(ctx context.Context, updatedBefore time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM sync_records
		WHERE sync_status = 'FAILED' AND retry_count >= max_retries AND updated_at < ?`
	return s.count(ctx, "exhausted", q, formatTime(updatedBefore))
}

// CountRecentErrors reports FAILED records whose last attempt happened at or
// after since.
func (s *Store) CountRecentErrors(ctx context.Context, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM sync_records
		WHERE sync_status = 'FAILED' AND last_tried_at != '' AND last_tried_at >= ?`
	return s.count(ctx, "recent errors", q, formatTime(since))
}

// DeleteSyncedBefore purges at most limit OK records last updated before
// before. FAILED records are never purged.
func (s *Store) DeleteSyncedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	const q = `
		DELETE FROM sync_records WHERE id IN (
		    SELECT id FROM sync_records
		    WHERE sync_status = 'OK' AND updated_at < ?
		    ORDER BY updated_at ASC
		    LIMIT ?)`
	res, err := s.db.ExecContext(ctx, q, formatTime(before), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting synced records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted records: %w", err)
	}
	return n, nil
}

// FailStalePending turns PENDING records last written before startedBefore
// into FAILED records carrying lastErr. Such a record belongs to a first
// attempt that never recorded its outcome, so the attempt is counted and
// last_tried_at is set to now. It returns the number of records touched.
func (s *Store) FailStalePending(ctx context.Context, startedBefore time.Time, lastErr model.SyncError, now time.Time) (int64, error) {
	const q = `
		UPDATE sync_records SET
		    sync_status          = 'FAILED',
		    google_event_id      = '',
		    last_error_kind      = ?,
		    last_error_message   = ?,
		    last_error_retryable = ?,
		    last_error_reconnect = ?,
		    retry_count          = retry_count + 1,
		    last_tried_at        = ?,
		    not_before           = '',
		    updated_at           = ?
		WHERE sync_status = 'PENDING' AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, q,
		string(lastErr.Kind), lastErr.Message, lastErr.Retryable, lastErr.RequiresReconnection,
		formatTime(now), formatTime(now), formatTime(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("failing stale pending records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting stale pending records: %w", err)
	}
	return n, nil
}

// MarkUserReconnectRequired terminally fails every retryable FAILED record
// of userID with lastErr. It returns the number of records touched.
func (s *Store) MarkUserReconnectRequired(ctx context.Context, userID string, lastErr model.SyncError, now time.Time) (int64, error) {
	const q = `
		UPDATE sync_records SET
		    last_error_kind      = ?,
		    last_error_message   = ?,
		    last_error_retryable = 0,
		    last_error_reconnect = 1,
		    updated_at           = ?
		WHERE user_id = ? AND sync_status = 'FAILED' AND last_error_retryable = 1`
	res, err := s.db.ExecContext(ctx, q, string(lastErr.Kind), lastErr.Message, formatTime(now), userID)
	if err != nil {
		return 0, fmt.Errorf("failing records for user %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting failed records: %w", err)
	}
	return n, nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) count(ctx context.Context, what, q string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s records: %w", what, err)
	}
	return n, nil
}

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]*model.SyncRecord, error) {
	defer func() { _ = rows.Close() }()

	var recs []*model.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(s scanner) (*model.SyncRecord, error) {
	var rec model.SyncRecord
	var status, errKind, errMsg, triedAt, notBefore, createdAt, updatedAt string
	var retryable, reconnect bool

	err := s.Scan(
		&rec.ID,
		&rec.MessageID,
		&rec.UserID,
		&status,
		&rec.GoogleEventID,
		&rec.CalendarID,
		&errKind,
		&errMsg,
		&retryable,
		&reconnect,
		&rec.RetryCount,
		&rec.MaxRetries,
		&triedAt,
		&notBefore,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync record row: %w", err)
	}

	rec.Status = model.SyncStatus(status)
	if errKind != "" {
		rec.LastError = &model.SyncError{
			Kind:                 model.ErrorKind(errKind),
			Message:              errMsg,
			Retryable:            retryable,
			RequiresReconnection: reconnect,
		}
	}
	rec.LastTriedAt, _ = parseTime(triedAt)
	rec.NotBefore, _ = parseTime(notBefore)
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)

	return &rec, nil
}

// formatTime renders timestamps in a fixed-width UTC layout so that string
// comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"
