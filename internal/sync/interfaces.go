// Package sync keeps Google Calendar consistent with the local reminder
// store, best effort.
//
// The package contains two main components:
//
//   - [Manager] performs one synchronization attempt for a single reminder,
//     either the first attempt or a retry, and persists the outcome.
//   - [Coordinator] periodically scans the sync state for failed records that
//     are due for a retry, drives them through the Manager, purges old
//     successful records and tracks run metrics and health.
//
// Retry eligibility is decided in one place, [RetryPolicy], which both the
// Manager and the Coordinator's store query rely on.
package sync

import (
	"context"
	"time"

	"github.com/joaopcouto/adapsync/internal/model"
)

// CalendarGateway is the remote calendar. Implemented by [calendar.Gateway].
type CalendarGateway interface {
	EnsureValidToken(ctx context.Context, cred *model.CalendarCredential) (*model.CalendarCredential, error)
	CreateEvent(ctx context.Context, cred *model.CalendarCredential, data model.EventData, appEventID string) (model.CalendarEvent, *model.CalendarCredential, error)
	SearchEventByAppID(ctx context.Context, cred *model.CalendarCredential, appEventID string) (*model.CalendarEvent, *model.CalendarCredential, error)
	RevokeTokens(ctx context.Context, accessToken, encryptedRefreshToken string) bool
}

// StateStore provides access to the sync state database.
// Implemented by [state.Store].
type StateStore interface {
	GetRecord(ctx context.Context, messageID, userID string) (*model.SyncRecord, error)
	UpsertRecord(ctx context.Context, rec *model.SyncRecord) error
	FindRetryable(ctx context.Context, now, triedBefore time.Time, limit int) ([]*model.SyncRecord, error)
	FailStalePending(ctx context.Context, startedBefore time.Time, lastErr model.SyncError, now time.Time) (int64, error)
	CountPending(ctx context.Context) (int, error)
	CountExhausted(ctx context.Context, updatedBefore time.Time) (int, error)
	CountRecentErrors(ctx context.Context, since time.Time) (int, error)
	DeleteSyncedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	MarkUserReconnectRequired(ctx context.Context, userID string, lastErr model.SyncError, now time.Time) (int64, error)
}

// CredentialStore loads and persists calendar credentials.
// Implemented by [database.CredentialRepository].
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*model.CalendarCredential, error)
	SaveCredential(ctx context.Context, cred *model.CalendarCredential) error
}

// ReminderSource looks up reminders for retries.
// Implemented by [database.ReminderRepository].
type ReminderSource interface {
	GetByMessageID(ctx context.Context, messageID, userID string) (*model.Reminder, error)
}

// Notifier tells a user their calendar integration needs to be reconnected.
// Implemented by [notify.Twilio].
type Notifier interface {
	NotifyReconnectRequired(ctx context.Context, phoneNumber string) error
}
