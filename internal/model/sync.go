package model

import "time"

// SyncStatus is the synchronization state of a single reminder.
type SyncStatus string

const (
	// SyncPending means a first attempt is in flight.
	SyncPending SyncStatus = "PENDING"
	// SyncOK means the remote event exists and GoogleEventID is set.
	SyncOK SyncStatus = "OK"
	// SyncFailed means the last attempt failed; see LastError.
	SyncFailed SyncStatus = "FAILED"
	// SyncSkipped means the user has no active calendar integration.
	SyncSkipped SyncStatus = "SKIPPED"
)

// ErrorKind classifies calendar failures. Retry eligibility is derived from
// the kind once, at classification time, and persisted with the record.
type ErrorKind string

const (
	// ErrAuth is a rejected or unusable credential. Terminal until the user
	// reconnects.
	ErrAuth ErrorKind = "AUTH_ERROR"
	// ErrRate is provider throttling. Retryable, honouring Retry-After.
	ErrRate ErrorKind = "RATE_LIMIT"
	// ErrServer is a 5xx from the provider. Retryable.
	ErrServer ErrorKind = "SERVER_ERROR"
	// ErrClient is a request the provider refused as malformed. Terminal.
	ErrClient ErrorKind = "CLIENT_ERROR"
	// ErrUnknown is a failure without an HTTP response. Terminal unless the
	// caller knows the attempt can be repeated safely.
	ErrUnknown ErrorKind = "UNKNOWN_ERROR"
)

// SyncError is the persisted form of a classified failure.
type SyncError struct {
	Kind                 ErrorKind `json:"kind"`
	Message              string    `json:"message"`
	Retryable            bool      `json:"retryable"`
	RequiresReconnection bool      `json:"requiresReconnection"`
}

// DefaultMaxRetries is the attempt ceiling given to new sync records.
const DefaultMaxRetries = 3

// SyncRecord is the bookkeeping row for one reminder's calendar sync.
// There is at most one record per (MessageID, UserID), and GoogleEventID is
// non-empty exactly when Status is SyncOK. NotBefore, when set, holds back
// automatic retries until the provider's Retry-After has passed.
type SyncRecord struct {
	ID            int64      `json:"-"`
	MessageID     string     `json:"messageId"`
	UserID        string     `json:"userId"`
	Status        SyncStatus `json:"syncStatus"`
	GoogleEventID string     `json:"googleEventId,omitempty"`
	CalendarID    string     `json:"calendarId,omitempty"`
	LastError     *SyncError `json:"lastError,omitempty"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	LastTriedAt   time.Time  `json:"lastTriedAt,omitzero"`
	NotBefore     time.Time  `json:"notBefore,omitzero"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// MarkOK records a successful sync against event.
func (r *SyncRecord) MarkOK(event CalendarEvent, now time.Time) {
	r.Status = SyncOK
	r.GoogleEventID = event.EventID
	r.CalendarID = event.CalendarID
	r.LastError = nil
	r.LastTriedAt = now
	r.NotBefore = time.Time{}
}

// MarkFailed records a failed attempt. The event id is cleared to keep the
// status/event-id invariant.
func (r *SyncRecord) MarkFailed(syncErr SyncError, now time.Time) {
	r.Status = SyncFailed
	r.GoogleEventID = ""
	r.LastError = &syncErr
	r.LastTriedAt = now
	r.NotBefore = time.Time{}
}

// DeferRetry holds back automatic retries for d after now. Non-positive
// durations are ignored.
func (r *SyncRecord) DeferRetry(now time.Time, d time.Duration) {
	if d > 0 {
		r.NotBefore = now.Add(d)
	}
}

// MarkSkipped records that no sync is possible for this reminder.
func (r *SyncRecord) MarkSkipped(now time.Time) {
	r.Status = SyncSkipped
	r.GoogleEventID = ""
	r.LastError = nil
	r.LastTriedAt = now
	r.NotBefore = time.Time{}
}

// CalendarEvent describes a remote event created or discovered by the gateway.
type CalendarEvent struct {
	EventID    string
	CalendarID string
	Link       string
	CreatedAt  time.Time
}
