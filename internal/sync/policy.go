package sync

import (
	"time"

	"github.com/joaopcouto/adapsync/internal/model"
)

const (
	// DefaultMinSpacing is the minimum time between two attempts on one record.
	DefaultMinSpacing = time.Minute
	// DefaultPendingTimeout is how long a first attempt may stay PENDING
	// before the coordinator treats it as interrupted.
	DefaultPendingTimeout = 5 * time.Minute
)

// RetryPolicy decides whether a failed sync record may be retried and when.
type RetryPolicy struct {
	// MaxRetries is the attempt ceiling stamped on new records.
	MaxRetries int
	// MinSpacing is the minimum delay after the last attempt.
	MinSpacing time.Duration
	// PendingTimeout bounds how long a record may stay PENDING. It should
	// exceed the first-sync timeout.
	PendingTimeout time.Duration
}

// DefaultRetryPolicy returns a policy of 3 attempts spaced at least a minute
// apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     model.DefaultMaxRetries,
		MinSpacing:     DefaultMinSpacing,
		PendingTimeout: DefaultPendingTimeout,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = model.DefaultMaxRetries
	}
	if p.MinSpacing < 0 {
		p.MinSpacing = 0
	}
	if p.PendingTimeout <= 0 {
		p.PendingTimeout = DefaultPendingTimeout
	}
	return p
}

// Exhausted reports whether rec has used up its retry budget.
func (p RetryPolicy) Exhausted(rec *model.SyncRecord) bool {
	limit := rec.MaxRetries
	if limit <= 0 {
		limit = p.normalized().MaxRetries
	}
	return rec.RetryCount >= limit
}

// Retryable reports whether rec is a failed record that may ever be retried
// automatically, ignoring spacing.
func (p RetryPolicy) Retryable(rec *model.SyncRecord) bool {
	return rec != nil &&
		rec.Status == model.SyncFailed &&
		rec.LastError != nil &&
		rec.LastError.Retryable &&
		!p.Exhausted(rec)
}

// NextEligibleAt returns the earliest time rec may be retried: the later of
// the spacing after the last attempt and the provider's Retry-After. The
// zero time means immediately.
func (p RetryPolicy) NextEligibleAt(rec *model.SyncRecord) time.Time {
	var next time.Time
	if !rec.LastTriedAt.IsZero() {
		next = rec.LastTriedAt.Add(p.normalized().MinSpacing)
	}
	if rec.NotBefore.After(next) {
		next = rec.NotBefore
	}
	return next
}

// ShouldRetry reports whether rec is due for a retry at now.
func (p RetryPolicy) ShouldRetry(rec *model.SyncRecord, now time.Time) bool {
	if !p.Retryable(rec) {
		return false
	}
	if !rec.LastTriedAt.IsZero() && !now.After(rec.LastTriedAt.Add(p.normalized().MinSpacing)) {
		return false
	}
	return rec.NotBefore.IsZero() || !now.Before(rec.NotBefore)
}

// Stale reports whether rec is a PENDING record whose first attempt should
// have finished by now.
func (p RetryPolicy) Stale(rec *model.SyncRecord, now time.Time) bool {
	return rec != nil && rec.Status == model.SyncPending && rec.UpdatedAt.Before(p.StaleBefore(now))
}

// StaleBefore is the cutoff for [RetryPolicy.Stale]: PENDING records last
// written strictly before it are considered interrupted.
func (p RetryPolicy) StaleBefore(now time.Time) time.Time {
	return now.Add(-p.normalized().PendingTimeout)
}

// TriedBefore is the last-attempt cutoff for the store's eligibility query:
// records last tried strictly before it are due at now.
func (p RetryPolicy) TriedBefore(now time.Time) time.Time {
	return now.Add(-p.normalized().MinSpacing)
}
