package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/joaopcouto/adapsync/internal/calendar"
	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/model"
)

const (
	spanSync       = "sync.reminder"
	spanRetry      = "sync.retry"
	metricAttempts = "adapsync.sync.attempts"

	// persistTimeout bounds each write that records an attempt's outcome.
	// Those writes are detached from the caller's context so an expired
	// sync budget still leaves a final status behind.
	persistTimeout = 10 * time.Second
)

// RetryOutcome is the result of [Manager.RetryFailedSync].
type RetryOutcome string

const (
	// RetryOK means the remote event now exists, created or adopted.
	RetryOK RetryOutcome = "OK"
	// RetryFailed means the attempt failed or the record is terminal.
	RetryFailed RetryOutcome = "FAILED"
	// RetryDelayed means the minimum spacing since the last attempt has not
	// elapsed.
	RetryDelayed RetryOutcome = "DELAYED"
	// RetrySkipped means there is nothing left to sync: the reminder is gone
	// or the user's integration is off.
	RetrySkipped RetryOutcome = "SKIPPED"
)

// Manager performs single synchronization attempts. Create one with
// [NewManager].
type Manager struct {
	gateway   CalendarGateway
	store     StateStore
	creds     CredentialStore
	reminders ReminderSource
	notifier  Notifier
	policy    RetryPolicy
	now       func() time.Time
	log       *slog.Logger

	tracer      trace.Tracer
	cntAttempts metric.Int64Counter
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithNotifier sends reconnect-required notices through n.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithPolicy replaces [DefaultRetryPolicy].
func WithPolicy(p RetryPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p.normalized() }
}

// WithManagerClock replaces the wall clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(gateway CalendarGateway, store StateStore, creds CredentialStore, reminders ReminderSource, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		gateway:   gateway,
		store:     store,
		creds:     creds,
		reminders: reminders,
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
		log:       logger,
		tracer:    otel.Tracer(otelScope),
	}
	cnt, err := otel.Meter(otelScope).Int64Counter(metricAttempts,
		metric.WithDescription("Number of calendar sync attempts by outcome"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricAttempts, "error", err)
		cnt = noop.Int64Counter{}
	}
	m.cntAttempts = cnt

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the retry policy the manager applies.
func (m *Manager) Policy() RetryPolicy { return m.policy }

// SyncReminder makes the first sync attempt for rem and returns the
// persisted record.
//
// The reminder is re-read first: one deleted in the meantime is not pushed.
// Users without a connected, enabled integration get a SKIPPED record.
// A calendar failure is recorded as FAILED with RetryCount 1 and is not
// returned as an error; only state, reminder and credential store failures
// are. Once the PENDING record is written, the outcome is persisted even if
// ctx expires during the calendar call.
func (m *Manager) SyncReminder(ctx context.Context, rem *model.Reminder) (*model.SyncRecord, error) {
	ctx, corrID := correlation.Ensure(ctx)
	ctx, span := m.tracer.Start(ctx, spanSync, trace.WithAttributes(
		attribute.String("sync.message_id", rem.MessageID),
		attribute.String("sync.correlation_id", corrID),
	))
	defer span.End()

	log := m.log.With("message_id", rem.MessageID, "user_id", rem.UserID, "correlation_id", corrID)

	rec, err := m.store.GetRecord(ctx, rem.MessageID, rem.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rec != nil && rec.Status == model.SyncOK {
		log.Debug("reminder already synced", "event_id", rec.GoogleEventID)
		return rec, nil
	}

	current, err := m.reminders.GetByMessageID(ctx, rem.MessageID, rem.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading reminder: %w", err)
	}
	if current == nil {
		log.Info("reminder deleted before first sync, skipping")
		m.record(ctx, "first", RetrySkipped)
		if rec == nil {
			// No record is written for a reminder that no longer exists.
			return &model.SyncRecord{
				MessageID:   rem.MessageID,
				UserID:      rem.UserID,
				Status:      model.SyncSkipped,
				LastTriedAt: m.now(),
			}, nil
		}
		rec.MarkSkipped(m.now())
		return rec, m.saveOutcome(ctx, rec)
	}

	if rec == nil {
		rec = &model.SyncRecord{
			MessageID:  rem.MessageID,
			UserID:     rem.UserID,
			MaxRetries: m.policy.MaxRetries,
		}
	}
	rec.Status = model.SyncPending
	rec.GoogleEventID = ""
	if err := m.save(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	cred, err := m.creds.GetCredential(ctx, rem.UserID)
	if err != nil {
		err = fmt.Errorf("loading calendar credential: %w", err)
		// Nothing reached the calendar, so the attempt can be repeated.
		syncErr := model.SyncError{Kind: model.ErrUnknown, Message: err.Error(), Retryable: true}
		rec.RetryCount++
		rec.MarkFailed(syncErr, m.now())
		m.record(ctx, "first", RetryFailed)
		span.RecordError(err)
		return rec, errors.Join(err, m.saveOutcome(ctx, rec))
	}
	if !cred.CanSync() {
		rec.MarkSkipped(m.now())
		log.Debug("calendar integration inactive, skipping sync")
		m.record(ctx, "first", RetrySkipped)
		return rec, m.saveOutcome(ctx, rec)
	}

	event, updated, err := m.gateway.CreateEvent(ctx, cred, current.EventData(), rem.MessageID)
	m.persistCredential(ctx, cred, updated)
	if err != nil {
		cerr := calendar.Classify(err, corrID)
		syncErr := cerr.SyncError()
		if ctx.Err() != nil && !syncErr.RequiresReconnection {
			// Cut short by the local sync budget. Retries search for the
			// event before creating one.
			syncErr.Retryable = true
		}
		now := m.now()
		rec.RetryCount++
		rec.MarkFailed(syncErr, now)
		if syncErr.Retryable {
			rec.DeferRetry(now, cerr.RetryAfter)
		}
		log.Warn("calendar sync failed",
			"kind", cerr.Kind, "retryable", syncErr.Retryable, "status", cerr.StatusCode, "error", cerr)
		span.SetStatus(codes.Error, cerr.Error())
		m.record(ctx, "first", RetryFailed)
		if err := m.saveOutcome(ctx, rec); err != nil {
			return rec, err
		}
		if cerr.RequiresReconnection {
			m.handleReconnect(ctx, rem.UserID, current.PhoneNumber, cerr)
		}
		return rec, nil
	}

	rec.MarkOK(event, m.now())
	log.Info("reminder synced to calendar", "event_id", event.EventID, "calendar_id", event.CalendarID)
	m.record(ctx, "first", RetryOK)
	return rec, m.saveOutcome(ctx, rec)
}

// RetryFailedSync retries the sync described by rec. The record is re-read
// from the store so a stale copy cannot undo newer progress.
//
// Before creating anything it searches the calendar for an event carrying
// the reminder's idempotency marker and adopts it when found, so an attempt
// that reached Google but was never recorded locally does not produce a
// duplicate. Every attempt that reaches the calendar increments RetryCount.
func (m *Manager) RetryFailedSync(ctx context.Context, rec *model.SyncRecord) (RetryOutcome, error) {
	ctx, corrID := correlation.Ensure(ctx)
	ctx, span := m.tracer.Start(ctx, spanRetry, trace.WithAttributes(
		attribute.String("sync.message_id", rec.MessageID),
		attribute.String("sync.correlation_id", corrID),
	))
	defer span.End()

	outcome, err := m.retry(ctx, rec, corrID)
	span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.record(ctx, "retry", outcome)
	return outcome, err
}

func (m *Manager) retry(ctx context.Context, stale *model.SyncRecord, corrID string) (RetryOutcome, error) {
	log := m.log.With("message_id", stale.MessageID, "user_id", stale.UserID, "correlation_id", corrID)

	rec, err := m.store.GetRecord(ctx, stale.MessageID, stale.UserID)
	if err != nil {
		return RetryFailed, err
	}
	if rec == nil {
		log.Debug("sync record no longer exists")
		return RetrySkipped, nil
	}

	switch rec.Status {
	case model.SyncOK:
		return RetryOK, nil
	case model.SyncSkipped:
		return RetrySkipped, nil
	case model.SyncPending:
		return RetryDelayed, nil
	}

	now := m.now()
	if !m.policy.Retryable(rec) {
		return RetryFailed, nil
	}
	if !m.policy.ShouldRetry(rec, now) {
		log.Debug("retry not yet due", "next_eligible_at", m.policy.NextEligibleAt(rec))
		return RetryDelayed, nil
	}

	rem, err := m.reminders.GetByMessageID(ctx, rec.MessageID, rec.UserID)
	if err != nil {
		return RetryFailed, fmt.Errorf("loading reminder: %w", err)
	}
	if rem == nil {
		rec.MarkSkipped(now)
		log.Info("reminder deleted, skipping calendar sync")
		return RetrySkipped, m.saveOutcome(ctx, rec)
	}

	cred, err := m.creds.GetCredential(ctx, rec.UserID)
	if err != nil {
		return RetryFailed, fmt.Errorf("loading calendar credential: %w", err)
	}
	if !cred.CanSync() {
		rec.MarkSkipped(now)
		log.Info("calendar integration inactive, skipping retry")
		return RetrySkipped, m.saveOutcome(ctx, rec)
	}

	rec.RetryCount++

	valid, err := m.gateway.EnsureValidToken(ctx, cred)
	m.persistCredential(ctx, cred, valid)
	if err != nil {
		return m.failRetry(ctx, rec, rem, err, corrID)
	}

	found, updated, err := m.gateway.SearchEventByAppID(ctx, valid, rec.MessageID)
	m.persistCredential(ctx, valid, updated)
	if err != nil {
		return m.failRetry(ctx, rec, rem, err, corrID)
	}
	if found != nil {
		rec.MarkOK(*found, m.now())
		log.Info("adopted existing calendar event", "event_id", found.EventID, "retry_count", rec.RetryCount)
		return RetryOK, m.saveOutcome(ctx, rec)
	}

	if updated != nil {
		valid = updated
	}
	event, created, err := m.gateway.CreateEvent(ctx, valid, rem.EventData(), rec.MessageID)
	m.persistCredential(ctx, valid, created)
	if err != nil {
		return m.failRetry(ctx, rec, rem, err, corrID)
	}

	rec.MarkOK(event, m.now())
	log.Info("calendar sync retry succeeded", "event_id", event.EventID, "retry_count", rec.RetryCount)
	return RetryOK, m.saveOutcome(ctx, rec)
}

func (m *Manager) failRetry(ctx context.Context, rec *model.SyncRecord, rem *model.Reminder, err error, corrID string) (RetryOutcome, error) {
	cerr := calendar.Classify(err, corrID)
	now := m.now()
	rec.MarkFailed(cerr.SyncError(), now)
	if cerr.Retryable {
		rec.DeferRetry(now, cerr.RetryAfter)
	}

	log := m.log.With("message_id", rec.MessageID, "user_id", rec.UserID, "correlation_id", corrID)
	if m.policy.Exhausted(rec) || !cerr.Retryable {
		log.Warn("calendar sync retry failed terminally",
			"kind", cerr.Kind, "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries, "error", cerr)
	} else {
		log.Info("calendar sync retry failed",
			"kind", cerr.Kind, "retry_count", rec.RetryCount, "next_eligible_at", m.policy.NextEligibleAt(rec), "error", cerr)
	}

	if err := m.saveOutcome(ctx, rec); err != nil {
		return RetryFailed, err
	}
	if cerr.RequiresReconnection {
		m.handleReconnect(ctx, rec.UserID, rem.PhoneNumber, cerr)
	}
	return RetryFailed, nil
}

// DisconnectCalendar revokes the user's tokens, best effort, and switches
// the integration off. Disconnecting a user without credentials is a no-op.
func (m *Manager) DisconnectCalendar(ctx context.Context, userID string) error {
	cred, err := m.creds.GetCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading calendar credential: %w", err)
	}
	if cred == nil {
		return nil
	}

	if !m.gateway.RevokeTokens(ctx, cred.AccessToken, cred.RefreshToken) {
		m.log.Warn("token revocation failed, disconnecting anyway",
			"user_id", userID, "correlation_id", correlation.ID(ctx))
	}

	off := cred.Disconnected()
	off.AccessToken = ""
	off.RefreshToken = ""
	off.TokenExpiresAt = nil
	if err := m.creds.SaveCredential(ctx, off); err != nil {
		return fmt.Errorf("saving disconnected credential: %w", err)
	}
	m.log.Info("calendar disconnected", "user_id", userID)
	return nil
}

// handleReconnect stops automatic retries for every retryable record of the
// user and tells the user to reconnect.
func (m *Manager) handleReconnect(ctx context.Context, userID, phone string, cerr *calendar.Error) {
	ctx, cancel := m.detached(ctx)
	defer cancel()
	log := m.log.With("user_id", userID, "correlation_id", cerr.CorrelationID)

	n, err := m.store.MarkUserReconnectRequired(ctx, userID, cerr.SyncError(), m.now())
	if err != nil {
		log.Error("failing pending records after reconnect-required error", "error", err)
	} else if n > 0 {
		log.Info("stopped retries pending reconnection", "records", n)
	}

	if m.notifier == nil || phone == "" {
		return
	}
	if err := m.notifier.NotifyReconnectRequired(ctx, phone); err != nil {
		log.Error("sending reconnect notice", "error", err)
	}
}

// persistCredential saves after when the gateway returned a new credential.
// Failures are logged only: the sync outcome is still recorded.
func (m *Manager) persistCredential(ctx context.Context, before, after *model.CalendarCredential) {
	if after == nil || after == before {
		return
	}
	ctx, cancel := m.detached(ctx)
	defer cancel()
	if err := m.creds.SaveCredential(ctx, after); err != nil {
		m.log.Error("saving refreshed calendar credential",
			"user_id", after.UserID, "correlation_id", correlation.ID(ctx), "error", err)
	}
}

// detached returns a context that survives ctx's cancellation, bounded by
// persistTimeout, keeping ctx's values.
func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// saveOutcome persists the result of an attempt on a detached context.
func (m *Manager) saveOutcome(ctx context.Context, rec *model.SyncRecord) error {
	ctx, cancel := m.detached(ctx)
	defer cancel()
	return m.save(ctx, rec)
}

func (m *Manager) save(ctx context.Context, rec *model.SyncRecord) error {
	rec.UpdatedAt = m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := m.store.UpsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("persisting sync record: %w", err)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, phase string, outcome RetryOutcome) {
	m.cntAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", string(outcome)),
	))
}
