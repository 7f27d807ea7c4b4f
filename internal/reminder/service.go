// Package reminder owns the reminder lifecycle: creating and deleting
// reminders and reporting their calendar sync status. Reminders are always
// stored before any calendar work starts, and calendar sync runs in the
// background so it can never fail or slow down reminder creation.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/model"
)

// DefaultSyncTimeout bounds one background first sync.
const DefaultSyncTimeout = 30 * time.Second

// Store persists reminders. Implemented by [database.ReminderRepository].
type Store interface {
	Create(ctx context.Context, rem *model.Reminder) error
	GetByMessageID(ctx context.Context, messageID, userID string) (*model.Reminder, error)
	ListByUser(ctx context.Context, userID string) ([]model.Reminder, error)
	DeleteByMessageID(ctx context.Context, messageID, userID string) (bool, error)
	ClearEarlyReminder(ctx context.Context, messageID, userID string) (bool, error)
}

// SyncRecords reads and removes sync bookkeeping. Implemented by [state.Store].
type SyncRecords interface {
	GetRecord(ctx context.Context, messageID, userID string) (*model.SyncRecord, error)
	ListForUser(ctx context.Context, userID string) (map[string]*model.SyncRecord, error)
	DeleteRecord(ctx context.Context, messageID, userID string) error
}

// Syncer makes the first calendar sync attempt. Implemented by
// [sync.Manager].
type Syncer interface {
	SyncReminder(ctx context.Context, rem *model.Reminder) (*model.SyncRecord, error)
}

// NewReminder is the caller-supplied content of a reminder.
type NewReminder struct {
	Description     string
	DueAt           time.Time
	EarlyReminderAt *time.Time
	DateOnly        bool
	AllDay          bool
	EndAt           *time.Time
	DurationMinutes int
}

// Created is the result of [Service.CreateReminder].
type Created struct {
	Reminder *model.Reminder
	// SyncInitiated is true once a background calendar sync was started.
	SyncInitiated bool
	// CorrelationID ties the background sync's log lines to this request.
	CorrelationID string
}

// WithSyncStatus pairs a reminder with its sync record. Sync is nil when no
// sync was ever attempted.
type WithSyncStatus struct {
	Reminder model.Reminder    `json:"reminder"`
	Sync     *model.SyncRecord `json:"sync,omitempty"`
	Status   model.SyncStatus  `json:"syncStatus,omitempty"`
}

// ErrInvalidReminder is returned for reminders missing required fields.
var ErrInvalidReminder = errors.New("invalid reminder")

// Service manages reminders. Create one with [NewService].
type Service struct {
	store       Store
	records     SyncRecords
	syncer      Syncer
	syncTimeout time.Duration
	log         *slog.Logger

	wg sync.WaitGroup
}

// Option customises a Service.
type Option func(*Service)

// WithSyncTimeout bounds each background sync.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// NewService creates a Service. syncer may be nil, in which case reminders
// are stored without calendar sync.
func NewService(store Store, records SyncRecords, syncer Syncer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		records:     records,
		syncer:      syncer,
		syncTimeout: DefaultSyncTimeout,
		log:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReminder stores a new reminder and starts its calendar sync in the
// background. The reminder is durable when CreateReminder returns, whatever
// happens to the sync.
func (s *Service) CreateReminder(ctx context.Context, data NewReminder, userID, phoneNumber string) (Created, error) {
	if strings.TrimSpace(data.Description) == "" {
		return Created{}, fmt.Errorf("%w: description is empty", ErrInvalidReminder)
	}
	if data.DueAt.IsZero() {
		return Created{}, fmt.Errorf("%w: due time is missing", ErrInvalidReminder)
	}
	if userID == "" {
		return Created{}, fmt.Errorf("%w: user is missing", ErrInvalidReminder)
	}

	ctx, corrID := correlation.Ensure(ctx)

	rem := &model.Reminder{
		UserID:          userID,
		Description:     strings.TrimSpace(data.Description),
		DueAt:           data.DueAt,
		EarlyReminderAt: data.EarlyReminderAt,
		PhoneNumber:     phoneNumber,
		MessageID:       uuid.NewString(),
		DateOnly:        data.DateOnly,
		AllDay:          data.AllDay,
		EndAt:           data.EndAt,
		DurationMinutes: data.DurationMinutes,
	}
	if err := s.store.Create(ctx, rem); err != nil {
		return Created{}, err
	}
	s.log.Info("reminder created",
		"message_id", rem.MessageID, "user_id", userID, "due_at", rem.DueAt, "correlation_id", corrID)

	out := Created{Reminder: rem, CorrelationID: corrID}
	if s.syncer != nil {
		s.syncAsync(ctx, rem)
		out.SyncInitiated = true
	}
	return out, nil
}

// syncAsync runs the first sync detached from ctx's cancellation, so the
// caller returning does not abort it.
func (s *Service) syncAsync(ctx context.Context, rem *model.Reminder) {
	snapshot := *rem
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.syncTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("calendar sync panicked",
					"message_id", snapshot.MessageID, "correlation_id", correlation.ID(syncCtx), "panic", r)
			}
		}()

		if _, err := s.syncer.SyncReminder(syncCtx, &snapshot); err != nil {
			s.log.Error("calendar sync failed",
				"message_id", snapshot.MessageID, "correlation_id", correlation.ID(syncCtx), "error", err)
		}
	}()
}

// Wait blocks until background syncs finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background syncs: %w", ctx.Err())
	}
}

// DeleteReminder removes a reminder and, best effort, its sync record. It
// reports whether the reminder existed. A failure to remove the sync record
// is logged and does not undo the deletion.
func (s *Service) DeleteReminder(ctx context.Context, messageID, userID string) (bool, error) {
	deleted, err := s.store.DeleteByMessageID(ctx, messageID, userID)
	if err != nil {
		return false, err
	}
	if err := s.records.DeleteRecord(ctx, messageID, userID); err != nil {
		s.log.Warn("removing sync record of deleted reminder",
			"message_id", messageID, "user_id", userID, "correlation_id", correlation.ID(ctx), "error", err)
	}
	if deleted {
		s.log.Info("reminder deleted", "message_id", messageID, "user_id", userID)
	}
	return deleted, nil
}

// MarkEarlyReminderSent clears the one-shot early reminder so it is not
// sent twice.
func (s *Service) MarkEarlyReminderSent(ctx context.Context, messageID, userID string) error {
	cleared, err := s.store.ClearEarlyReminder(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if !cleared {
		s.log.Debug("no early reminder to clear", "message_id", messageID, "user_id", userID)
	}
	return nil
}

// GetReminderWithSyncStatus returns one reminder with its sync record, or
// nil when the reminder does not exist. A sync state failure leaves the
// status empty instead of failing the lookup.
func (s *Service) GetReminderWithSyncStatus(ctx context.Context, messageID, userID string) (*WithSyncStatus, error) {
	rem, err := s.store.GetByMessageID(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if rem == nil {
		return nil, nil
	}

	out := &WithSyncStatus{Reminder: *rem}
	rec, err := s.records.GetRecord(ctx, messageID, userID)
	if err != nil {
		s.log.Warn("reading sync status", "message_id", messageID, "error", err)
		return out, nil
	}
	if rec != nil {
		out.Sync = rec
		out.Status = rec.Status
	}
	return out, nil
}

// GetRemindersWithSyncStatus returns all of a user's reminders, soonest
// first, each with its sync record.
func (s *Service) GetRemindersWithSyncStatus(ctx context.Context, userID string) ([]WithSyncStatus, error) {
	rems, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	recs, err := s.records.ListForUser(ctx, userID)
	if err != nil {
		s.log.Warn("reading sync statuses", "user_id", userID, "error", err)
		recs = nil
	}

	out := make([]WithSyncStatus, 0, len(rems))
	for _, rem := range rems {
		item := WithSyncStatus{Reminder: rem}
		if rec, ok := recs[rem.MessageID]; ok {
			item.Sync = rec
			item.Status = rec.Status
		}
		out = append(out, item)
	}
	return out, nil
}
