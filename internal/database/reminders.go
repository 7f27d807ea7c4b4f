package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/joaopcouto/adapsync/internal/model"
)

// ReminderRepository stores reminders.
type ReminderRepository struct {
	db *gorm.DB
}

// NewReminderRepository creates a ReminderRepository on db.
func NewReminderRepository(db *gorm.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Create inserts rem and fills in its ID and CreatedAt.
func (r *ReminderRepository) Create(ctx context.Context, rem *model.Reminder) error {
	if err := r.db.WithContext(ctx).Create(rem).Error; err != nil {
		return fmt.Errorf("creating reminder %q: %w", rem.MessageID, err)
	}
	return nil
}

// GetByMessageID returns the user's reminder with messageID, or nil if none
// exists.
func (r *ReminderRepository) GetByMessageID(ctx context.Context, messageID, userID string) (*model.Reminder, error) {
	var rem model.Reminder
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&rem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting reminder %q: %w", messageID, err)
	}
	return &rem, nil
}

// ListByUser returns the user's reminders, soonest first.
func (r *ReminderRepository) ListByUser(ctx context.Context, userID string) ([]model.Reminder, error) {
	var out []model.Reminder
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("due_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing reminders for %q: %w", userID, err)
	}
	return out, nil
}

// DeleteByMessageID removes the user's reminder with messageID. It reports
// whether a reminder was deleted.
func (r *ReminderRepository) DeleteByMessageID(ctx context.Context, messageID, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Delete(&model.Reminder{})
	if res.Error != nil {
		return false, fmt.Errorf("deleting reminder %q: %w", messageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClearEarlyReminder unsets the one-shot early reminder timestamp.
func (r *ReminderRepository) ClearEarlyReminder(ctx context.Context, messageID, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Reminder{}).
		Where("message_id = ? AND user_id = ? AND early_reminder_at IS NOT NULL", messageID, userID).
		Update("early_reminder_at", nil)
	if res.Error != nil {
		return false, fmt.Errorf("clearing early reminder %q: %w", messageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
