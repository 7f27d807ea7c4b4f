// Package model defines the shared types used by the reminder stores, the
// calendar gateway, and the sync engine.
package model

import "time"

// Reminder is a user's reminder as persisted in the application database.
// A Reminder is created on request, mutated only to clear the one-shot
// EarlyReminderAt timestamp, and deleted on delivery or cancellation.
type Reminder struct {
	ID uint `gorm:"primaryKey"`

	// UserID is the owning user (the sanitized WhatsApp number).
	UserID string `gorm:"index;not null"`

	// Description is the reminder text shown to the user and used as the
	// calendar event summary.
	Description string `gorm:"type:text;not null"`

	// DueAt is when the reminder fires.
	DueAt time.Time `gorm:"index;not null"`

	// EarlyReminderAt is an optional one-shot heads-up before DueAt.
	// Cleared once the early notice has been sent.
	EarlyReminderAt *time.Time

	// PhoneNumber is the delivery address, denormalized from the user.
	PhoneNumber string `gorm:"not null"`

	// MessageID is the unique external id handed out on creation. It keys
	// the sync record and doubles as the calendar idempotency marker.
	MessageID string `gorm:"uniqueIndex;not null"`

	// DateOnly records that the user gave a date without a time of day.
	DateOnly bool

	// AllDay forces an all-day calendar event.
	AllDay bool

	// EndAt is an explicit end for the calendar event.
	EndAt *time.Time

	// DurationMinutes is an explicit event duration. Zero means unset.
	DurationMinutes int

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// EventData is the subset of a reminder needed to shape a calendar event.
type EventData struct {
	Summary  string
	Start    time.Time
	DateOnly bool
	AllDay   bool
	End      *time.Time
	Duration time.Duration
}

// EventData returns the calendar shaping data for r.
func (r *Reminder) EventData() EventData {
	return EventData{
		Summary:  r.Description,
		Start:    r.DueAt,
		DateOnly: r.DateOnly,
		AllDay:   r.AllDay,
		End:      r.EndAt,
		Duration: time.Duration(r.DurationMinutes) * time.Minute,
	}
}
