package model

import "time"

// CalendarCredential is a user's Google Calendar OAuth state.
//
// Values are treated as immutable by the calendar gateway: operations that
// refresh or disconnect return a new credential via [CalendarCredential.Clone]
// and leave persisting it to the caller.
type CalendarCredential struct {
	UserID string `gorm:"primaryKey"`

	AccessToken string `gorm:"type:text"`

	// RefreshToken is the AES-GCM encrypted, base64-encoded refresh token.
	RefreshToken string `gorm:"type:text"`

	TokenExpiresAt *time.Time

	// Connected is false once the user revoked access or the refresh token
	// stopped working. Reconnecting is an out-of-band user action.
	Connected bool `gorm:"not null;default:false"`

	// CalendarSyncEnabled is the user's opt-in for pushing reminders.
	CalendarSyncEnabled bool `gorm:"not null;default:false"`

	// Timezone is an IANA zone name used for timed events. Empty means the
	// configured default.
	Timezone string

	// CalendarID is the target calendar. Empty means "primary".
	CalendarID string

	// ReminderOffsets are popup offsets in minutes before the event. Empty
	// means the provider's default reminders.
	ReminderOffsets []int `gorm:"serializer:json;type:text"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// CanSync reports whether reminders for this user should be pushed.
func (c *CalendarCredential) CanSync() bool {
	return c != nil && c.Connected && c.CalendarSyncEnabled
}

// Clone returns a deep copy of c.
func (c *CalendarCredential) Clone() *CalendarCredential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.TokenExpiresAt != nil {
		t := *c.TokenExpiresAt
		cp.TokenExpiresAt = &t
	}
	if c.ReminderOffsets != nil {
		cp.ReminderOffsets = append([]int(nil), c.ReminderOffsets...)
	}
	return &cp
}

// Disconnected returns a copy of c with the integration switched off.
func (c *CalendarCredential) Disconnected() *CalendarCredential {
	cp := c.Clone()
	cp.Connected = false
	cp.CalendarSyncEnabled = false
	return cp
}
