package calendar

import (
	"errors"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/joaopcouto/adapsync/internal/model"
)

const (
	dateLayout = "2006-01-02"

	// maxReminderOffset is the largest popup offset Google accepts (4 weeks).
	maxReminderOffset = 40320
)

var (
	errNoSummary = errors.New("event summary is empty")
	errNoStart   = errors.New("event start time is missing")
)

// buildEvent turns reminder data into a Calendar event without the
// idempotency marker.
//
// The event is all-day when requested explicitly, when the reminder was
// given as a date only, or when its time lands exactly on local midnight.
// Otherwise it is a timed event in the user's timezone.
func (g *Gateway) buildEvent(cred *model.CalendarCredential, data model.EventData) (*gcal.Event, error) {
	if strings.TrimSpace(data.Summary) == "" {
		return nil, &Error{Kind: model.ErrClient, Message: errNoSummary.Error(), Err: errNoSummary}
	}
	if data.Start.IsZero() {
		return nil, &Error{Kind: model.ErrClient, Message: errNoStart.Error(), Err: errNoStart}
	}

	loc := g.location(cred)
	start := data.Start.In(loc)

	ev := &gcal.Event{
		Summary:   data.Summary,
		Reminders: reminders(cred),
	}

	if data.AllDay || data.DateOnly || isMidnight(start) {
		day := startOfDay(start)
		endDay := day.AddDate(0, 0, 1)
		if data.End != nil {
			end := data.End.In(loc)
			last := startOfDay(end)
			if !end.Equal(last) {
				last = last.AddDate(0, 0, 1)
			}
			if last.After(endDay) {
				endDay = last
			}
		}
		ev.Start = &gcal.EventDateTime{Date: day.Format(dateLayout)}
		ev.End = &gcal.EventDateTime{Date: endDay.Format(dateLayout)}
		return ev, nil
	}

	end := g.endTime(start, data).In(loc)
	ev.Start = &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
	ev.End = &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()}
	return ev, nil
}

// endTime resolves the end of a timed event: an explicit end after start
// wins, then an explicit duration (at least MinEventDuration), then the
// configured default. Negative durations fall back to SystemDefaultDuration.
func (g *Gateway) endTime(start time.Time, data model.EventData) time.Time {
	if data.End != nil && data.End.After(start) {
		return *data.End
	}
	switch {
	case data.Duration > 0:
		return start.Add(max(data.Duration, MinEventDuration))
	case data.Duration < 0:
		return start.Add(SystemDefaultDuration)
	default:
		return start.Add(g.defaultDur)
	}
}

func (g *Gateway) location(cred *model.CalendarCredential) *time.Location {
	if cred != nil && cred.Timezone != "" {
		if loc, err := time.LoadLocation(cred.Timezone); err == nil {
			return loc
		}
		g.log.Warn("invalid user timezone, using default", "user_id", cred.UserID, "timezone", cred.Timezone)
	}
	return g.defaultLoc
}

func reminders(cred *model.CalendarCredential) *gcal.EventReminders {
	if cred == nil || len(cred.ReminderOffsets) == 0 {
		return &gcal.EventReminders{UseDefault: true}
	}
	overrides := make([]*gcal.EventReminder, 0, len(cred.ReminderOffsets))
	for _, minutes := range cred.ReminderOffsets {
		if minutes < 0 || minutes > maxReminderOffset {
			continue
		}
		overrides = append(overrides, &gcal.EventReminder{
			Method:          "popup",
			Minutes:         int64(minutes),
			ForceSendFields: []string{"Minutes"},
		})
	}
	if len(overrides) == 0 {
		return &gcal.EventReminders{UseDefault: true}
	}
	return &gcal.EventReminders{
		UseDefault:      false,
		Overrides:       overrides,
		ForceSendFields: []string{"UseDefault"},
	}
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
