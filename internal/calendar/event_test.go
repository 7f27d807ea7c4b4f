package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/joaopcouto/adapsync/internal/model"
)

func eventGateway(t *testing.T, defaultDur time.Duration) *Gateway {
	t.Helper()
	return New(Config{DefaultTimezone: "UTC", DefaultDuration: defaultDur}, plainCipher{}, testLogger)
}

func TestBuildEvent_MidnightBecomesAllDay(t *testing.T) {
	g := eventGateway(t, 0)
	sp, _ := time.LoadLocation("America/Sao_Paulo")
	cred := &model.CalendarCredential{Timezone: "America/Sao_Paulo"}

	ev, err := g.buildEvent(cred, model.EventData{
		Summary: "Pay rent",
		Start:   time.Date(2026, 3, 10, 0, 0, 0, 0, sp),
	})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Start.Date != "2026-03-10" || ev.End.Date != "2026-03-11" {
		t.Errorf("dates = %q..%q, want 2026-03-10..2026-03-11", ev.Start.Date, ev.End.Date)
	}
	if ev.Start.DateTime != "" {
		t.Errorf("all-day event carries DateTime %q", ev.Start.DateTime)
	}
}

func TestBuildEvent_MidnightInUserZoneNotUTC(t *testing.T) {
	g := eventGateway(t, 0)
	cred := &model.CalendarCredential{Timezone: "America/Sao_Paulo"}

	// 00:00 UTC is 21:00 the previous day in São Paulo: a timed event.
	ev, err := g.buildEvent(cred, model.EventData{
		Summary: "Check balance",
		Start:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Start.Date != "" {
		t.Fatalf("got all-day event %q, want timed", ev.Start.Date)
	}
	if ev.Start.DateTime != "2026-03-09T21:00:00-03:00" {
		t.Errorf("start = %q", ev.Start.DateTime)
	}
	if ev.Start.TimeZone != "America/Sao_Paulo" {
		t.Errorf("TimeZone = %q", ev.Start.TimeZone)
	}
}

func TestBuildEvent_DateOnlyAndAllDay(t *testing.T) {
	g := eventGateway(t, 0)
	start := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	for _, data := range []model.EventData{
		{Summary: "a", Start: start, DateOnly: true},
		{Summary: "a", Start: start, AllDay: true},
	} {
		ev, err := g.buildEvent(nil, data)
		if err != nil {
			t.Fatalf("buildEvent: %v", err)
		}
		if ev.Start.Date != "2026-03-10" || ev.End.Date != "2026-03-11" {
			t.Errorf("%+v: dates = %q..%q", data, ev.Start.Date, ev.End.Date)
		}
	}
}

func TestBuildEvent_AllDaySpanningEnd(t *testing.T) {
	g := eventGateway(t, 0)
	end := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

	ev, err := g.buildEvent(nil, model.EventData{
		Summary: "Trip",
		Start:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		End:     &end,
	})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.End.Date != "2026-03-13" {
		t.Errorf("end date = %q, want 2026-03-13", ev.End.Date)
	}
}

func TestEndTime(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)
	after := start.Add(2 * time.Hour)

	tests := []struct {
		name       string
		defaultDur time.Duration
		data       model.EventData
		want       time.Duration
	}{
		{"explicit end", 0, model.EventData{End: &after}, 2 * time.Hour},
		{"end before start falls back", 0, model.EventData{End: &before}, SystemDefaultDuration},
		{"duration", 0, model.EventData{Duration: 45 * time.Minute}, 45 * time.Minute},
		{"duration clamped", 0, model.EventData{Duration: 10 * time.Second}, MinEventDuration},
		{"negative duration", time.Hour, model.EventData{Duration: -time.Minute}, SystemDefaultDuration},
		{"configured default", time.Hour, model.EventData{}, time.Hour},
		{"system default", 0, model.EventData{}, SystemDefaultDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := eventGateway(t, tt.defaultDur)
			got := g.endTime(start, tt.data).Sub(start)
			if got != tt.want {
				t.Errorf("duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildEvent_InvalidTimezoneUsesDefault(t *testing.T) {
	g := New(Config{DefaultTimezone: "Europe/Lisbon"}, plainCipher{}, testLogger)
	cred := &model.CalendarCredential{UserID: "u", Timezone: "Mars/Olympus"}

	ev, err := g.buildEvent(cred, model.EventData{Summary: "a", Start: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Start.TimeZone != "Europe/Lisbon" {
		t.Errorf("TimeZone = %q, want Europe/Lisbon", ev.Start.TimeZone)
	}
}

func TestBuildEvent_Validation(t *testing.T) {
	g := eventGateway(t, 0)

	_, err := g.buildEvent(nil, model.EventData{Summary: "  ", Start: time.Now()})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != model.ErrClient {
		t.Errorf("blank summary: err = %v, want CLIENT_ERROR", err)
	}

	_, err = g.buildEvent(nil, model.EventData{Summary: "x"})
	if !errors.As(err, &ce) || ce.Kind != model.ErrClient {
		t.Errorf("zero start: err = %v, want CLIENT_ERROR", err)
	}
}

func TestReminders(t *testing.T) {
	if r := reminders(nil); !r.UseDefault || len(r.Overrides) != 0 {
		t.Errorf("nil credential: %+v, want provider defaults", r)
	}

	cred := &model.CalendarCredential{ReminderOffsets: []int{0, 30, -5, 50000}}
	r := reminders(cred)
	if r.UseDefault {
		t.Fatal("UseDefault = true with explicit offsets")
	}
	if len(r.Overrides) != 2 {
		t.Fatalf("overrides = %d, want 2 (out-of-range offsets dropped)", len(r.Overrides))
	}
	if r.Overrides[0].Minutes != 0 || r.Overrides[1].Minutes != 30 {
		t.Errorf("minutes = %d,%d", r.Overrides[0].Minutes, r.Overrides[1].Minutes)
	}
	if r.Overrides[0].Method != "popup" {
		t.Errorf("method = %q", r.Overrides[0].Method)
	}

	onlyInvalid := &model.CalendarCredential{ReminderOffsets: []int{-1}}
	if r := reminders(onlyInvalid); !r.UseDefault {
		t.Error("only invalid offsets should fall back to provider defaults")
	}
}
