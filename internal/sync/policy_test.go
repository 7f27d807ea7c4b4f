package sync

import (
	"context"
	"testing"
	"time"

	"github.com/joaopcouto/adapsync/internal/model"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name string
		rec  *model.SyncRecord
		want bool
	}{
		{"never tried", failedRecord("m", "u", 0, time.Time{}), true},
		{"spacing elapsed", failedRecord("m", "u", 1, testNow.Add(-2*time.Minute)), true},
		{"within spacing", failedRecord("m", "u", 1, testNow.Add(-30*time.Second)), false},
		{"exactly at spacing", failedRecord("m", "u", 1, testNow.Add(-time.Minute)), false},
		{"exhausted", failedRecord("m", "u", 3, testNow.Add(-time.Hour)), false},
		{"not retryable", func() *model.SyncRecord {
			r := failedRecord("m", "u", 1, testNow.Add(-time.Hour))
			r.LastError.Retryable = false
			return r
		}(), false},
		{"ok", &model.SyncRecord{Status: model.SyncOK}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.rec, testNow); got != tt.want {
			t.Errorf("%s: ShouldRetry = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRetryPolicy_NextEligibleAt(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, MinSpacing: 10 * time.Minute}

	if got := p.NextEligibleAt(failedRecord("m", "u", 0, time.Time{})); !got.IsZero() {
		t.Errorf("never tried: NextEligibleAt = %v, want zero", got)
	}
	last := testNow.Add(-time.Minute)
	if got := p.NextEligibleAt(failedRecord("m", "u", 1, last)); !got.Equal(last.Add(10 * time.Minute)) {
		t.Errorf("NextEligibleAt = %v, want %v", got, last.Add(10*time.Minute))
	}
}

func throttled(messageID string, notBefore time.Time) *model.SyncRecord {
	r := failedRecord(messageID, "u", 1, testNow.Add(-10*time.Minute))
	r.LastError = &model.SyncError{Kind: model.ErrRate, Message: "rate limited", Retryable: true}
	r.NotBefore = notBefore
	return r
}

func TestRetryPolicy_HonoursRetryAfter(t *testing.T) {
	p := DefaultRetryPolicy()
	rec := throttled("m", testNow.Add(5*time.Minute))

	if got := p.NextEligibleAt(rec); !got.Equal(rec.NotBefore) {
		t.Errorf("NextEligibleAt = %v, want Retry-After %v", got, rec.NotBefore)
	}
	if p.ShouldRetry(rec, testNow) {
		t.Error("retry allowed before Retry-After")
	}
	if !p.ShouldRetry(rec, rec.NotBefore) {
		t.Error("retry refused once Retry-After passed")
	}

	short := throttled("m", testNow.Add(-9*time.Minute-30*time.Second))
	if got, want := p.NextEligibleAt(short), short.LastTriedAt.Add(DefaultMinSpacing); !got.Equal(want) {
		t.Errorf("NextEligibleAt = %v, want spacing %v", got, want)
	}
}

func TestRetryPolicy_Stale(t *testing.T) {
	p := RetryPolicy{PendingTimeout: 2 * time.Minute}
	pending := func(updated time.Time) *model.SyncRecord {
		return &model.SyncRecord{MessageID: "m", UserID: "u", Status: model.SyncPending, UpdatedAt: updated}
	}

	if !p.Stale(pending(testNow.Add(-3*time.Minute)), testNow) {
		t.Error("old PENDING record not stale")
	}
	if p.Stale(pending(testNow.Add(-time.Minute)), testNow) {
		t.Error("recent PENDING record reported stale")
	}
	if p.Stale(failedRecord("m", "u", 1, testNow.Add(-time.Hour)), testNow) {
		t.Error("FAILED record reported stale")
	}
	if got := (RetryPolicy{}).StaleBefore(testNow); !got.Equal(testNow.Add(-DefaultPendingTimeout)) {
		t.Errorf("default StaleBefore = %v", got)
	}
}

func TestRetryPolicy_ExhaustedUsesRecordCeiling(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10}
	rec := failedRecord("m", "u", 3, time.Time{})
	rec.MaxRetries = 3
	if !p.Exhausted(rec) {
		t.Error("record ceiling ignored")
	}
	rec.MaxRetries = 0
	if p.Exhausted(rec) {
		t.Error("policy ceiling ignored when record has none")
	}
}

// The store query and the policy must agree on every record.
func TestRetryPolicy_AgreesWithStoreQuery(t *testing.T) {
	p := DefaultRetryPolicy()
	recs := []*model.SyncRecord{
		failedRecord("never", "u", 0, time.Time{}),
		failedRecord("due", "u", 1, testNow.Add(-90*time.Second)),
		failedRecord("boundary", "u", 1, testNow.Add(-time.Minute)),
		failedRecord("recent", "u", 1, testNow.Add(-10*time.Second)),
		failedRecord("exhausted", "u", 3, testNow.Add(-time.Hour)),
		throttled("throttled", testNow.Add(5*time.Minute)),
		throttled("throttle-over", testNow.Add(-time.Second)),
		throttled("throttle-boundary", testNow),
	}
	store := newMockStore(recs...)

	found, err := store.FindRetryable(context.Background(), testNow, p.TriedBefore(testNow), 100)
	if err != nil {
		t.Fatal(err)
	}
	inQuery := make(map[string]bool)
	for _, r := range found {
		inQuery[r.MessageID] = true
	}
	for _, r := range recs {
		if got, want := inQuery[r.MessageID], p.ShouldRetry(r, testNow); got != want {
			t.Errorf("%s: query=%v policy=%v", r.MessageID, got, want)
		}
	}
}
