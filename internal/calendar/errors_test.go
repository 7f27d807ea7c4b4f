package calendar

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/joaopcouto/adapsync/internal/model"
)

func TestClassify_GoogleAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       *googleapi.Error
		kind      model.ErrorKind
		retryable bool
		reconnect bool
	}{
		{"401", &googleapi.Error{Code: 401, Message: "Invalid Credentials"}, model.ErrAuth, false, false},
		{"403", &googleapi.Error{Code: 403, Message: "Forbidden"}, model.ErrAuth, false, true},
		{"400 token wording", &googleapi.Error{Code: 400, Message: "Invalid token format"}, model.ErrAuth, false, false},
		{"400 invalid grant", &googleapi.Error{Code: 400, Message: "invalid_grant"}, model.ErrAuth, false, true},
		{"401 insufficient permission", &googleapi.Error{Code: 401, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, model.ErrAuth, false, true},
		{"400 plain", &googleapi.Error{Code: 400, Message: "Bad Request"}, model.ErrClient, false, false},
		{"404", &googleapi.Error{Code: 404, Message: "Not Found"}, model.ErrClient, false, false},
		{"429", &googleapi.Error{Code: 429, Message: "Rate Limit Exceeded"}, model.ErrRate, true, false},
		{"500", &googleapi.Error{Code: 500, Message: "Backend Error"}, model.ErrServer, true, false},
		{"503", &googleapi.Error{Code: 503}, model.ErrServer, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(fmt.Errorf("wrapped: %w", tt.err), "corr-1")
			if got.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.kind)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.RequiresReconnection != tt.reconnect {
				t.Errorf("RequiresReconnection = %v, want %v", got.RequiresReconnection, tt.reconnect)
			}
			if got.CorrelationID != "corr-1" {
				t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
			}
			if got.StatusCode != tt.err.Code {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.err.Code)
			}
		})
	}
}

func TestClassify_RateLimitRetryAfter(t *testing.T) {
	err := &googleapi.Error{
		Code:   http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{"60"}},
	}
	got := Classify(err, "corr")
	if got.Kind != model.ErrRate || !got.Retryable {
		t.Fatalf("got %+v, want retryable RATE_LIMIT", got)
	}
	if got.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter = %v, want 60s", got.RetryAfter)
	}
	if ms := got.RetryAfter.Milliseconds(); ms != 60000 {
		t.Errorf("RetryAfter = %d ms, want 60000", ms)
	}
}

func TestClassify_OAuthRetrieveError(t *testing.T) {
	err := &oauth2.RetrieveError{
		Response:         &http.Response{StatusCode: http.StatusBadRequest},
		Body:             []byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`),
		ErrorCode:        "invalid_grant",
		ErrorDescription: "Token has been expired or revoked.",
	}
	got := Classify(err, "")
	if got.Kind != model.ErrAuth || got.Retryable || !got.RequiresReconnection {
		t.Errorf("got %+v, want non-retryable AUTH_ERROR requiring reconnection", got)
	}
}

func TestClassify_NoResponseIsUnknown(t *testing.T) {
	got := Classify(errors.New("dial tcp: i/o timeout"), "corr")
	if got.Kind != model.ErrUnknown || got.Retryable {
		t.Errorf("got %+v, want non-retryable UNKNOWN_ERROR", got)
	}
	if got.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", got.StatusCode)
	}
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: model.ErrServer, Retryable: true}
	got := Classify(fmt.Errorf("ctx: %w", orig), "corr-2")
	if got.Kind != model.ErrServer || got.CorrelationID != "corr-2" {
		t.Errorf("got %+v", got)
	}
	if orig.CorrelationID != "" {
		t.Error("Classify mutated the original error")
	}
	if Classify(nil, "x") != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"120", 2 * time.Minute},
		{"-5", 0},
		{"garbage", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-30 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.value != "" {
			h.Set("Retry-After", tt.value)
		}
		if got := parseRetryAfter(h, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestError_SyncError(t *testing.T) {
	e := &Error{Kind: model.ErrAuth, Message: "revoked", RequiresReconnection: true}
	got := e.SyncError()
	want := model.SyncError{Kind: model.ErrAuth, Message: "revoked", RequiresReconnection: true}
	if got != want {
		t.Errorf("SyncError() = %+v, want %+v", got, want)
	}
	if !IsReconnectRequired(fmt.Errorf("x: %w", e)) {
		t.Error("IsReconnectRequired = false, want true")
	}
}
