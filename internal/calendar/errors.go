package calendar

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/joaopcouto/adapsync/internal/model"
)

// Error is a classified calendar failure. Every error returned by [Gateway]
// is an *Error; callers use errors.As to inspect it.
type Error struct {
	Kind       model.ErrorKind
	Message    string
	StatusCode int // 0 when no HTTP response was received

	Retryable            bool
	RequiresReconnection bool

	// RetryAfter is the provider-requested backoff for RATE_LIMIT errors.
	RetryAfter time.Duration

	CorrelationID string

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// SyncError returns the persisted form of e.
func (e *Error) SyncError() model.SyncError {
	return model.SyncError{
		Kind:                 e.Kind,
		Message:              e.Message,
		Retryable:            e.Retryable,
		RequiresReconnection: e.RequiresReconnection,
	}
}

// IsReconnectRequired reports whether err is an AUTH_ERROR that disables the
// user's integration until they re-authorize.
func IsReconnectRequired(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == model.ErrAuth && ce.RequiresReconnection
}

// Classify maps err onto the calendar error taxonomy:
//
//   - 401, 403, or 400 mentioning a token/grant → AUTH_ERROR (terminal);
//     reconnection is required for 403, invalid_grant and insufficient
//     permission
//   - 429 → RATE_LIMIT (retryable, honouring Retry-After)
//   - 5xx → SERVER_ERROR (retryable)
//   - other 4xx → CLIENT_ERROR (terminal)
//   - no HTTP response → UNKNOWN_ERROR (terminal)
//
// An error that is already an *Error is returned unchanged apart from
// filling in a missing correlation id.
func Classify(err error, correlationID string) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.CorrelationID == "" && correlationID != "" {
			cp := *ce
			cp.CorrelationID = correlationID
			return &cp
		}
		return ce
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		var text strings.Builder
		text.WriteString(gerr.Message)
		text.WriteString(" ")
		text.WriteString(gerr.Body)
		for _, item := range gerr.Errors {
			text.WriteString(" ")
			text.WriteString(item.Reason)
		}
		msg := gerr.Message
		if msg == "" {
			msg = http.StatusText(gerr.Code)
		}
		return fromStatus(gerr.Code, gerr.Header, msg, text.String(), correlationID, err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		msg := rerr.ErrorCode
		if rerr.ErrorDescription != "" {
			msg += ": " + rerr.ErrorDescription
		}
		if msg == "" {
			msg = http.StatusText(rerr.Response.StatusCode)
		}
		text := rerr.ErrorCode + " " + rerr.ErrorDescription + " " + string(rerr.Body)
		return fromStatus(rerr.Response.StatusCode, rerr.Response.Header, msg, text, correlationID, err)
	}

	return &Error{
		Kind:          model.ErrUnknown,
		Message:       err.Error(),
		CorrelationID: correlationID,
		Err:           err,
	}
}

func fromStatus(code int, header http.Header, msg, text, correlationID string, cause error) *Error {
	e := &Error{
		Message:       msg,
		StatusCode:    code,
		CorrelationID: correlationID,
		Err:           cause,
	}
	lower := strings.ToLower(text)

	switch {
	case code == http.StatusUnauthorized:
		e.Kind = model.ErrAuth
		e.RequiresReconnection = mentionsInvalidGrant(lower) || mentionsInsufficientPermission(lower)
	case code == http.StatusForbidden:
		e.Kind = model.ErrAuth
		e.RequiresReconnection = true
	case code == http.StatusBadRequest && (strings.Contains(lower, "token") || strings.Contains(lower, "grant")):
		e.Kind = model.ErrAuth
		e.RequiresReconnection = mentionsInvalidGrant(lower) || mentionsInsufficientPermission(lower)
	case code == http.StatusTooManyRequests:
		e.Kind = model.ErrRate
		e.Retryable = true
		e.RetryAfter = parseRetryAfter(header, time.Now())
	case code >= 500:
		e.Kind = model.ErrServer
		e.Retryable = true
	case code >= 400:
		e.Kind = model.ErrClient
	default:
		e.Kind = model.ErrUnknown
	}
	return e
}

func mentionsInvalidGrant(lower string) bool {
	return strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "invalid grant")
}

func mentionsInsufficientPermission(lower string) bool {
	return strings.Contains(lower, "insufficient_permission") ||
		strings.Contains(lower, "insufficientpermissions") ||
		strings.Contains(lower, "insufficient permission")
}

// parseRetryAfter reads a Retry-After header given either as delta-seconds or
// as an HTTP date. It returns 0 when the header is absent or unusable.
func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
