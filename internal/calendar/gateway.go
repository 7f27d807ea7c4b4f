// Package calendar is the gateway to the Google Calendar API. It owns the
// OAuth token lifecycle (validation, refresh, revocation), shapes reminder
// data into calendar events stamped with an idempotency marker, and
// classifies every failure into the sync error taxonomy ([Error]).
//
// Credentials are never mutated in place. Operations return the credential
// that should be persisted afterwards; it is the same pointer that was passed
// in when nothing changed.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "time/tzdata" // user timezones must resolve in minimal containers

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/model"
)

const (
	// AppEventIDKey is the private extended property holding the
	// idempotency marker on every event this service creates.
	AppEventIDKey = "appEventId"

	// TokenSafetyBuffer is how long before expiry an access token stops
	// being considered usable.
	TokenSafetyBuffer = 2 * time.Minute

	// SystemDefaultDuration is the event length used when no valid end or
	// duration was supplied.
	SystemDefaultDuration = 30 * time.Minute

	// MinEventDuration is the shortest timed event that will be created.
	MinEventDuration = time.Minute

	defaultCalendarID = "primary"
	defaultRevokeURL  = "https://oauth2.googleapis.com/revoke"
	defaultTimeout    = 15 * time.Second
)

// TokenCipher seals refresh tokens at rest. Implemented by [tokencrypt.Box].
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config holds the OAuth client and endpoint settings for a [Gateway].
type Config struct {
	ClientID     string
	ClientSecret string

	// TokenURL overrides Google's OAuth2 token endpoint (tests).
	TokenURL string
	// RevokeURL overrides Google's token revocation endpoint (tests).
	RevokeURL string
	// APIEndpoint overrides the Calendar API base URL (tests).
	APIEndpoint string

	// DefaultTimezone applies to users without a timezone preference.
	DefaultTimezone string
	// DefaultDuration is the event length when neither an end nor a
	// duration was given. Zero means SystemDefaultDuration.
	DefaultDuration time.Duration

	// HTTPClient is the base client for every outbound call. Its Timeout is
	// the only deadline applied to a single remote call.
	HTTPClient *http.Client
}

// Gateway talks to the Google Calendar API on behalf of individual users.
type Gateway struct {
	oauth       *oauth2.Config
	cipher      TokenCipher
	httpClient  *http.Client
	apiEndpoint string
	revokeURL   string
	defaultLoc  *time.Location
	defaultDur  time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock used for token expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway.
func New(cfg Config, cipher TokenCipher, logger *slog.Logger, opts ...Option) *Gateway {
	endpoint := google.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	dur := cfg.DefaultDuration
	if dur <= 0 {
		dur = SystemDefaultDuration
	}
	loc := time.UTC
	if cfg.DefaultTimezone != "" {
		if l, err := time.LoadLocation(cfg.DefaultTimezone); err == nil {
			loc = l
		} else {
			logger.Warn("invalid default timezone, using UTC", "timezone", cfg.DefaultTimezone, "error", err)
		}
	}

	g := &Gateway{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{gcal.CalendarEventsScope},
		},
		cipher:      cipher,
		httpClient:  hc,
		apiEndpoint: cfg.APIEndpoint,
		revokeURL:   revokeURL,
		defaultLoc:  loc,
		defaultDur:  dur,
		now:         time.Now,
		log:         logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// APICall is one Calendar API interaction executed by
// [Gateway.ExecuteWithTokenRefresh].
type APICall func(ctx context.Context, svc *gcal.Service, calendarID string) error

// ExecuteWithTokenRefresh ensures cred carries a valid token and runs call.
// When call fails with an AUTH_ERROR the token is force-expired, refreshed,
// and call is retried, up to maxAuthRetries times. Any other failure is
// returned without retry.
func (g *Gateway) ExecuteWithTokenRefresh(ctx context.Context, cred *model.CalendarCredential, call APICall, maxAuthRetries int) (*model.CalendarCredential, error) {
	current, err := g.EnsureValidToken(ctx, cred)
	if err != nil {
		return current, err
	}

	for attempt := 0; ; attempt++ {
		svc, err := g.service(ctx, current)
		if err != nil {
			return current, g.classify(ctx, err)
		}

		err = call(ctx, svc, calendarID(current))
		if err == nil {
			return current, nil
		}
		cerr := g.classify(ctx, err)
		if cerr.Kind != model.ErrAuth || attempt >= maxAuthRetries {
			return current, cerr
		}

		g.log.Info("calendar rejected access token, forcing refresh",
			"user_id", current.UserID, "correlation_id", cerr.CorrelationID, "status", cerr.StatusCode)

		expired := current.Clone()
		expired.TokenExpiresAt = nil
		refreshed, err := g.EnsureValidToken(ctx, expired)
		if err != nil {
			if refreshed == expired {
				return current, err
			}
			return refreshed, err
		}
		current = refreshed
	}
}

// CreateEvent creates the calendar event for a reminder, stamping it with
// appEventID so a later retry can find it instead of creating a duplicate.
func (g *Gateway) CreateEvent(ctx context.Context, cred *model.CalendarCredential, data model.EventData, appEventID string) (model.CalendarEvent, *model.CalendarCredential, error) {
	ev, err := g.buildEvent(cred, data)
	if err != nil {
		return model.CalendarEvent{}, cred, g.classify(ctx, err)
	}
	ev.ExtendedProperties = &gcal.EventExtendedProperties{
		Private: map[string]string{AppEventIDKey: appEventID},
	}

	var out model.CalendarEvent
	updated, err := g.ExecuteWithTokenRefresh(ctx, cred, func(ctx context.Context, svc *gcal.Service, calID string) error {
		created, err := svc.Events.Insert(calID, ev).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = g.toCalendarEvent(created, calID)
		return nil
	}, 1)
	if err != nil {
		return model.CalendarEvent{}, updated, err
	}

	g.log.Debug("calendar event created",
		"event_id", out.EventID, "app_event_id", appEventID, "correlation_id", correlation.ID(ctx))
	return out, updated, nil
}

// UpdateEvent rewrites an existing event from data. The idempotency marker is
// left untouched: the event is patched, not replaced.
func (g *Gateway) UpdateEvent(ctx context.Context, eventID string, cred *model.CalendarCredential, data model.EventData) (model.CalendarEvent, *model.CalendarCredential, error) {
	ev, err := g.buildEvent(cred, data)
	if err != nil {
		return model.CalendarEvent{}, cred, g.classify(ctx, err)
	}

	var out model.CalendarEvent
	updated, err := g.ExecuteWithTokenRefresh(ctx, cred, func(ctx context.Context, svc *gcal.Service, calID string) error {
		patched, err := svc.Events.Patch(calID, eventID, ev).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = g.toCalendarEvent(patched, calID)
		return nil
	}, 1)
	if err != nil {
		return model.CalendarEvent{}, updated, err
	}
	return out, updated, nil
}

// SearchEventByAppID looks up the event stamped with appEventID. It returns
// a nil event when none exists.
func (g *Gateway) SearchEventByAppID(ctx context.Context, cred *model.CalendarCredential, appEventID string) (*model.CalendarEvent, *model.CalendarCredential, error) {
	var found *model.CalendarEvent
	updated, err := g.ExecuteWithTokenRefresh(ctx, cred, func(ctx context.Context, svc *gcal.Service, calID string) error {
		list, err := svc.Events.List(calID).
			PrivateExtendedProperty(AppEventIDKey + "=" + appEventID).
			ShowDeleted(false).
			MaxResults(1).
			Context(ctx).
			Do()
		if err != nil {
			return err
		}
		if len(list.Items) > 0 {
			ev := g.toCalendarEvent(list.Items[0], calID)
			found = &ev
		}
		return nil
	}, 1)
	if err != nil {
		return nil, updated, err
	}
	return found, updated, nil
}

// service builds a Calendar client authorised with cred's access token.
func (g *Gateway) service(ctx context.Context, cred *model.CalendarCredential) (*gcal.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(g.oauthContext(ctx), ts)
	client.Timeout = g.httpClient.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.apiEndpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// oauthContext makes the oauth2 package use the gateway's HTTP client.
func (g *Gateway) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

func (g *Gateway) classify(ctx context.Context, err error) *Error {
	return Classify(err, correlation.ID(ctx))
}

func (g *Gateway) toCalendarEvent(ev *gcal.Event, calID string) model.CalendarEvent {
	out := model.CalendarEvent{
		EventID:    ev.Id,
		CalendarID: calID,
		Link:       ev.HtmlLink,
		CreatedAt:  g.now(),
	}
	if ev.Created != "" {
		if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
			out.CreatedAt = t
		}
	}
	return out
}

func calendarID(cred *model.CalendarCredential) string {
	if cred.CalendarID != "" {
		return cred.CalendarID
	}
	return defaultCalendarID
}
