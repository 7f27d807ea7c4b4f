// Package notify sends WhatsApp messages to users through Twilio.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ReconnectMessage is sent when a user's calendar authorization stopped
// working.
const ReconnectMessage = "Your Google Calendar connection has expired, so new reminders are no longer " +
	"added to your calendar. Your reminders are still saved and will be delivered here as usual. " +
	"Reconnect your calendar to resume syncing."

// MessageAPI is the part of the Twilio REST client used here.
type MessageAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio sends WhatsApp messages from a fixed sender number.
type Twilio struct {
	api  MessageAPI
	from string
	log  *slog.Logger
}

// NewTwilio creates a notifier using the Twilio REST API.
func NewTwilio(accountSID, authToken, fromWhatsApp string, logger *slog.Logger) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	return NewWithAPI(client.Api, fromWhatsApp, logger)
}

// NewWithAPI creates a notifier on an existing message API.
func NewWithAPI(api MessageAPI, fromWhatsApp string, logger *slog.Logger) *Twilio {
	return &Twilio{api: api, from: fromWhatsApp, log: logger}
}

// NotifyReconnectRequired tells the user at phoneNumber to reconnect their
// calendar.
func (t *Twilio) NotifyReconnectRequired(ctx context.Context, phoneNumber string) error {
	return t.Send(ctx, phoneNumber, ReconnectMessage)
}

// Send delivers body to the WhatsApp number to.
func (t *Twilio) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sender := normalizeWhatsAppAddress(t.from)
	if sender == "" {
		return errors.New("twilio sender WhatsApp number is not configured")
	}
	recipient := normalizeWhatsAppAddress(to)
	if recipient == "" {
		return errors.New("recipient number missing or invalid")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(sender)
	params.SetBody(body)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("sending WhatsApp message: %w", err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	t.log.Info("WhatsApp message sent", "to", recipient, "sid", sid)
	return nil
}

func normalizeWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	switch {
	case trimmed == "":
		return ""
	case strings.HasPrefix(trimmed, "whatsapp:"):
		return trimmed
	case strings.HasPrefix(trimmed, "+"):
		return "whatsapp:" + trimmed
	default:
		return "whatsapp:+" + trimmed
	}
}
