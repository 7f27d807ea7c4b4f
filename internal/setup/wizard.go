package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joaopcouto/adapsync/internal/config"
	"github.com/joaopcouto/adapsync/internal/tokencrypt"
)

// Wizard walks the user through writing a configuration file.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run asks for the Google OAuth client, storage, calendar defaults and
// optional Twilio notices, then writes the configuration to cfgPath. A fresh
// token encryption key is generated for new configurations.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\nWelcome to adapsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes the configuration for calendar sync.\n\n")

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "  Note: a new encryption key makes stored refresh tokens unreadable;\n")
		fmt.Fprintf(wiz.w, "  users will have to reconnect their calendars.\n\n")
	}

	cfg := &config.Config{}

	// Step 1: Google OAuth client.
	fmt.Fprintf(wiz.w, "Step 1/4 - Google OAuth Client\n")
	cfg.Google.ClientID = wiz.prompt.String("Client ID", "")
	cfg.Google.ClientSecret = wiz.prompt.Secret("Client secret")

	key, err := tokencrypt.GenerateKey()
	if err != nil {
		return err
	}
	cfg.Google.TokenEncryptionKey = key
	fmt.Fprintf(wiz.w, "  ✓ Generated a token encryption key\n\n")

	// Step 2: Storage.
	fmt.Fprintf(wiz.w, "Step 2/4 - Storage\n")
	backend, err := wiz.prompt.Select("Reminder database", []string{"SQLite file", "PostgreSQL"})
	if err != nil {
		return fmt.Errorf("selecting database: %w", err)
	}
	if backend == 0 {
		cfg.Database.SQLitePath = wiz.prompt.String("SQLite path", config.DefaultSQLitePath)
	} else {
		cfg.Database.URL = wiz.prompt.Secret("PostgreSQL URL")
	}
	cfg.Database.StatePath = wiz.prompt.Optional("Sync state DB path")
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Calendar defaults and retries.
	fmt.Fprintf(wiz.w, "Step 3/4 - Calendar Defaults\n")
	cfg.Google.DefaultTimezone = wiz.prompt.Checked("Default timezone", config.DefaultTimezone, func(v string) error {
		if _, err := time.LoadLocation(v); err != nil {
			return errors.New("unknown timezone")
		}
		return nil
	})
	cfg.Sync.Schedule = wiz.prompt.Checked("Retry schedule (cron spec)", config.DefaultSchedule, func(v string) error {
		if _, err := cron.ParseStandard(v); err != nil {
			return errors.New("invalid schedule")
		}
		return nil
	})
	cfg.Admin.Listen = wiz.prompt.String("Admin API listen address", config.DefaultAdminListen)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Twilio.
	fmt.Fprintf(wiz.w, "Step 4/4 - Reconnect Notices\n")
	if wiz.prompt.Confirm("Notify users on WhatsApp when their calendar must be reconnected?", false) {
		cfg.Twilio = &config.TwilioConfig{
			AccountSID:     wiz.prompt.String("Twilio account SID", ""),
			AuthToken:      wiz.prompt.Secret("Twilio auth token"),
			WhatsAppNumber: wiz.prompt.String("WhatsApp sender number", ""),
		}
	}
	fmt.Fprintf(wiz.w, "\n")

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	wiz.logger.Info("config written", "path", cfgPath)

	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Next steps:\n")
	fmt.Fprintf(wiz.w, "  Run:     adapsync serve --config %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Health:  adapsync health --config %s\n\n", cfgPath)
	return nil
}
