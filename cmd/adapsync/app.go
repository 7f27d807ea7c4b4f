package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/joaopcouto/adapsync/internal/calendar"
	"github.com/joaopcouto/adapsync/internal/config"
	"github.com/joaopcouto/adapsync/internal/database"
	"github.com/joaopcouto/adapsync/internal/notify"
	"github.com/joaopcouto/adapsync/internal/reminder"
	"github.com/joaopcouto/adapsync/internal/state"
	syncp "github.com/joaopcouto/adapsync/internal/sync"
	"github.com/joaopcouto/adapsync/internal/telemetry"
	"github.com/joaopcouto/adapsync/internal/tokencrypt"
)

// app is the fully wired process shared by all subcommands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	stateDB   *state.Store
	db        *gorm.DB
	manager   *syncp.Manager
	coord     *syncp.Coordinator
	reminders *reminder.Service

	closers []func() error
}

// newApp loads the config and builds every component. forceRetries enables
// the coordinator even when the config turns scheduled retries off.
func newApp(ctx context.Context, flags *rootFlags, version string, forceRetries bool) (_ *app, err error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if flags.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	a := &app{log: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", flags.configPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"postgres", cfg.Database.URL != "",
		"retries_enabled", cfg.Sync.RetriesEnabled(),
		"schedule", cfg.Sync.Schedule,
		"twilio", cfg.Twilio != nil,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return shutdownTel(flushCtx)
			})
		}
	}

	// --- Sync state DB -------------------------------------------------------

	statePath := cfg.Database.StatePath
	if statePath == "" {
		if statePath, err = state.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	a.stateDB, err = state.Open(statePath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	a.closers = append(a.closers, a.stateDB.Close)
	logger.Info("state DB opened", "path", statePath)

	// --- Application DB ------------------------------------------------------

	a.db, err = database.New(cfg.Database.URL, cfg.Database.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	db := a.db
	a.closers = append(a.closers, func() error { return database.Close(db) })
	reminders := database.NewReminderRepository(a.db)
	creds := database.NewCredentialRepository(a.db)

	// --- Calendar gateway ----------------------------------------------------

	box, err := tokencrypt.NewFromBase64(cfg.Google.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	gateway := calendar.New(calendar.Config{
		ClientID:        cfg.Google.ClientID,
		ClientSecret:    cfg.Google.ClientSecret,
		DefaultTimezone: cfg.Google.DefaultTimezone,
		DefaultDuration: cfg.Google.DefaultEventDuration,
		HTTPClient:      &http.Client{Timeout: cfg.Google.RequestTimeout},
	}, box, logger)

	// --- Sync engine ---------------------------------------------------------

	// A first sync still PENDING past its own timeout plus one spacing
	// interval was interrupted.
	policy := syncp.RetryPolicy{
		MaxRetries:     cfg.Sync.MaxRetries,
		MinSpacing:     cfg.Sync.MinRetrySpacing,
		PendingTimeout: cfg.Sync.FirstSyncTimeout + cfg.Sync.MinRetrySpacing,
	}
	mgrOpts := []syncp.ManagerOption{syncp.WithPolicy(policy)}
	if tw := cfg.Twilio; tw != nil {
		mgrOpts = append(mgrOpts, syncp.WithNotifier(notify.NewTwilio(tw.AccountSID, tw.AuthToken, tw.WhatsAppNumber, logger)))
	}
	a.manager = syncp.NewManager(gateway, a.stateDB, creds, reminders, logger, mgrOpts...)

	a.coord = syncp.NewCoordinator(a.stateDB, a.manager, syncp.CoordinatorConfig{
		Enabled:          cfg.Sync.RetriesEnabled() || forceRetries,
		Schedule:         cfg.Sync.Schedule,
		BatchSize:        cfg.Sync.BatchSize,
		CleanupBatchSize: cfg.Sync.CleanupBatchSize,
		CleanupAge:       cfg.Sync.CleanupAge,
	}, logger, syncp.WithRetryPolicy(policy))

	a.reminders = reminder.NewService(reminders, a.stateDB, a.manager, logger,
		reminder.WithSyncTimeout(cfg.Sync.FirstSyncTimeout))

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("closing resource", "error", err)
		}
	}
	a.closers = nil
}
