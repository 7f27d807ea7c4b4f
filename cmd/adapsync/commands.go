package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joaopcouto/adapsync/internal/config"
	"github.com/joaopcouto/adapsync/internal/httpapi"
	"github.com/joaopcouto/adapsync/internal/setup"
	syncp "github.com/joaopcouto/adapsync/internal/sync"
)

const shutdownTimeout = 10 * time.Second

type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd(version string) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "adapsync",
		Short:         "Sync reminders to Google Calendar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultCfg, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(newInitCmd(flags))
	root.AddCommand(newServeCmd(flags, version))
	root.AddCommand(newSyncOnceCmd(flags, version))
	root.AddCommand(newHealthCmd(flags, version))
	root.AddCommand(newDisconnectCmd(flags, version))
	root.AddCommand(newVersionCmd(version))
	return root
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively write a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			return wiz.Run(ctx, flags.configPath)
		},
	}
}

func newServeCmd(flags *rootFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the retry coordinator and the admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(ctx, flags, version, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coord.Start(ctx); err != nil {
				return fmt.Errorf("starting retry coordinator: %w", err)
			}

			srv := &http.Server{
				Addr:              a.cfg.Admin.Listen,
				Handler:           httpapi.NewRouter(a.coord, a.reminders, a.log),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("admin API listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			a.log.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("admin API shutdown", "error", err)
			}
			if err := a.coord.Stop(shutdownCtx); err != nil {
				a.log.Error("stopping retry coordinator", "error", err)
			}
			if err := a.reminders.Wait(shutdownCtx); err != nil {
				a.log.Warn("background syncs still running at shutdown", "error", err)
			}
			if serveErr != nil {
				return fmt.Errorf("admin API: %w", serveErr)
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
}

func newSyncOnceCmd(flags *rootFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Retry eligible failed syncs once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(ctx, flags, version, true)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.coord.ForceRun(ctx)
			if err != nil {
				return fmt.Errorf("sync run: %w", err)
			}
			a.log.Info("sync complete",
				"processed", stats.Processed,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
				"delayed", stats.Delayed,
				"skipped", stats.Skipped,
				"cleaned", stats.Cleaned,
			)
			return printJSON(cmd, stats)
		},
	}
}

func newHealthCmd(flags *rootFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the health of the sync retry pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags, version, false)
			if err != nil {
				return err
			}
			defer a.close()

			h := a.coord.Health(cmd.Context())
			if err := printJSON(cmd, h); err != nil {
				return err
			}
			if h.Status == syncp.HealthCritical || h.Status == syncp.HealthError {
				return fmt.Errorf("sync health is %s", h.Status)
			}
			return nil
		},
	}
}

func newDisconnectCmd(flags *rootFlags, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <user-id>",
		Short: "Revoke a user's Google Calendar access and stop syncing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, version, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.DisconnectCalendar(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calendar disconnected for %s\n", args[0])
			return nil
		},
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "adapsync", version)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
