// Package httpapi serves the admin HTTP API: sync health and metrics, manual
// retry runs, and per-user reminder listings with their sync status.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/reminder"
	syncp "github.com/joaopcouto/adapsync/internal/sync"
)

// CorrelationHeader carries the correlation id in and out of the API.
const CorrelationHeader = "X-Correlation-ID"

// Coordinator is the retry coordinator as seen by the API.
// Implemented by [syncp.Coordinator].
type Coordinator interface {
	Health(ctx context.Context) syncp.Health
	Metrics() syncp.Metrics
	ForceRun(ctx context.Context) (syncp.RunStats, error)
}

// Reminders is the reminder service as seen by the API.
// Implemented by [reminder.Service].
type Reminders interface {
	CreateReminder(ctx context.Context, data reminder.NewReminder, userID, phoneNumber string) (reminder.Created, error)
	DeleteReminder(ctx context.Context, messageID, userID string) (bool, error)
	GetReminderWithSyncStatus(ctx context.Context, messageID, userID string) (*reminder.WithSyncStatus, error)
	GetRemindersWithSyncStatus(ctx context.Context, userID string) ([]reminder.WithSyncStatus, error)
}

// Router holds the handlers' dependencies.
type Router struct {
	coord     Coordinator
	reminders Reminders
	log       *slog.Logger
}

// NewRouter builds the admin API handler.
func NewRouter(coord Coordinator, reminders Reminders, logger *slog.Logger) http.Handler {
	r := &Router{coord: coord, reminders: reminders, log: logger}
	mux := chi.NewRouter()
	mux.Use(r.correlationMiddleware, r.logMiddleware)

	mux.Get("/health", r.handleHealth)
	mux.Get("/sync/metrics", r.handleMetrics)
	mux.Post("/sync/run", r.handleRun)

	mux.Route("/users/{userID}/reminders", func(ur chi.Router) {
		ur.Get("/", r.handleListReminders)
		ur.Post("/", r.handleCreateReminder)
		ur.Get("/{messageID}", r.handleGetReminder)
		ur.Delete("/{messageID}", r.handleDeleteReminder)
	})

	return mux
}

func (r *Router) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		id := req.Header.Get(CorrelationHeader)
		if id != "" {
			ctx = correlation.WithID(ctx, id)
		} else {
			ctx, id = correlation.Ensure(ctx)
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (r *Router) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.log.Debug("admin request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlation.ID(req.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
