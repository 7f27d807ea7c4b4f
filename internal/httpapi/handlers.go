package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joaopcouto/adapsync/internal/reminder"
	syncp "github.com/joaopcouto/adapsync/internal/sync"
)

const maxBodyBytes = 1 << 16

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	h := r.coord.Health(req.Context())
	status := http.StatusOK
	if h.Status == syncp.HealthCritical || h.Status == syncp.HealthError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (r *Router) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.coord.Metrics())
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) {
	stats, err := r.coord.ForceRun(req.Context())
	switch {
	case errors.Is(err, syncp.ErrDisabled):
		writeError(w, http.StatusConflict, "sync retries are disabled")
	case errors.Is(err, syncp.ErrRunInProgress):
		writeError(w, http.StatusConflict, "a sync run is already in progress")
	case err != nil:
		r.log.Error("manual sync run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func (r *Router) handleListReminders(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	items, err := r.reminders.GetRemindersWithSyncStatus(req.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleGetReminder(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	messageID := chi.URLParam(req, "messageID")
	item, err := r.reminders.GetReminderWithSyncStatus(req.Context(), messageID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type createReminderRequest struct {
	Description     string     `json:"description"`
	DueAt           time.Time  `json:"dueAt"`
	EarlyReminderAt *time.Time `json:"earlyReminderAt,omitempty"`
	PhoneNumber     string     `json:"phoneNumber"`
	DateOnly        bool       `json:"dateOnly,omitempty"`
	AllDay          bool       `json:"allDay,omitempty"`
	EndAt           *time.Time `json:"endAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
}

type createReminderResponse struct {
	MessageID     string `json:"messageId"`
	SyncInitiated bool   `json:"syncInitiated"`
	CorrelationID string `json:"correlationId"`
}

func (r *Router) handleCreateReminder(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)

	var body createReminderRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	created, err := r.reminders.CreateReminder(req.Context(), reminder.NewReminder{
		Description:     body.Description,
		DueAt:           body.DueAt,
		EarlyReminderAt: body.EarlyReminderAt,
		DateOnly:        body.DateOnly,
		AllDay:          body.AllDay,
		EndAt:           body.EndAt,
		DurationMinutes: body.DurationMinutes,
	}, userID, body.PhoneNumber)
	if errors.Is(err, reminder.ErrInvalidReminder) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createReminderResponse{
		MessageID:     created.Reminder.MessageID,
		SyncInitiated: created.SyncInitiated,
		CorrelationID: created.CorrelationID,
	})
}

func (r *Router) handleDeleteReminder(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	messageID := chi.URLParam(req, "messageID")
	deleted, err := r.reminders.DeleteReminder(req.Context(), messageID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
