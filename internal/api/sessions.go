package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simpa/internal/export"
	"github.com/ashureev/simpa/internal/identity"
)

// SessionHandler serves the current session and the stored logs.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.Current)
		r.Get("/sessions", h.List)
		r.Route("/sessions/{"+identity.SessionParam+"}", func(r chi.Router) {
			r.Use(identity.Middleware)
			r.Get("/", h.Get)
			r.Get("/events", h.Events)
			r.Get("/events.csv", h.EventsCSV)
			r.Get("/trials", h.Trials)
		})
	})
}

// Current returns the session this process is running.
func (h *SessionHandler) Current(w http.ResponseWriter, _ *http.Request) {
	sess, rows, ok := h.status.Snapshot()
	if !ok {
		Error(w, http.StatusNotFound, "no session running")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"rows":    rows,
	})
}

// List returns the most recent stored sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.repo.ListSessions(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Get returns one stored session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	sess, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Events returns the event log of a session. The after query parameter
// returns only rows with a greater sequence number.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}

	rows, err := h.repo.ListEvents(r.Context(), id, after)
	if err != nil {
		slog.Error("Failed to list events", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "events": rows})
}

// EventsCSV downloads the event log in the analysis format.
func (h *SessionHandler) EventsCSV(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	rows, err := h.repo.ListEvents(r.Context(), id, 0)
	if err != nil {
		slog.Error("Failed to list events", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.csv"`)
	if err := export.WriteCSV(w, rows); err != nil {
		slog.Warn("Failed to write CSV", "session_id", id, "error", err)
	}
}

// Trials returns the planned trials of a session.
func (h *SessionHandler) Trials(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())
	trials, err := h.repo.ListTrials(r.Context(), id)
	if err != nil {
		slog.Error("Failed to list trials", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list trials")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "trials": trials})
}
