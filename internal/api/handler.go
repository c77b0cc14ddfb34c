// Package api provides the HTTP and gRPC monitoring surface of a session.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/simpa/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	status *Status
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, status *Status) *Handler {
	if status == nil {
		status = NewStatus(nil)
	}
	return &Handler{repo: repo, status: status}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
