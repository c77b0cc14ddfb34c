// Package identity generates and validates session identifiers.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionParam is the route parameter holding a session ID.
const SessionParam = "id"

type contextKey int

const sessionIDKey contextKey = iota

var (
	sessionIDPattern = regexp.MustCompile(`^ses_[a-f0-9]{32}$`)
	subjectPattern   = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// NewSessionID returns a new session ID. IDs generated later sort later.
func NewSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "ses_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

// ValidSessionID reports whether id has the form NewSessionID produces.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SanitizeSubject reduces a subject label to a safe token. Empty labels
// become "anonymous".
func SanitizeSubject(subject string) string {
	s := strings.Trim(subjectPattern.ReplaceAllString(strings.TrimSpace(subject), "-"), "-")
	if s == "" {
		return "anonymous"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// SessionIDFromContext extracts the validated session ID from the request
// context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests whose session route parameter is malformed
// and stores the ID in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, SessionParam)
		if !ValidSessionID(id) {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey, id)))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
