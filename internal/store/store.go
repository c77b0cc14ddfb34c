// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/simpa/internal/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: session not found")

// Repository defines the interface for persisting sessions, their trial
// plans and their event logs.
type Repository interface {
	// CreateSession inserts a new running session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// FinishSession records the outcome and end time of a session.
	FinishSession(ctx context.Context, sessionID string, outcome domain.Outcome, endedAt time.Time) error

	// GetSession retrieves a session by ID, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns the most recent sessions first.
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)

	// SaveTrials stores the planned trials of a session.
	SaveTrials(ctx context.Context, sessionID string, trials []domain.TrialRecord) error

	// ListTrials returns the planned trials of a session in trial order.
	ListTrials(ctx context.Context, sessionID string) ([]domain.TrialRecord, error)

	// AppendEvent appends one row to the event log of a session.
	AppendEvent(ctx context.Context, sessionID string, row domain.Row) error

	// ListEvents returns the rows of a session with Seq > afterSeq, in order.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Row, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// EventSink appends recorder rows to one session's event log.
type EventSink struct {
	repo      Repository
	sessionID string
}

// NewEventSink returns a sink writing to sessionID in repo.
func NewEventSink(repo Repository, sessionID string) *EventSink {
	return &EventSink{repo: repo, sessionID: sessionID}
}

// Append stores row.
func (s *EventSink) Append(ctx context.Context, row domain.Row) error {
	return s.repo.AppendEvent(ctx, s.sessionID, row)
}

// Close is a no-op; the repository outlives the sink.
func (s *EventSink) Close() error {
	return nil
}
