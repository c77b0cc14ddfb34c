package api

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/simpa/internal/domain"
)

// SessionService is the gRPC health service name that reports whether a
// session is running.
const SessionService = "simpa.Session"

// Status tracks the session this process is running.
type Status struct {
	mu      sync.RWMutex
	session *domain.Session
	rows    func() int64
	health  *health.Server
}

// NewStatus creates a status tracker. When hs is non-nil the session
// service's gRPC health follows the session.
func NewStatus(hs *health.Server) *Status {
	s := &Status{health: hs}
	s.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Begin records that sess has started. rows reports the recorded row count.
func (s *Status) Begin(sess *domain.Session, rows func() int64) {
	s.mu.Lock()
	cp := *sess
	s.session = &cp
	s.rows = rows
	s.mu.Unlock()
	s.setHealth(healthpb.HealthCheckResponse_SERVING)
}

// End records the outcome of the current session.
func (s *Status) End(outcome domain.Outcome, at time.Time) {
	s.mu.Lock()
	if s.session != nil {
		s.session.Outcome = outcome
		s.session.EndedAt = &at
	}
	s.mu.Unlock()
	s.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Snapshot returns a copy of the current session and its row count.
func (s *Status) Snapshot() (*domain.Session, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, 0, false
	}
	cp := *s.session
	var rows int64
	if s.rows != nil {
		rows = s.rows()
	}
	return &cp, rows, true
}

func (s *Status) setHealth(status healthpb.HealthCheckResponse_ServingStatus) {
	if s.health != nil {
		s.health.SetServingStatus(SessionService, status)
	}
}
