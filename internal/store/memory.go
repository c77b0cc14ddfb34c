package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/simpa/internal/domain"
)

// Memory implements Repository in memory. Dry runs use it when no database
// path is wanted.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	trials   map[string][]domain.TrialRecord
	events   map[string][]domain.Row
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*domain.Session),
		trials:   make(map[string][]domain.TrialRecord),
		events:   make(map[string][]domain.Row),
	}
}

// CreateSession implements Repository.
func (m *Memory) CreateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("create session: %s already exists", session.ID)
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// FinishSession implements Repository.
func (m *Memory) FinishSession(_ context.Context, sessionID string, outcome domain.Outcome, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.Outcome = outcome
	s.EndedAt = &endedAt
	return nil
}

// GetSession implements Repository.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// ListSessions implements Repository.
func (m *Memory) ListSessions(_ context.Context, limit int) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *domain.Session) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveTrials implements Repository.
func (m *Memory) SaveTrials(_ context.Context, sessionID string, trials []domain.TrialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trials[sessionID] = slices.Clone(trials)
	return nil
}

// ListTrials implements Repository.
func (m *Memory) ListTrials(_ context.Context, sessionID string) ([]domain.TrialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.trials[sessionID]), nil
}

// AppendEvent implements Repository.
func (m *Memory) AppendEvent(_ context.Context, sessionID string, row domain.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sessionID] = append(m.events[sessionID], row)
	return nil
}

// ListEvents implements Repository.
func (m *Memory) ListEvents(_ context.Context, sessionID string, afterSeq int64) ([]domain.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Row
	for _, r := range m.events[sessionID] {
		if r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

// Ping implements Repository.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close implements Repository.
func (m *Memory) Close() error {
	return nil
}
