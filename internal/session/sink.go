package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/simpa/internal/domain"
)

// ErrSinkClosed is returned when appending to a closed sink.
var ErrSinkClosed = errors.New("session: sink closed")

// Sink persists event log rows in the order they are appended.
type Sink interface {
	Append(ctx context.Context, row domain.Row) error
	Close() error
}

// Publisher receives every recorded row for live display. Publish must not
// block.
type Publisher interface {
	Publish(row domain.Row)
}

// MemorySink keeps rows in memory.
type MemorySink struct {
	mu     sync.Mutex
	rows   []domain.Row
	closed bool
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, row domain.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.rows = append(m.rows, row)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Rows returns a copy of the appended rows.
func (m *MemorySink) Rows() []domain.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Row(nil), m.rows...)
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
