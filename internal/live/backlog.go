package live

import (
	"sync"

	"github.com/ashureev/simpa/internal/domain"
)

// Backlog keeps the most recent rows so late subscribers can catch up.
// When full it overwrites the oldest row.
type Backlog struct {
	mu   sync.RWMutex
	buf  []domain.Row
	head int // next write position
	full bool
}

// NewBacklog creates a backlog holding up to size rows.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = 512
	}
	return &Backlog{buf: make([]domain.Row, size)}
}

// Add appends row, evicting the oldest one when full.
func (b *Backlog) Add(row domain.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf[b.head] = row
	b.head = (b.head + 1) % len(b.buf)
	if b.head == 0 {
		b.full = true
	}
}

// Rows returns the retained rows, oldest first.
func (b *Backlog) Rows() []domain.Row {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.full {
		return append([]domain.Row(nil), b.buf[:b.head]...)
	}
	out := make([]domain.Row, 0, len(b.buf))
	out = append(out, b.buf[b.head:]...)
	return append(out, b.buf[:b.head]...)
}

// Len returns the number of retained rows.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.buf)
	}
	return b.head
}
