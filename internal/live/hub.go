// Package live streams recorder rows to monitoring clients.
package live

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/simpa/internal/domain"
)

const defaultQueueSize = 100

// Subscriber is one monitoring client's queue.
type Subscriber struct {
	id      string
	rows    chan domain.Row
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// Rows delivers published rows. It is never closed; use Done.
func (s *Subscriber) Rows() <-chan domain.Row {
	return s.rows
}

// Done is closed when the subscriber is removed from its hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many rows were discarded because the client was slow.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// offer queues row without blocking. A full queue drops its oldest row
// to make room.
func (s *Subscriber) offer(row domain.Row, logger *slog.Logger) {
	select {
	case s.rows <- row:
		return
	default:
	}

	select {
	case <-s.rows:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.rows <- row:
	default:
		s.dropped.Add(1)
		logger.Warn("Failed to queue row after backpressure", "subscriber", s.id, "seq", row.Seq)
	}
}

// Hub fans recorder rows out to subscribers. It implements
// session.Publisher.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	backlog   *Backlog
	queueSize int
	last      atomic.Int64
	logger    *slog.Logger
}

// NewHub creates a hub retaining backlog rows for late subscribers.
func NewHub(backlog int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		backlog:   NewBacklog(backlog),
		queueSize: defaultQueueSize,
		logger:    logger,
	}
}

// Publish implements session.Publisher.
func (h *Hub) Publish(row domain.Row) {
	h.backlog.Add(row)
	h.last.Store(row.Seq)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.offer(row, h.logger)
	}
}

// LastSeq returns the sequence number of the last published row.
func (h *Hub) LastSeq() int64 {
	return h.last.Load()
}

// Backlog returns the retained rows, oldest first.
func (h *Hub) Backlog() []domain.Row {
	return h.backlog.Rows()
}

// Subscribe registers a client. A previous subscriber with the same id is
// replaced and closed.
func (h *Hub) Subscribe(id string) *Subscriber {
	s := &Subscriber{
		id:   id,
		rows: make(chan domain.Row, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.subs[id]; ok {
		existing.close()
	}
	h.subs[id] = s
	h.logger.Info("Monitor subscribed", "subscriber", id)
	return s
}

// Unsubscribe removes s if it is still the registered subscriber for its id.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.subs[s.id]; ok && current == s {
		delete(h.subs, s.id)
		h.logger.Info("Monitor unsubscribed", "subscriber", s.id, "dropped", s.Dropped())
	}
	s.close()
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
}
