package agent

import (
	"sync"
)

// Mailbox is an unbounded FIFO queue of inbound messages with a single
// consumer. Put never blocks.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put appends msg and wakes the consumer.
func (m *Mailbox) Put(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the oldest message, if any.
func (m *Mailbox) Get() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue[0] = Message{}
	m.queue = m.queue[1:]
	return msg, true
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ready is signalled after every Put. A token may be stale, so consumers
// must re-check with Get.
func (m *Mailbox) ready() <-chan struct{} {
	return m.notify
}
