package agent

import (
	"fmt"
	"sync"
)

// Registry routes messages between agents, including agents running in
// different environments.
type Registry struct {
	mu     sync.RWMutex
	agents map[Address]*Agent
	order  []Address
}

// NewRegistry connects the given agents.
func NewRegistry(agents ...*Agent) (*Registry, error) {
	r := &Registry{agents: make(map[Address]*Agent)}
	for _, a := range agents {
		if err := r.Add(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add connects one more agent.
func (r *Registry) Add(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.addr]; exists {
		return fmt.Errorf("agent: duplicate address %q", a.addr)
	}
	r.agents[a.addr] = a
	r.order = append(r.order, a.addr)
	a.registry = r
	return nil
}

// Lookup returns the agent registered at addr.
func (r *Registry) Lookup(addr Address) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[addr]
	return a, ok
}

// Addresses returns every registered address in registration order.
func (r *Registry) Addresses() []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Address(nil), r.order...)
}

// Deliver routes msg to its recipient. SignalStop is applied to the
// recipient directly instead of being queued.
func (r *Registry) Deliver(msg Message) error {
	target, ok := r.Lookup(msg.To)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAddress, msg.To)
	}
	if sig, ok := msg.Signal(); ok && sig == SignalStop {
		target.stop()
		return nil
	}
	target.mailbox.Put(msg)
	return nil
}

// Broadcast delivers payload to every agent except from.
func (r *Registry) Broadcast(from Address, payload any) {
	for _, addr := range r.Addresses() {
		if addr == from {
			continue
		}
		_ = r.Deliver(Message{From: from, To: addr, Payload: payload})
	}
}

// StopAll stops every registered agent.
func (r *Registry) StopAll() {
	r.Broadcast("", SignalStop)
}
