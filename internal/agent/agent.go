package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotWorking is returned from a suspension point once the agent has
	// been stopped or has finished.
	ErrNotWorking = errors.New("agent: not working")
	// ErrTimeout is returned by Recv when no message arrived in time.
	ErrTimeout = errors.New("agent: receive timed out")
	// ErrUnknownAddress is returned when sending to an unregistered address.
	ErrUnknownAddress = errors.New("agent: unknown address")
	// ErrUnregistered is returned when an agent sends before joining a registry.
	ErrUnregistered = errors.New("agent: not registered")
)

// Task is one control loop of an agent.
type Task func(ctx context.Context, a *Agent) error

// Agent owns a mailbox and a working flag. Its tasks only yield at Sleep,
// Recv and CallAsync; a stop request is observed there and nowhere else.
type Agent struct {
	addr     Address
	mailbox  *Mailbox
	tasks    []Task
	registry *Registry

	done     chan struct{}
	doneOnce sync.Once
	stopped  atomic.Bool

	scale  float64
	logger *slog.Logger
}

// New creates an agent with the given address.
func New(addr Address) *Agent {
	return &Agent{
		addr:    addr,
		mailbox: NewMailbox(),
		done:    make(chan struct{}),
		scale:   1,
		logger:  slog.Default().With("agent", string(addr)),
	}
}

// Assign adds a task and returns the agent for chaining.
func (a *Agent) Assign(task Task) *Agent {
	a.tasks = append(a.tasks, task)
	return a
}

// Address returns the agent's routing key.
func (a *Agent) Address() Address {
	return a.addr
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// Working reports whether the agent has neither finished nor been stopped.
func (a *Agent) Working() bool {
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// Stopped reports whether the agent was terminated by SignalStop.
func (a *Agent) Stopped() bool {
	return a.stopped.Load()
}

// Done is closed when the agent leaves the working state.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Finish moves the agent to its terminal state.
func (a *Agent) Finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *Agent) stop() {
	if a.Working() {
		a.stopped.Store(true)
	}
	a.Finish()
}

func (a *Agent) scaled(d time.Duration) time.Duration {
	if a.scale <= 0 || a.scale == 1 {
		return d
	}
	return time.Duration(float64(d) * a.scale)
}

// Sleep suspends the agent for d.
func (a *Agent) Sleep(ctx context.Context, d time.Duration) error {
	if !a.Working() {
		return ErrNotWorking
	}
	d = a.scaled(d)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-a.done:
		return ErrNotWorking
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepUntil suspends until d after anchor, with d subject to the time
// scale. It returns immediately when that point has already passed.
func (a *Agent) SleepUntil(ctx context.Context, anchor time.Time, d time.Duration) error {
	if !a.Working() {
		return ErrNotWorking
	}
	wait := time.Until(anchor.Add(a.scaled(d)))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-a.done:
		return ErrNotWorking
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv suspends until a message arrives. A non-positive timeout waits
// indefinitely.
func (a *Agent) Recv(ctx context.Context, timeout time.Duration) (Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = a.Deadline(timeout)
	}
	return a.RecvUntil(ctx, deadline)
}

// Deadline returns the point in time d from now, with d subject to the time
// scale.
func (a *Agent) Deadline(d time.Duration) time.Time {
	return time.Now().Add(a.scaled(d))
}

// RecvUntil suspends until a message arrives or deadline passes. A zero
// deadline waits indefinitely.
func (a *Agent) RecvUntil(ctx context.Context, deadline time.Time) (Message, error) {
	if !a.Working() {
		return Message{}, ErrNotWorking
	}

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if msg, ok := a.mailbox.Get(); ok {
			return msg, nil
		}
		select {
		case <-a.mailbox.ready():
		case <-expired:
			return Message{}, ErrTimeout
		case <-a.done:
			return Message{}, ErrNotWorking
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryRecv returns a queued message without suspending.
func (a *Agent) TryRecv() (Message, bool) {
	return a.mailbox.Get()
}

// CallAsync runs an I/O-bound fn without blocking other agents and suspends
// the caller until it returns. If the agent is stopped meanwhile, fn's
// context is cancelled and ErrNotWorking is returned.
func (a *Agent) CallAsync(ctx context.Context, fn func(ctx context.Context) error) error {
	if !a.Working() {
		return ErrNotWorking
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- fn(callCtx)
	}()

	select {
	case err := <-errc:
		return err
	case <-a.done:
		return ErrNotWorking
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues payload for the agent at to.
func (a *Agent) Send(to Address, payload any) error {
	if a.registry == nil {
		return ErrUnregistered
	}
	return a.registry.Deliver(Message{From: a.addr, To: to, Payload: payload})
}

// Broadcast sends payload to every other registered agent.
func (a *Agent) Broadcast(payload any) {
	if a.registry == nil {
		return
	}
	a.registry.Broadcast(a.addr, payload)
}

// Peers returns the addresses of every other registered agent.
func (a *Agent) Peers() []Address {
	if a.registry == nil {
		return nil
	}
	all := a.registry.Addresses()
	peers := make([]Address, 0, len(all))
	for _, addr := range all {
		if addr != a.addr {
			peers = append(peers, addr)
		}
	}
	return peers
}
