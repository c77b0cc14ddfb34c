package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Environment runs a group of agents. Several environments may run at once
// on separate goroutines; they talk only through a shared Registry.
type Environment struct {
	agents []*Agent
	logger *slog.Logger
	scale  float64
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the logger agents inherit.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Environment) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeScale multiplies every Sleep and Recv timeout. Values below 1
// compress a session for rehearsal runs.
func WithTimeScale(scale float64) Option {
	return func(e *Environment) {
		if scale > 0 {
			e.scale = scale
		}
	}
}

// NewEnvironment creates a scheduler group for agents.
func NewEnvironment(agents []*Agent, opts ...Option) *Environment {
	e := &Environment{
		agents: agents,
		logger: slog.Default(),
		scale:  1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts every task of every agent and waits for all of them. An agent
// finishes once all its tasks have returned. Errors other than
// ErrNotWorking are fatal and returned joined.
func (e *Environment) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, a := range e.agents {
		a.scale = e.scale
		a.logger = e.logger.With("agent", string(a.addr))

		var agentWg sync.WaitGroup
		for _, task := range a.tasks {
			agentWg.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer agentWg.Done()

				if err := task(ctx, a); err != nil && !errors.Is(err, ErrNotWorking) {
					a.logger.Error("Agent task failed", "error", err)
					mu.Lock()
					errs = append(errs, fmt.Errorf("agent %s: %w", a.addr, err))
					mu.Unlock()
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			agentWg.Wait()
			a.Finish()
			a.logger.Debug("Agent terminated", "stopped", a.Stopped())
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}
