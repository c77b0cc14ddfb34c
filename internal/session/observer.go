package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/domain"
)

// Observer decides when a session is over. It collects one end or abend
// notice from every participant; the first abend from anyone stops every
// agent except the recorder. Once all participants have reported, or the
// grace period after an abend has run out, it stops the remaining agents.
type Observer struct {
	participants []agent.Address
	grace        time.Duration

	mu      sync.Mutex
	reports map[agent.Address]agent.Signal
	outcome domain.Outcome
	reason  agent.Address
}

// NewObserver creates an observer waiting on participants.
func NewObserver(participants []agent.Address, grace time.Duration) *Observer {
	return &Observer{
		participants: participants,
		grace:        grace,
		reports:      make(map[agent.Address]agent.Signal),
		outcome:      domain.OutcomeRunning,
	}
}

// Outcome returns the session outcome.
func (o *Observer) Outcome() domain.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcome
}

// Reports returns the notice received from each participant.
func (o *Observer) Reports() map[agent.Address]agent.Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.reports)
}

// AbortedBy returns the address of the first agent that sent an abend.
func (o *Observer) AbortedBy() agent.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Observer) pending() []agent.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []agent.Address
	for _, p := range o.participants {
		if _, ok := o.reports[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Run is the agent task.
func (o *Observer) Run(ctx context.Context, a *agent.Agent) error {
	var deadline time.Time
	for len(o.pending()) > 0 {
		msg, err := a.RecvUntil(ctx, deadline)
		if errors.Is(err, agent.ErrTimeout) {
			break
		}
		if err != nil {
			o.abort(a, "")
			stopPeers(a, "")
			return err
		}

		sig, ok := msg.Signal()
		if !ok || (sig != agent.SignalEnd && sig != agent.SignalAbend) {
			continue
		}
		if slices.Contains(o.participants, msg.From) {
			o.mu.Lock()
			if _, seen := o.reports[msg.From]; !seen {
				o.reports[msg.From] = sig
			}
			o.mu.Unlock()
		}
		if sig == agent.SignalAbend && o.abort(a, msg.From) {
			deadline = a.Deadline(o.grace)
		}
	}

	if missing := o.pending(); len(missing) > 0 {
		a.Logger().Warn("Participants did not report before the grace period ended", "missing", missing)
		o.abort(a, "")
	}

	o.mu.Lock()
	if o.outcome == domain.OutcomeRunning {
		o.outcome = domain.OutcomeCompleted
	}
	outcome := o.outcome
	o.mu.Unlock()

	a.Logger().Info("Session over", "outcome", string(outcome), "aborted_by", string(o.AbortedBy()))
	stopPeers(a, "")
	a.Finish()
	return nil
}

// abort marks the session aborted and stops everyone but the recorder. It
// reports whether this was the first abort.
func (o *Observer) abort(a *agent.Agent, from agent.Address) bool {
	o.mu.Lock()
	if o.outcome == domain.OutcomeAborted {
		o.mu.Unlock()
		return false
	}
	o.outcome = domain.OutcomeAborted
	o.reason = from
	o.mu.Unlock()

	a.Logger().Warn("Aborting session", "from", string(from))
	stopPeers(a, agent.Recorder)
	return true
}

func stopPeers(a *agent.Agent, except agent.Address) {
	for _, peer := range a.Peers() {
		if peer != except {
			_ = a.Send(peer, agent.SignalStop)
		}
	}
}
