// Package stimulus implements the agents that drive the conditioning,
// optogenetic, reader and camera hardware.
package stimulus

import (
	"errors"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/domain"
)

// Agent addresses.
const (
	ConditioningAddr agent.Address = "inostimulator"
	OptoAddr         agent.Address = "optstimulator"
	ReaderAddr       agent.Address = "reader"
	CameraAddr       agent.Address = "filmtaker"
)

// ISI is the per-trial interval the conditioning stimulator forwards to the
// optogenetic stimulator when the trial begins.
type ISI struct {
	Trial    int
	Interval float64
	SentAt   time.Time
}

// emit stamps e and sends it to the recorder.
func emit(a *agent.Agent, clock domain.Clock, e domain.Event) error {
	return a.Send(agent.Recorder, clock.Stamp(e, string(a.Address())))
}

// conclude sends the end-of-run notice for err: SignalEnd when nil,
// SignalAbend otherwise. The recorder is always notified before the
// observer so the notice is queued there when the observer stops it.
func conclude(a *agent.Agent, err error) error {
	sig := agent.SignalEnd
	if err != nil {
		sig = agent.SignalAbend
		a.Logger().Warn("Stimulator terminating abnormally", "error", err)
	}
	if sendErr := a.Send(agent.Recorder, sig); sendErr != nil {
		a.Logger().Error("Failed to notify recorder", "signal", sig.String(), "error", sendErr)
	}
	if sendErr := a.Send(agent.Observer, sig); sendErr != nil {
		a.Logger().Error("Failed to notify observer", "signal", sig.String(), "error", sendErr)
	}
	if err == nil {
		a.Finish()
	}
	if errors.Is(err, agent.ErrNotWorking) {
		return nil
	}
	return err
}
