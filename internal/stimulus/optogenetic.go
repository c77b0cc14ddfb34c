package stimulus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/config"
	"github.com/ashureev/simpa/internal/device"
	"github.com/ashureev/simpa/internal/domain"
	"github.com/ashureev/simpa/internal/schedule"
)

// ErrISITimeout is returned when no interval message arrives in time.
var ErrISITimeout = errors.New("stimulus: no interval message from the conditioning stimulator")

// Optogenetic pulses the light source on the trials its plan selects, timed
// relative to the conditioning stimuli through each condition's offset.
type Optogenetic struct {
	opto    config.Opto
	board   device.Board
	plan    *schedule.Sequence[*schedule.Condition]
	isiWait time.Duration
	clock   domain.Clock

	pulseOn   bool
	pulseCode int
}

// NewOptogenetic creates the optogenetic stimulator. The plan must assign a
// condition to each of the trials.
func NewOptogenetic(opto config.Opto, board device.Board, plan *schedule.Plan, isiWait time.Duration, clock domain.Clock, trials int) (*Optogenetic, error) {
	if plan == nil || len(plan.TrialIndex) != trials {
		n := 0
		if plan != nil {
			n = len(plan.TrialIndex)
		}
		return nil, fmt.Errorf("%w: %d planned for %d trials", schedule.ErrPlanLength, n, trials)
	}
	seq, err := plan.Sequence()
	if err != nil {
		return nil, err
	}
	return &Optogenetic{
		opto:    opto,
		board:   board,
		plan:    seq,
		isiWait: isiWait,
		clock:   clock,
	}, nil
}

// Run is the agent task.
func (o *Optogenetic) Run(ctx context.Context, a *agent.Agent) (err error) {
	defer func() {
		if err != nil {
			o.release(a)
		}
		err = conclude(a, err)
	}()

	if err := o.setup(); err != nil {
		return err
	}
	for trial, cond := range o.plan.All() {
		if err := o.runTrial(ctx, a, trial, cond); err != nil {
			return fmt.Errorf("trial %d: %w", trial, err)
		}
	}
	return nil
}

func (o *Optogenetic) setup() error {
	for i, freq := range o.opto.Frequencies {
		if err := o.board.SetPulseParams(i, freq, o.opto.Duration); err != nil {
			return fmt.Errorf("pulse setting %d: %w", i, err)
		}
	}
	if err := o.board.DigitalWrite(o.opto.Pin, device.Low); err != nil {
		return fmt.Errorf("reset pin %d: %w", o.opto.Pin, err)
	}
	return nil
}

func (o *Optogenetic) runTrial(ctx context.Context, a *agent.Agent, trial int, cond *schedule.Condition) error {
	isi, err := o.awaitISI(ctx, a)
	if err != nil {
		return err
	}
	if isi.Trial != trial {
		a.Logger().Warn("Interval message out of step", "trial", trial, "isi_trial", isi.Trial)
	}
	if cond == nil {
		return nil
	}

	offset, err := cond.NextOffset()
	if err != nil {
		return fmt.Errorf("%s: %w", cond, err)
	}
	a.Logger().Info("Stimulating", "trial", trial, "condition", cond.String(), "offset", offset)

	if err := a.SleepUntil(ctx, isi.SentAt, schedule.Seconds(isi.Interval-offset)); err != nil {
		return err
	}

	freq, err := o.board.PulseFrequency(cond.PulseIndex)
	if err != nil {
		return err
	}
	if err := o.board.PulseOn(o.opto.Pin, cond.PulseIndex); err != nil {
		return fmt.Errorf("pulse on: %w", err)
	}
	o.pulseOn, o.pulseCode = true, freq
	if err := emit(a, o.clock, domain.NewOnset(domain.KindOpto, freq)); err != nil {
		return err
	}

	if err := a.Sleep(ctx, o.opto.StimulationDuration()); err != nil {
		return err
	}
	return o.off(a)
}

// awaitISI receives the next interval message, skipping anything else.
func (o *Optogenetic) awaitISI(ctx context.Context, a *agent.Agent) (ISI, error) {
	for {
		msg, err := a.Recv(ctx, o.isiWait)
		if errors.Is(err, agent.ErrTimeout) {
			return ISI{}, ErrISITimeout
		}
		if err != nil {
			return ISI{}, err
		}
		if isi, ok := msg.Payload.(ISI); ok {
			return isi, nil
		}
		a.Logger().Debug("Ignoring message", "from", string(msg.From))
	}
}

func (o *Optogenetic) off(a *agent.Agent) error {
	o.pulseOn = false
	var offErr error
	if err := o.board.PulseOff(); err != nil {
		offErr = fmt.Errorf("pulse off: %w", err)
	}
	return errors.Join(offErr, emit(a, o.clock, domain.NewOffset(domain.KindOpto, o.pulseCode)))
}

func (o *Optogenetic) release(a *agent.Agent) {
	if !o.pulseOn {
		return
	}
	if err := o.off(a); err != nil {
		a.Logger().Error("Failed to stop pulse", "error", err)
	}
}
