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

// Conditioning delivers the CS (tone) and the US (pin pulse) on every trial:
// WAIT_ITI, CS_ON, TRACE, US_ON, US_OFF.
type Conditioning struct {
	exp     config.Experiment
	board   device.Board
	speaker device.Speaker
	trials  *schedule.Sequence[float64]
	clock   domain.Clock
	opto    agent.Address
	camera  agent.Address

	csOn bool
	usOn bool
}

// NewConditioning creates the conditioning stimulator. intervals must hold
// one wait per configured trial.
func NewConditioning(exp config.Experiment, board device.Board, speaker device.Speaker, intervals []float64, clock domain.Clock) (*Conditioning, error) {
	if len(intervals) != exp.Trial {
		return nil, fmt.Errorf("%w: %d intervals for %d trials", schedule.ErrPlanLength, len(intervals), exp.Trial)
	}
	return &Conditioning{
		exp:     exp,
		board:   board,
		speaker: speaker,
		trials:  schedule.Indexed(intervals),
		clock:   clock,
	}, nil
}

// WithOpto forwards every trial's interval to the agent at addr.
func (c *Conditioning) WithOpto(addr agent.Address) *Conditioning {
	c.opto = addr
	return c
}

// WithCamera relays CS overlay state to the agent at addr.
func (c *Conditioning) WithCamera(addr agent.Address) *Conditioning {
	c.camera = addr
	return c
}

func (c *Conditioning) tone() device.Tone {
	return device.Tone{Frequency: c.exp.Frequency, Duration: schedule.Seconds(c.exp.CSDuration)}
}

func (c *Conditioning) csCode() int {
	return int(c.exp.Frequency)
}

// Run is the agent task.
func (c *Conditioning) Run(ctx context.Context, a *agent.Agent) (err error) {
	defer func() {
		if err != nil {
			c.release(a)
		}
		err = conclude(a, err)
	}()

	if err := a.Send(agent.Recorder, agent.SignalStart); err != nil {
		return err
	}
	for trial, interval := range c.trials.All() {
		if err := c.runTrial(ctx, a, trial, interval); err != nil {
			return fmt.Errorf("trial %d: %w", trial, err)
		}
	}
	a.Logger().Info("All trials delivered", "trials", c.trials.Len())
	return nil
}

func (c *Conditioning) runTrial(ctx context.Context, a *agent.Agent, trial int, interval float64) error {
	a.Logger().Info("Trial", "trial", trial, "interval", interval)

	if c.opto != "" {
		if err := a.Send(c.opto, ISI{Trial: trial, Interval: interval, SentAt: time.Now()}); err != nil {
			return err
		}
	}

	if err := a.Sleep(ctx, schedule.Seconds(interval)); err != nil {
		return err
	}

	if err := emit(a, c.clock, domain.NewOnset(domain.KindCS, c.csCode())); err != nil {
		return err
	}
	c.csOn = true
	c.overlay(a, trial, true)
	if err := a.CallAsync(ctx, func(ctx context.Context) error {
		return c.speaker.Play(ctx, c.tone())
	}); err != nil {
		return err
	}

	if c.exp.TraceInterval > 0 {
		if err := a.Sleep(ctx, schedule.Seconds(c.exp.TraceInterval)); err != nil {
			return err
		}
	}
	if err := c.csOff(a, trial); err != nil {
		return err
	}

	if err := emit(a, c.clock, domain.NewOnset(domain.KindUS, c.exp.US)); err != nil {
		return err
	}
	c.usOn = true
	if err := c.board.DigitalWrite(c.exp.US, device.High); err != nil {
		return fmt.Errorf("us on: %w", err)
	}
	if err := a.Sleep(ctx, schedule.Seconds(c.exp.USDuration)); err != nil {
		return err
	}
	return c.usOff(a)
}

func (c *Conditioning) csOff(a *agent.Agent, trial int) error {
	c.csOn = false
	c.overlay(a, trial, false)
	return emit(a, c.clock, domain.NewOffset(domain.KindCS, c.csCode()))
}

func (c *Conditioning) usOff(a *agent.Agent) error {
	c.usOn = false
	var writeErr error
	if err := c.board.DigitalWrite(c.exp.US, device.Low); err != nil {
		writeErr = fmt.Errorf("us off: %w", err)
	}
	return errors.Join(writeErr, emit(a, c.clock, domain.NewOffset(domain.KindUS, c.exp.US)))
}

// release closes any stimulus left open by an aborted trial so every onset
// in the log keeps its offset.
func (c *Conditioning) release(a *agent.Agent) {
	if c.csOn {
		if err := c.csOff(a, -1); err != nil {
			a.Logger().Warn("Failed to close CS", "error", err)
		}
	}
	if c.usOn {
		if err := c.usOff(a); err != nil {
			a.Logger().Error("Failed to release US line", "pin", c.exp.US, "error", err)
		}
	}
}

func (c *Conditioning) overlay(a *agent.Agent, trial int, on bool) {
	if c.camera == "" {
		return
	}
	if err := a.Send(c.camera, device.Overlay{Trial: trial, CSOn: on}); err != nil {
		a.Logger().Debug("Camera overlay not delivered", "error", err)
	}
}
