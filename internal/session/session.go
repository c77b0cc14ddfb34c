// Package session wires the stimulators, recorder and observer of one
// conditioning session together and runs them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/config"
	"github.com/ashureev/simpa/internal/device"
	"github.com/ashureev/simpa/internal/domain"
	"github.com/ashureev/simpa/internal/schedule"
	"github.com/ashureev/simpa/internal/stimulus"
)

// Schedule is the pre-computed timing of a session.
type Schedule struct {
	Intervals []float64
	Plan      *schedule.Plan // nil when optogenetics is disabled
	Trials    []schedule.Trial
}

// Prepare draws the inter-trial intervals and, when optogenetics is
// enabled, the condition plan.
func Prepare(cfg *config.Config, rng *rand.Rand) (*Schedule, error) {
	exp := cfg.Experiment
	intervals := schedule.UniformIntervals(rng, cfg.IntervalMean(), exp.RangeITI, exp.Trial)

	var plan *schedule.Plan
	if cfg.Opto.Enabled {
		o := cfg.Opto
		var err error
		plan, err = schedule.PlanConditions(rng, schedule.PlanParams{
			Pulses:          len(o.Frequencies),
			Trials:          exp.Trial,
			Proportion:      o.ProportionOfStimulate,
			InterStimTrials: o.InterStimulationTrial,
			Offsets: schedule.OffsetConfig{
				US:          o.USOffset,
				CS:          o.CSOffset,
				RandomMean:  o.NoCS[0],
				RandomRange: o.NoCS[1],
			},
		})
		if err != nil {
			return nil, fmt.Errorf("plan conditions: %w", err)
		}
	}

	trials, err := schedule.BuildTrials(intervals, plan)
	if err != nil {
		return nil, err
	}
	return &Schedule{Intervals: intervals, Plan: plan, Trials: trials}, nil
}

// Records converts the schedule to its persisted form.
func (s *Schedule) Records() []domain.TrialRecord {
	out := make([]domain.TrialRecord, len(s.Trials))
	for i, t := range s.Trials {
		out[i] = domain.TrialRecord{Index: t.Index, Interval: t.Interval}
		if t.Condition != nil {
			pulse := t.Condition.PulseIndex
			out[i].PulseIndex = &pulse
			out[i].Timing = t.Condition.Timing.String()
		}
	}
	return out
}

// Devices are the collaborators a session drives. Opto defaults to Board
// and Camera is only used when video recording is on.
type Devices struct {
	Board   device.Board
	Opto    device.Board
	Speaker device.Speaker
	Camera  device.Camera
}

// Options configure a Session.
type Options struct {
	Config    *config.Config
	Schedule  *Schedule
	Devices   Devices
	Sink      Sink
	Publisher Publisher
	Logger    *slog.Logger
}

// Session is one ready-to-run conditioning session.
type Session struct {
	registry *agent.Registry
	main     *agent.Environment
	video    *agent.Environment
	observer *Observer
	recorder *Recorder
	clock    domain.Clock
	logger   *slog.Logger

	abortOnce sync.Once
}

// New builds the agents of a session. Nothing runs until Run.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil || opts.Schedule == nil {
		return nil, errors.New("session: config and schedule are required")
	}
	if opts.Devices.Board == nil || opts.Devices.Speaker == nil || opts.Sink == nil {
		return nil, errors.New("session: board, speaker and sink are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	board := device.Synchronized(opts.Devices.Board)
	optoBoard := board
	if opts.Devices.Opto != nil {
		optoBoard = device.Synchronized(opts.Devices.Opto)
	}

	clock := domain.NewClock(time.Now())
	s := &Session{clock: clock, logger: logger}

	cond, err := stimulus.NewConditioning(cfg.Experiment, board, opts.Devices.Speaker, opts.Schedule.Intervals, clock)
	if err != nil {
		return nil, err
	}
	participants := []agent.Address{stimulus.ConditioningAddr}
	agents := []*agent.Agent{agent.New(stimulus.ConditioningAddr).Assign(cond.Run)}

	if cfg.Opto.Enabled {
		opto, err := stimulus.NewOptogenetic(cfg.Opto, optoBoard, opts.Schedule.Plan, cfg.ISIWait(), clock, cfg.Experiment.Trial)
		if err != nil {
			return nil, err
		}
		cond.WithOpto(stimulus.OptoAddr)
		participants = append(participants, stimulus.OptoAddr)
		agents = append(agents, agent.New(stimulus.OptoAddr).Assign(opto.Run))
	}

	if cfg.Session.Reader {
		reader := stimulus.NewReader(board, clock)
		agents = append(agents, agent.New(stimulus.ReaderAddr).Assign(reader.Run))
	}

	s.recorder = NewRecorder(opts.Sink, clock)
	if opts.Publisher != nil {
		s.recorder.WithPublisher(opts.Publisher)
	}
	s.observer = NewObserver(participants, time.Duration(cfg.Session.StopGrace*float64(time.Second)))
	agents = append(agents,
		agent.New(agent.Recorder).Assign(s.recorder.Run),
		agent.New(agent.Observer).Assign(s.observer.Run),
	)

	envOpts := []agent.Option{agent.WithLogger(logger), agent.WithTimeScale(cfg.Session.TimeScale)}
	all := agents

	if cfg.Experiment.VideoRecording && opts.Devices.Camera != nil {
		camera, err := stimulus.NewCamera(opts.Devices.Camera, cfg.Experiment.FPS)
		if err != nil {
			return nil, err
		}
		cond.WithCamera(stimulus.CameraAddr)
		filmtaker := agent.New(stimulus.CameraAddr).Assign(camera.Run)
		s.video = agent.NewEnvironment([]*agent.Agent{filmtaker}, envOpts...)
		all = append(all, filmtaker)
	}

	s.registry, err = agent.NewRegistry(all...)
	if err != nil {
		return nil, err
	}
	s.main = agent.NewEnvironment(agents, envOpts...)
	return s, nil
}

// Start returns the time the session clock is anchored at.
func (s *Session) Start() time.Time {
	return s.clock.Start()
}

// Observer returns the session's observer.
func (s *Session) Observer() *Observer {
	return s.observer
}

// Rows returns the number of rows recorded so far.
func (s *Session) Rows() int64 {
	return s.recorder.Count()
}

// Abort asks the observer to end the session on behalf of the operator.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		s.logger.Warn("Operator abort requested")
		if err := s.registry.Deliver(agent.Message{
			From:    agent.Operator,
			To:      agent.Observer,
			Payload: agent.SignalAbend,
		}); err != nil {
			s.logger.Error("Failed to deliver operator abort", "error", err)
		}
	})
}

// Run runs every agent until the observer ends the session. Cancelling ctx
// aborts the session the way an operator would; Run still waits for every
// agent so the log is complete when it returns.
func (s *Session) Run(ctx context.Context) (domain.Outcome, error) {
	runCtx := context.WithoutCancel(ctx)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			s.Abort()
		case <-finished:
		}
	}()

	var (
		wg       sync.WaitGroup
		videoErr error
	)
	if s.video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			videoErr = s.video.Run(runCtx)
		}()
	}

	err := s.main.Run(runCtx)
	wg.Wait()

	outcome := s.observer.Outcome()
	s.logger.Info("Session finished", "outcome", string(outcome), "rows", s.recorder.Count())
	return outcome, errors.Join(err, videoErr)
}
