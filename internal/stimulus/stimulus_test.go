package stimulus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/config"
	"github.com/ashureev/simpa/internal/device"
	"github.com/ashureev/simpa/internal/domain"
	"github.com/ashureev/simpa/internal/schedule"
)

const testScale = 0.01

// collector stands in for the recorder or observer. It finishes once it has
// received want end/abend notices.
type collector struct {
	want    int
	onAbend func(a *agent.Agent)

	mu      sync.Mutex
	msgs    []agent.Message
	notices int
}

func (c *collector) Run(ctx context.Context, a *agent.Agent) error {
	for {
		msg, err := a.Recv(ctx, 0)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		sig, isSignal := msg.Signal()
		if isSignal && (sig == agent.SignalEnd || sig == agent.SignalAbend) {
			c.notices++
		}
		done := c.notices >= c.want
		c.mu.Unlock()

		if isSignal && sig == agent.SignalAbend && c.onAbend != nil {
			c.onAbend(a)
		}
		if done {
			a.Finish()
			return nil
		}
	}
}

func (c *collector) messages() []agent.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Message(nil), c.msgs...)
}

func events(msgs []agent.Message) []domain.Event {
	var out []domain.Event
	for _, m := range msgs {
		if e, ok := m.Payload.(domain.Event); ok {
			out = append(out, e)
		}
	}
	return out
}

func testExperiment() config.Experiment {
	return config.Experiment{
		CSDuration: 1,
		Frequency:  6000,
		US:         12,
		USDuration: 0.05,
		Trial:      3,
		MeanITI:    5,
		RangeITI:   1,
		FPS:        30,
	}
}

func testOpto() config.Opto {
	return config.Opto{
		Enabled:               true,
		Frequencies:           []int{10, 20},
		InterStimulationTrial: 1,
		ProportionOfStimulate: 1,
		Pin:                   13,
		StimulateDuration:     100,
		Duration:              30,
		USOffset:              0,
		CSOffset:              -1,
		NoCS:                  []float64{-1, 0.5},
	}
}

func run(t *testing.T, agents ...*agent.Agent) error {
	t.Helper()
	if _, err := agent.NewRegistry(agents...); err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return agent.NewEnvironment(agents, agent.WithTimeScale(testScale)).Run(ctx)
}

// assertPaired checks that every onset is closed by a matching offset
// before the same source emits another onset with that id.
func assertPaired(t *testing.T, evs []domain.Event) {
	t.Helper()
	open := make(map[int]bool)
	for i, e := range evs {
		id := e.LegacyID()
		switch e.Phase {
		case domain.Onset:
			if e.Kind == domain.KindReader {
				continue
			}
			if open[id] {
				t.Fatalf("event %d: onset %d while already on", i, id)
			}
			open[id] = true
		case domain.Offset:
			if !open[-id] {
				t.Fatalf("event %d: offset %d without onset", i, id)
			}
			delete(open, -id)
		}
	}
	if len(open) != 0 {
		t.Fatalf("unclosed onsets: %v", open)
	}
}

func TestConditioningScenario(t *testing.T) {
	t.Parallel()

	exp := testExperiment()
	exp.TraceInterval = 0
	intervals := schedule.UniformIntervals(schedule.NewRand(1), 4, 1, exp.Trial)

	board := device.NewSimulatedBoard("arduino", nil)
	speaker := &device.SimulatedSpeaker{Scale: testScale}
	clock := domain.NewClock(time.Now())
	cond, err := NewConditioning(exp, board, speaker, intervals, clock)
	if err != nil {
		t.Fatalf("NewConditioning failed: %v", err)
	}

	recorder := &collector{want: 1}
	observer := &collector{want: 1}
	if err := run(t,
		agent.New(ConditioningAddr).Assign(cond.Run),
		agent.New(agent.Recorder).Assign(recorder.Run),
		agent.New(agent.Observer).Assign(observer.Run),
	); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs := recorder.messages()
	if sig, ok := msgs[0].Signal(); !ok || sig != agent.SignalStart {
		t.Fatalf("first recorder message = %+v, want start", msgs[0])
	}
	if sig, ok := msgs[len(msgs)-1].Signal(); !ok || sig != agent.SignalEnd {
		t.Fatalf("last recorder message = %+v, want end", msgs[len(msgs)-1])
	}

	evs := events(msgs)
	if len(evs) != 4*exp.Trial {
		t.Fatalf("got %d events, want %d", len(evs), 4*exp.Trial)
	}
	want := []int{6000, -6000, 112, -112}
	for i, e := range evs {
		if got := e.LegacyID(); got != want[i%4] {
			t.Fatalf("event %d id = %d, want %d", i, got, want[i%4])
		}
		if e.Source != string(ConditioningAddr) {
			t.Fatalf("event %d source = %q", i, e.Source)
		}
		if i > 0 && e.Elapsed < evs[i-1].Elapsed {
			t.Fatalf("event %d stamped before its predecessor", i)
		}
	}
	assertPaired(t, evs)

	if got := len(speaker.Played()); got != exp.Trial {
		t.Fatalf("played %d tones, want %d", got, exp.Trial)
	}
	if board.Level(exp.US) != device.Low {
		t.Fatal("US line left high")
	}
	if sig, ok := observer.messages()[0].Signal(); !ok || sig != agent.SignalEnd {
		t.Fatalf("observer got %+v, want end", observer.messages()[0])
	}
}

func TestNewConditioningRejectsShortSchedule(t *testing.T) {
	t.Parallel()

	_, err := NewConditioning(testExperiment(), device.NewSimulatedBoard("b", nil), &device.SimulatedSpeaker{}, []float64{1, 2}, domain.Clock{})
	if !errors.Is(err, schedule.ErrPlanLength) {
		t.Fatalf("expected ErrPlanLength, got %v", err)
	}
}

func TestConditioningSendsOneISIPerTrial(t *testing.T) {
	t.Parallel()

	exp := testExperiment()
	intervals := []float64{3, 4, 5}
	cond, err := NewConditioning(exp, device.NewSimulatedBoard("b", nil), &device.SimulatedSpeaker{Scale: testScale}, intervals, domain.NewClock(time.Now()))
	if err != nil {
		t.Fatalf("NewConditioning failed: %v", err)
	}
	cond.WithOpto(OptoAddr)

	var isis []ISI
	sink := func(ctx context.Context, a *agent.Agent) error {
		for len(isis) < exp.Trial {
			msg, err := a.Recv(ctx, 0)
			if err != nil {
				return err
			}
			if isi, ok := msg.Payload.(ISI); ok {
				isis = append(isis, isi)
			}
		}
		return nil
	}

	if err := run(t,
		agent.New(ConditioningAddr).Assign(cond.Run),
		agent.New(OptoAddr).Assign(sink),
		agent.New(agent.Recorder).Assign((&collector{want: 1}).Run),
		agent.New(agent.Observer).Assign((&collector{want: 1}).Run),
	); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(isis) != exp.Trial {
		t.Fatalf("got %d ISI messages, want %d", len(isis), exp.Trial)
	}
	for i, isi := range isis {
		if isi.Trial != i || isi.Interval != intervals[i] {
			t.Fatalf("ISI %d = %+v", i, isi)
		}
		if isi.SentAt.IsZero() {
			t.Fatalf("ISI %d has no send time", i)
		}
	}
}

func TestOptogeneticFollowsPlan(t *testing.T) {
	t.Parallel()

	exp := testExperiment()
	exp.Trial = 12
	opto := testOpto()
	plan, err := schedule.PlanConditions(schedule.NewRand(7), schedule.PlanParams{
		Pulses:          len(opto.Frequencies),
		Trials:          exp.Trial,
		Proportion:      opto.ProportionOfStimulate,
		InterStimTrials: opto.InterStimulationTrial,
		Offsets: schedule.OffsetConfig{
			US: opto.USOffset, CS: opto.CSOffset,
			RandomMean: opto.NoCS[0], RandomRange: opto.NoCS[1],
		},
	})
	if err != nil {
		t.Fatalf("PlanConditions failed: %v", err)
	}
	stimulated := 0
	for i := range plan.TrialIndex {
		if plan.Condition(i) != nil {
			stimulated++
		}
	}

	clock := domain.NewClock(time.Now())
	condBoard := device.NewSimulatedBoard("arduino", nil)
	optoBoard := device.NewSimulatedBoard("pulser", nil)
	intervals := schedule.UniformIntervals(schedule.NewRand(3), 4, 1, exp.Trial)
	cond, err := NewConditioning(exp, condBoard, &device.SimulatedSpeaker{Scale: testScale}, intervals, clock)
	if err != nil {
		t.Fatalf("NewConditioning failed: %v", err)
	}
	cond.WithOpto(OptoAddr)
	stim, err := NewOptogenetic(opto, optoBoard, plan, time.Minute, clock, exp.Trial)
	if err != nil {
		t.Fatalf("NewOptogenetic failed: %v", err)
	}

	recorder := &collector{want: 2}
	if err := run(t,
		agent.New(ConditioningAddr).Assign(cond.Run),
		agent.New(OptoAddr).Assign(stim.Run),
		agent.New(agent.Recorder).Assign(recorder.Run),
		agent.New(agent.Observer).Assign((&collector{want: 2}).Run),
	); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var onsets, offsets int
	var pulses []domain.Event
	for _, e := range events(recorder.messages()) {
		if e.Kind != domain.KindOpto {
			continue
		}
		pulses = append(pulses, e)
		if e.Phase == domain.Onset {
			onsets++
		} else {
			offsets++
		}
	}
	if onsets != stimulated || offsets != stimulated {
		t.Fatalf("got %d onsets and %d offsets, want %d each", onsets, offsets, stimulated)
	}
	assertPaired(t, pulses)
	for i := 0; i+1 < len(pulses); i += 2 {
		held := pulses[i+1].Elapsed - pulses[i].Elapsed
		if want := time.Duration(float64(opto.StimulationDuration()) * testScale); held < want {
			t.Fatalf("pulse %d held %v, want at least %v", i/2, held, want)
		}
		if id := pulses[i].LegacyID(); id != 210 && id != 220 {
			t.Fatalf("unexpected pulse id %d", id)
		}
	}

	var on int
	for _, c := range optoBoard.Calls() {
		if c.Op == "pulse_on" {
			on++
		}
	}
	if on != stimulated {
		t.Fatalf("board pulsed %d times, want %d", on, stimulated)
	}
	if optoBoard.Pulsing() {
		t.Fatal("pulse left on")
	}
}

func TestOptogeneticOnsetFollowsOffset(t *testing.T) {
	t.Parallel()

	const scale = 0.05
	for _, offset := range []float64{0, -1} {
		exp := testExperiment()
		exp.Trial = 1
		opto := testOpto()

		plan := &schedule.Plan{
			Conditions: []*schedule.Condition{
				schedule.NewCondition(0, schedule.AtCS, schedule.FixedOffset(offset)),
				nil,
			},
			TrialIndex: []int{0},
			Reps:       1,
		}

		clock := domain.NewClock(time.Now())
		cond, err := NewConditioning(exp, device.NewSimulatedBoard("arduino", nil),
			&device.SimulatedSpeaker{Scale: scale}, []float64{1}, clock)
		if err != nil {
			t.Fatalf("NewConditioning failed: %v", err)
		}
		cond.WithOpto(OptoAddr)
		stim, err := NewOptogenetic(opto, device.NewSimulatedBoard("pulser", nil), plan, time.Minute, clock, 1)
		if err != nil {
			t.Fatalf("NewOptogenetic failed: %v", err)
		}

		recorder := &collector{want: 2}
		agents := []*agent.Agent{
			agent.New(ConditioningAddr).Assign(cond.Run),
			agent.New(OptoAddr).Assign(stim.Run),
			agent.New(agent.Recorder).Assign(recorder.Run),
			agent.New(agent.Observer).Assign((&collector{want: 2}).Run),
		}
		if _, err := agent.NewRegistry(agents...); err != nil {
			t.Fatalf("NewRegistry failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err = agent.NewEnvironment(agents, agent.WithTimeScale(scale)).Run(ctx)
		cancel()
		if err != nil {
			t.Fatalf("offset %v: Run failed: %v", offset, err)
		}

		var csOn, optoOn time.Duration
		var sawCS, sawOpto bool
		for _, e := range events(recorder.messages()) {
			if e.Phase != domain.Onset {
				continue
			}
			switch e.Kind {
			case domain.KindCS:
				csOn, sawCS = e.Elapsed, true
			case domain.KindOpto:
				optoOn, sawOpto = e.Elapsed, true
			}
		}
		if !sawCS || !sawOpto {
			t.Fatalf("offset %v: missing onsets (cs=%v opto=%v)", offset, sawCS, sawOpto)
		}

		want := time.Duration(-offset * scale * float64(time.Second))
		gap := optoOn - csOn
		if tolerance := 15 * time.Millisecond; gap < want-tolerance || gap > want+tolerance {
			t.Fatalf("offset %v: pulse started %v after CS onset, want about %v", offset, gap, want)
		}
	}
}

func TestNewOptogeneticRejectsPlanLength(t *testing.T) {
	t.Parallel()

	plan := &schedule.Plan{Conditions: []*schedule.Condition{nil}, TrialIndex: []int{0, 0}}
	_, err := NewOptogenetic(testOpto(), device.NewSimulatedBoard("b", nil), plan, time.Second, domain.Clock{}, 3)
	if !errors.Is(err, schedule.ErrPlanLength) {
		t.Fatalf("expected ErrPlanLength, got %v", err)
	}
}

func TestOptogeneticISITimeoutIsFatal(t *testing.T) {
	t.Parallel()

	plan := &schedule.Plan{Conditions: []*schedule.Condition{nil}, TrialIndex: []int{0}}
	stim, err := NewOptogenetic(testOpto(), device.NewSimulatedBoard("b", nil), plan, 2*time.Second, domain.NewClock(time.Now()), 1)
	if err != nil {
		t.Fatalf("NewOptogenetic failed: %v", err)
	}

	recorder := &collector{want: 1}
	err = run(t,
		agent.New(OptoAddr).Assign(stim.Run),
		agent.New(agent.Recorder).Assign(recorder.Run),
		agent.New(agent.Observer).Assign((&collector{want: 1}).Run),
	)
	if !errors.Is(err, ErrISITimeout) {
		t.Fatalf("expected ErrISITimeout, got %v", err)
	}
	msgs := recorder.messages()
	if sig, ok := msgs[len(msgs)-1].Signal(); !ok || sig != agent.SignalAbend {
		t.Fatalf("recorder got %+v, want abend", msgs[len(msgs)-1])
	}
}

func TestAbendMidSession(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("serial port gone")
	exp := testExperiment()
	exp.Trial = 6
	opto := testOpto()
	opto.ProportionOfStimulate = 0.5
	plan, err := schedule.PlanConditions(schedule.NewRand(11), schedule.PlanParams{
		Pulses: 1, Trials: exp.Trial, Proportion: 0.5, InterStimTrials: 0,
		Offsets: schedule.OffsetConfig{US: 0, CS: -1, RandomMean: -1, RandomRange: 0.5},
	})
	if err != nil {
		t.Fatalf("PlanConditions failed: %v", err)
	}

	clock := domain.NewClock(time.Now())
	condBoard := device.NewSimulatedBoard("arduino", nil)
	condBoard.FailOn("digital_write", errBoom)
	optoBoard := device.NewSimulatedBoard("pulser", nil)
	cond, err := NewConditioning(exp, condBoard, &device.SimulatedSpeaker{Scale: testScale}, []float64{3, 3, 3, 3, 3, 3}, clock)
	if err != nil {
		t.Fatalf("NewConditioning failed: %v", err)
	}
	cond.WithOpto(OptoAddr)
	opto.Frequencies = opto.Frequencies[:1]
	stim, err := NewOptogenetic(opto, optoBoard, plan, time.Minute, clock, exp.Trial)
	if err != nil {
		t.Fatalf("NewOptogenetic failed: %v", err)
	}

	recorder := &collector{want: 2}
	observer := &collector{want: 2, onAbend: func(a *agent.Agent) {
		_ = a.Send(ConditioningAddr, agent.SignalStop)
		_ = a.Send(OptoAddr, agent.SignalStop)
	}}
	err = run(t,
		agent.New(ConditioningAddr).Assign(cond.Run),
		agent.New(OptoAddr).Assign(stim.Run),
		agent.New(agent.Recorder).Assign(recorder.Run),
		agent.New(agent.Observer).Assign(observer.Run),
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the board error, got %v", err)
	}

	for name, c := range map[string]*collector{"recorder": recorder, "observer": observer} {
		abends := make(map[agent.Address]int)
		for _, m := range c.messages() {
			if sig, ok := m.Signal(); ok && sig == agent.SignalAbend {
				abends[m.From]++
			}
		}
		if abends[ConditioningAddr] != 1 || abends[OptoAddr] != 1 {
			t.Fatalf("%s abend notices = %v, want one per stimulator", name, abends)
		}
	}

	ended := make(map[agent.Address]bool)
	var evs []domain.Event
	for _, m := range recorder.messages() {
		if sig, ok := m.Signal(); ok && sig == agent.SignalAbend {
			ended[m.From] = true
			continue
		}
		if e, ok := m.Payload.(domain.Event); ok {
			if ended[m.From] {
				t.Fatalf("event %+v from %s after its abend", e, m.From)
			}
			evs = append(evs, e)
		}
	}
	assertPaired(t, evs)
	if optoBoard.Pulsing() {
		t.Fatal("pulse left on after abend")
	}
}

func TestReaderForwardsReports(t *testing.T) {
	t.Parallel()

	board := device.NewSimulatedBoard("arduino", nil)
	for _, line := range []string{"7", "garbage", "", "12"} {
		if err := board.Report(line); err != nil {
			t.Fatalf("Report failed: %v", err)
		}
	}
	reader := NewReader(board, domain.NewClock(time.Now()))

	var got []int
	recorder := func(ctx context.Context, a *agent.Agent) error {
		for len(got) < 2 {
			msg, err := a.Recv(ctx, 0)
			if err != nil {
				return err
			}
			if e, ok := msg.Payload.(domain.Event); ok {
				got = append(got, e.LegacyID())
			}
		}
		return a.Send(ReaderAddr, agent.SignalStop)
	}

	if err := run(t,
		agent.New(ReaderAddr).Assign(reader.Run),
		agent.New(agent.Recorder).Assign(recorder),
	); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 2 || got[0] != 307 || got[1] != 312 {
		t.Fatalf("reader ids = %v, want [307 312]", got)
	}
}

func TestCameraDrawsOverlay(t *testing.T) {
	t.Parallel()

	cam := &device.SimulatedCamera{}
	camera, err := NewCamera(cam, 1000)
	if err != nil {
		t.Fatalf("NewCamera failed: %v", err)
	}

	driver := func(ctx context.Context, a *agent.Agent) error {
		if err := a.Send(CameraAddr, device.Overlay{Trial: 0, CSOn: true}); err != nil {
			return err
		}
		if err := a.Sleep(ctx, 2*time.Second); err != nil {
			return err
		}
		return a.Send(CameraAddr, agent.SignalStop)
	}

	if err := run(t,
		agent.New(CameraAddr).Assign(camera.Run),
		agent.New("driver").Assign(driver),
	); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	frames, csFrames, closed := cam.Stats()
	if frames == 0 || csFrames == 0 {
		t.Fatalf("frames = %d, cs frames = %d", frames, csFrames)
	}
	if !closed {
		t.Fatal("camera not closed")
	}
}

func TestNewCameraRejectsZeroFPS(t *testing.T) {
	t.Parallel()

	if _, err := NewCamera(&device.SimulatedCamera{}, 0); err == nil {
		t.Fatal("expected error for zero fps")
	}
}
