package schedule

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// TimingClasses is the number of timing classes per pulse setting.
const TimingClasses = 3

// TimingClass selects when the optogenetic pulse fires relative to the trial.
type TimingClass int

const (
	// AtUS fires at a fixed configured offset.
	AtUS TimingClass = iota
	// AtCS fires at a fixed offset around CS onset.
	AtCS
	// RandomOffset fires at a pre-drawn random offset.
	RandomOffset
)

func (t TimingClass) String() string {
	switch t {
	case AtUS:
		return "us"
	case AtCS:
		return "cs"
	case RandomOffset:
		return "no-cs"
	default:
		return fmt.Sprintf("timing(%d)", int(t))
	}
}

var (
	// ErrInvalidPlan is returned for planner parameters outside their domain.
	ErrInvalidPlan = errors.New("schedule: invalid plan parameters")
	// ErrPlanLength is returned when a plan does not cover every trial.
	ErrPlanLength = errors.New("schedule: plan length does not match trial count")
)

// Condition is one real stimulation condition. A nil *Condition is the
// no-stimulation sentinel.
type Condition struct {
	PulseIndex int
	Timing     TimingClass
	offsets    OffsetSource
}

// NewCondition returns a condition drawing its offsets from src.
func NewCondition(pulse int, timing TimingClass, src OffsetSource) *Condition {
	return &Condition{PulseIndex: pulse, Timing: timing, offsets: src}
}

// NextOffset advances the condition's offset source once.
func (c *Condition) NextOffset() (float64, error) {
	return c.offsets.Next()
}

func (c *Condition) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("pulse%d/%s", c.PulseIndex, c.Timing)
}

// OffsetConfig holds the per-timing-class offsets in seconds.
type OffsetConfig struct {
	US          float64
	CS          float64
	RandomMean  float64
	RandomRange float64
}

// PlanParams are the inputs of PlanConditions.
type PlanParams struct {
	Pulses          int
	Trials          int
	Proportion      float64
	InterStimTrials int
	Offsets         OffsetConfig
}

func (p PlanParams) validate() error {
	switch {
	case p.Pulses < 1:
		return fmt.Errorf("%w: need at least one pulse setting, got %d", ErrInvalidPlan, p.Pulses)
	case p.Trials < 1:
		return fmt.Errorf("%w: need at least one trial, got %d", ErrInvalidPlan, p.Trials)
	case p.Proportion <= 0 || p.Proportion > 1:
		return fmt.Errorf("%w: proportion %v not in (0, 1]", ErrInvalidPlan, p.Proportion)
	case p.InterStimTrials < 0:
		return fmt.Errorf("%w: negative inter-stimulation trials %d", ErrInvalidPlan, p.InterStimTrials)
	}
	return nil
}

// Plan is the per-trial optogenetic condition assignment.
type Plan struct {
	// Conditions holds 3 conditions per pulse setting followed by the nil
	// sentinel.
	Conditions []*Condition
	// TrialIndex maps each trial to an index into Conditions.
	TrialIndex []int
	// Reps is how many times each real condition occurs.
	Reps int
}

// Sentinel returns the index of the no-stimulation condition.
func (p *Plan) Sentinel() int {
	return len(p.Conditions) - 1
}

// Condition returns the condition of the given trial.
func (p *Plan) Condition(trial int) *Condition {
	return p.Conditions[p.TrialIndex[trial]]
}

// Sequence returns the plan as a sequence of conditions in trial order.
func (p *Plan) Sequence() (*Sequence[*Condition], error) {
	seq := Indexed(p.Conditions)
	if err := seq.SetSequence(p.TrialIndex); err != nil {
		return nil, err
	}
	return seq, nil
}

// PlanConditions builds the condition plan. Every stimulation block is one
// stimulation trial followed by InterStimTrials no-stim trials; block order
// is shuffled, block contents are not. The result always has exactly
// params.Trials entries: the trials not covered by stimulation blocks are
// filled with single no-stim blocks.
func PlanConditions(rng *rand.Rand, params PlanParams) (*Plan, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	nconds := params.Pulses * TimingClasses
	sentinel := nconds
	blockLen := params.InterStimTrials + 1

	reps := int(math.Floor(params.Proportion * float64(params.Trials) / float64(nconds*blockLen)))

	blocks := make([][]int, 0, params.Trials)
	for r := 0; r < reps; r++ {
		for c := 0; c < nconds; c++ {
			block := make([]int, blockLen)
			block[0] = c
			for i := 1; i < blockLen; i++ {
				block[i] = sentinel
			}
			blocks = append(blocks, block)
		}
	}
	for pad := params.Trials - reps*nconds*blockLen; pad > 0; pad-- {
		blocks = append(blocks, []int{sentinel})
	}

	rng.Shuffle(len(blocks), func(i, j int) {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	})

	trialIdx := make([]int, 0, params.Trials)
	for _, b := range blocks {
		trialIdx = append(trialIdx, b...)
	}

	off := params.Offsets
	conditions := make([]*Condition, 0, nconds+1)
	for pulse := 0; pulse < params.Pulses; pulse++ {
		random := NewRandomOffsets(UniformIntervals(rng, off.RandomMean, off.RandomRange, reps))
		conditions = append(conditions,
			NewCondition(pulse, AtUS, FixedOffset(off.US)),
			NewCondition(pulse, AtCS, FixedOffset(off.CS)),
			NewCondition(pulse, RandomOffset, random),
		)
	}
	conditions = append(conditions, nil)

	return &Plan{Conditions: conditions, TrialIndex: trialIdx, Reps: reps}, nil
}

// Trial is one planned trial. Condition is nil for no-stim trials and for
// sessions without optogenetics.
type Trial struct {
	Index     int
	Interval  float64
	Condition *Condition
}

// BuildTrials pairs intervals with the plan. plan may be nil.
func BuildTrials(intervals []float64, plan *Plan) ([]Trial, error) {
	if plan != nil && len(plan.TrialIndex) != len(intervals) {
		return nil, fmt.Errorf("%w: %d planned, %d intervals", ErrPlanLength, len(plan.TrialIndex), len(intervals))
	}
	trials := make([]Trial, len(intervals))
	for i, iv := range intervals {
		trials[i] = Trial{Index: i, Interval: iv}
		if plan != nil {
			trials[i].Condition = plan.Condition(i)
		}
	}
	return trials, nil
}
