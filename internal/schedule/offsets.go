package schedule

import (
	"errors"
	"fmt"
)

// ErrOffsetsExhausted is returned when a random offset source is drawn more
// often than it has samples. It indicates a planning defect and is fatal.
var ErrOffsetsExhausted = errors.New("schedule: offset samples exhausted")

// OffsetSource yields the stimulation offset, in seconds, subtracted from a
// trial's interval.
type OffsetSource interface {
	Next() (float64, error)
}

// FixedOffset always yields the same offset.
type FixedOffset float64

// Next implements OffsetSource.
func (f FixedOffset) Next() (float64, error) {
	return float64(f), nil
}

// RandomOffsets yields pre-drawn samples in order and owns its cursor.
type RandomOffsets struct {
	samples []float64
	cursor  int
}

// NewRandomOffsets wraps samples. The slice is not copied.
func NewRandomOffsets(samples []float64) *RandomOffsets {
	return &RandomOffsets{samples: samples}
}

// Next implements OffsetSource.
func (r *RandomOffsets) Next() (float64, error) {
	if r.cursor >= len(r.samples) {
		return 0, fmt.Errorf("%w: %d drawn", ErrOffsetsExhausted, len(r.samples))
	}
	v := r.samples[r.cursor]
	r.cursor++
	return v, nil
}

// Remaining returns how many samples are left.
func (r *RandomOffsets) Remaining() int {
	return len(r.samples) - r.cursor
}
