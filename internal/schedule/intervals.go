// Package schedule generates trial timing and optogenetic condition plans.
package schedule

import (
	"math/rand/v2"
	"time"
)

// UniformIntervals returns n independent draws from [mean-spread, mean+spread].
// Values are not clamped; callers validate that mean-spread is non-negative.
func UniformIntervals(rng *rand.Rand, mean, spread float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = mean - spread + 2*spread*rng.Float64()
	}
	return out
}

// NewRand returns a generator seeded with seed, or a randomly seeded one when
// seed is zero.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Seconds converts a duration in seconds to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
