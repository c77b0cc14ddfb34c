package schedule

import (
	"fmt"
	"iter"
)

// Sequence pairs trial keys with per-trial payloads. By default it iterates
// the keys in insertion order; SetSequence replaces the order with an
// arbitrary permutation (keys may repeat) without touching the payloads.
type Sequence[T any] struct {
	keys     []int
	payloads map[int]T
	order    []int
}

// NewSequence builds a sequence from parallel key and payload slices.
func NewSequence[T any](keys []int, payloads []T) (*Sequence[T], error) {
	if len(keys) != len(payloads) {
		return nil, fmt.Errorf("sequence: %d keys for %d payloads", len(keys), len(payloads))
	}
	s := &Sequence[T]{
		keys:     append([]int(nil), keys...),
		payloads: make(map[int]T, len(keys)),
	}
	for i, k := range keys {
		if _, dup := s.payloads[k]; dup {
			return nil, fmt.Errorf("sequence: duplicate key %d", k)
		}
		s.payloads[k] = payloads[i]
	}
	s.order = s.keys
	return s, nil
}

// Indexed builds a sequence keyed 0..len(payloads)-1.
func Indexed[T any](payloads []T) *Sequence[T] {
	keys := make([]int, len(payloads))
	for i := range keys {
		keys[i] = i
	}
	s, _ := NewSequence(keys, payloads)
	return s
}

// SetSequence makes the sequence iterate the given keys in order.
func (s *Sequence[T]) SetSequence(order []int) error {
	for _, k := range order {
		if _, ok := s.payloads[k]; !ok {
			return fmt.Errorf("sequence: unknown key %d", k)
		}
	}
	s.order = append([]int(nil), order...)
	return nil
}

// Len returns the number of iteration steps.
func (s *Sequence[T]) Len() int {
	return len(s.order)
}

// At returns the key and payload of step i.
func (s *Sequence[T]) At(i int) (int, T) {
	k := s.order[i]
	return k, s.payloads[k]
}

// All iterates (key, payload) pairs in sequence order.
func (s *Sequence[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for _, k := range s.order {
			if !yield(k, s.payloads[k]) {
				return
			}
		}
	}
}
