// Package device defines the hardware, audio and camera collaborators of a
// session and provides simulated implementations for rehearsal runs.
package device

import (
	"context"
	"fmt"
	"sync"
)

// Level is a digital pin level.
type Level int

const (
	// Low drives a pin to 0.
	Low Level = iota
	// High drives a pin to 1.
	High
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// Board is the microcontroller contract. Calls are synchronous and expected
// to complete well below a millisecond.
type Board interface {
	DigitalWrite(pin int, level Level) error
	SetPulseParams(index, frequency, duration int) error
	PulseOn(pin, index int) error
	PulseOff() error
	// PulseFrequency returns the frequency configured for a pulse index.
	PulseFrequency(index int) (int, error)
	// Read blocks until the board reports a line. An empty report means
	// nothing was available before the board's read timeout.
	Read(ctx context.Context) (string, error)
}

// Synchronized serialises every call to board. Agents run on separate
// goroutines, so a board shared by several agents must be wrapped.
func Synchronized(board Board) Board {
	if s, ok := board.(*synchronized); ok {
		return s
	}
	return &synchronized{board: board}
}

type synchronized struct {
	mu     sync.Mutex
	readMu sync.Mutex
	board  Board
}

func (s *synchronized) DigitalWrite(pin int, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.DigitalWrite(pin, level)
}

func (s *synchronized) SetPulseParams(index, frequency, duration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.SetPulseParams(index, frequency, duration)
}

func (s *synchronized) PulseOn(pin, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.PulseOn(pin, index)
}

func (s *synchronized) PulseOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.PulseOff()
}

func (s *synchronized) PulseFrequency(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.PulseFrequency(index)
}

// Read holds its own lock so a pending read does not delay writes.
func (s *synchronized) Read(ctx context.Context) (string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.board.Read(ctx)
}

// PulseSettingError is returned for pulse indexes that were never configured.
type PulseSettingError struct {
	Index int
}

func (e *PulseSettingError) Error() string {
	return fmt.Sprintf("device: no pulse setting at index %d", e.Index)
}
