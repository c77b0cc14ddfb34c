package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Call is one recorded board operation.
type Call struct {
	Op    string
	Pin   int
	Index int
	Level Level
	At    time.Time
}

type pulseSetting struct {
	frequency int
	duration  int
}

// SimulatedBoard records every call instead of driving hardware. Reports
// queued with Report are returned by Read.
type SimulatedBoard struct {
	mu      sync.Mutex
	name    string
	calls   []Call
	pulses  map[int]pulseSetting
	pulsing bool
	levels  map[int]Level
	reports chan string
	fail    map[string]error
	logger  *slog.Logger
}

// NewSimulatedBoard creates a simulated board.
func NewSimulatedBoard(name string, logger *slog.Logger) *SimulatedBoard {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedBoard{
		name:    name,
		pulses:  make(map[int]pulseSetting),
		levels:  make(map[int]Level),
		reports: make(chan string, 64),
		fail:    make(map[string]error),
		logger:  logger.With("board", name),
	}
}

// FailOn makes the named operation return err from now on.
func (b *SimulatedBoard) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[op] = err
}

func (b *SimulatedBoard) record(c Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[c.Op]; err != nil {
		return err
	}
	c.At = time.Now()
	b.calls = append(b.calls, c)
	b.logger.Debug("Board call", "op", c.Op, "pin", c.Pin, "index", c.Index, "level", c.Level.String())
	return nil
}

// DigitalWrite implements Board.
func (b *SimulatedBoard) DigitalWrite(pin int, level Level) error {
	if err := b.record(Call{Op: "digital_write", Pin: pin, Level: level}); err != nil {
		return err
	}
	b.mu.Lock()
	b.levels[pin] = level
	b.mu.Unlock()
	return nil
}

// SetPulseParams implements Board.
func (b *SimulatedBoard) SetPulseParams(index, frequency, duration int) error {
	if err := b.record(Call{Op: "set_pulse_params", Index: index}); err != nil {
		return err
	}
	b.mu.Lock()
	b.pulses[index] = pulseSetting{frequency: frequency, duration: duration}
	b.mu.Unlock()
	return nil
}

// PulseOn implements Board.
func (b *SimulatedBoard) PulseOn(pin, index int) error {
	b.mu.Lock()
	_, ok := b.pulses[index]
	b.mu.Unlock()
	if !ok {
		return &PulseSettingError{Index: index}
	}
	if err := b.record(Call{Op: "pulse_on", Pin: pin, Index: index, Level: High}); err != nil {
		return err
	}
	b.mu.Lock()
	b.pulsing = true
	b.mu.Unlock()
	return nil
}

// PulseOff implements Board.
func (b *SimulatedBoard) PulseOff() error {
	if err := b.record(Call{Op: "pulse_off"}); err != nil {
		return err
	}
	b.mu.Lock()
	b.pulsing = false
	b.mu.Unlock()
	return nil
}

// PulseFrequency implements Board.
func (b *SimulatedBoard) PulseFrequency(index int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pulses[index]
	if !ok {
		return 0, &PulseSettingError{Index: index}
	}
	return p.frequency, nil
}

// Read implements Board. It returns an empty report after a short idle
// period so that readers keep reaching their suspension points.
func (b *SimulatedBoard) Read(ctx context.Context) (string, error) {
	select {
	case r := <-b.reports:
		return r, nil
	case <-time.After(50 * time.Millisecond):
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Report queues a line for Read.
func (b *SimulatedBoard) Report(line string) error {
	select {
	case b.reports <- line:
		return nil
	default:
		return fmt.Errorf("device: %s report queue full", b.name)
	}
}

// Calls returns a copy of the recorded calls.
func (b *SimulatedBoard) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Level returns the last level written to pin.
func (b *SimulatedBoard) Level(pin int) Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[pin]
}

// Pulsing reports whether a pulse train is currently on.
func (b *SimulatedBoard) Pulsing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulsing
}
