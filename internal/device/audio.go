package device

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tone is a pure tone of fixed frequency and duration.
type Tone struct {
	Frequency float64
	Duration  time.Duration
}

// Speaker plays tones. Play returns once the tone has finished.
type Speaker interface {
	Play(ctx context.Context, tone Tone) error
}

// SimulatedSpeaker waits out the tone instead of playing it. Scale shortens
// the wait for rehearsal runs.
type SimulatedSpeaker struct {
	Scale  float64
	Logger *slog.Logger

	mu     sync.Mutex
	played []Tone
}

// Play implements Speaker.
func (s *SimulatedSpeaker) Play(ctx context.Context, tone Tone) error {
	d := tone.Duration
	if s.Scale > 0 {
		d = time.Duration(float64(d) * s.Scale)
	}

	s.mu.Lock()
	s.played = append(s.played, tone)
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Debug("Playing tone", "frequency", tone.Frequency, "duration", tone.Duration)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Played returns the tones played so far.
func (s *SimulatedSpeaker) Played() []Tone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tone(nil), s.played...)
}
