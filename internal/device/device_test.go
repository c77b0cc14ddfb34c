package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSynchronizedBoardConcurrentWrites(t *testing.T) {
	t.Parallel()

	sim := NewSimulatedBoard("exp", nil)
	board := Synchronized(sim)
	if Synchronized(board) != board {
		t.Fatal("wrapping twice should return the same board")
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = board.DigitalWrite(g, High)
				_ = board.DigitalWrite(g, Low)
			}
		}()
	}
	wg.Wait()

	if got := len(sim.Calls()); got != 8*50*2 {
		t.Fatalf("expected %d calls, got %d", 8*50*2, got)
	}
}

func TestSimulatedPulseRequiresParams(t *testing.T) {
	t.Parallel()

	sim := NewSimulatedBoard("opt", nil)
	var perr *PulseSettingError
	if err := sim.PulseOn(12, 0); !errors.As(err, &perr) || perr.Index != 0 {
		t.Fatalf("expected PulseSettingError, got %v", err)
	}

	if err := sim.SetPulseParams(1, 20, 30); err != nil {
		t.Fatalf("SetPulseParams failed: %v", err)
	}
	freq, err := sim.PulseFrequency(1)
	if err != nil || freq != 20 {
		t.Fatalf("PulseFrequency = %d, %v", freq, err)
	}
	if err := sim.PulseOn(12, 1); err != nil || !sim.Pulsing() {
		t.Fatalf("PulseOn failed: %v", err)
	}
	if err := sim.PulseOff(); err != nil || sim.Pulsing() {
		t.Fatalf("PulseOff failed: %v", err)
	}
}

func TestSimulatedBoardFailOn(t *testing.T) {
	t.Parallel()

	sim := NewSimulatedBoard("exp", nil)
	fault := errors.New("serial write timeout")
	sim.FailOn("digital_write", fault)
	if err := sim.DigitalWrite(12, High); !errors.Is(err, fault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
}

func TestSimulatedBoardRead(t *testing.T) {
	t.Parallel()

	sim := NewSimulatedBoard("exp", nil)
	if err := sim.Report("lick"); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	line, err := sim.Read(context.Background())
	if err != nil || line != "lick" {
		t.Fatalf("Read = %q, %v", line, err)
	}
	line, err = sim.Read(context.Background())
	if err != nil || line != "" {
		t.Fatalf("idle Read = %q, %v", line, err)
	}
}

func TestSimulatedSpeakerScale(t *testing.T) {
	t.Parallel()

	sp := &SimulatedSpeaker{Scale: 0.001}
	start := time.Now()
	if err := sp.Play(context.Background(), Tone{Frequency: 6000, Duration: 5 * time.Second}); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("scale not applied")
	}
	if len(sp.Played()) != 1 {
		t.Fatal("tone not recorded")
	}
}
