// Package domain contains core domain types for conditioning sessions.
package domain

import (
	"fmt"
	"time"
)

// Kind identifies what an event refers to.
type Kind int

const (
	// KindSessionStart marks the start bookend of a session log.
	KindSessionStart Kind = iota
	// KindSessionEnd marks a normal end notice from a stimulator.
	KindSessionEnd
	// KindSessionAbend marks an abnormal end notice from a stimulator.
	KindSessionAbend
	// KindCS is the conditioned stimulus (tone). Code is the tone frequency.
	KindCS
	// KindUS is the unconditioned stimulus (hardware pulse). Code is the pin.
	KindUS
	// KindOpto is an optogenetic pulse train. Code is the pulse frequency.
	KindOpto
	// KindReader is a report read back from the microcontroller.
	KindReader
)

// Fixed per-kind offsets of the signed event-id encoding. They keep the
// conditioning and pulse ids in disjoint numeric ranges.
const (
	USIDOffset     = 100
	OptoIDOffset   = 200
	ReaderIDOffset = 300
)

var kindNames = map[Kind]string{
	KindSessionStart: "start",
	KindSessionEnd:   "end",
	KindSessionAbend: "abend",
	KindCS:           "cs",
	KindUS:           "us",
	KindOpto:         "opto",
	KindReader:       "reader",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsBookend reports whether k marks the start or end of a session.
func (k Kind) IsBookend() bool {
	return k == KindSessionStart || k == KindSessionEnd || k == KindSessionAbend
}

// Phase distinguishes the onset of a stimulus from its offset.
type Phase int

const (
	// Onset is the start of a stimulus.
	Onset Phase = iota
	// Offset is the end of a stimulus.
	Offset
)

func (p Phase) String() string {
	if p == Offset {
		return "offset"
	}
	return "onset"
}

// Event is a single timestamped stimulus transition.
type Event struct {
	Kind    Kind          `json:"kind"`
	Phase   Phase         `json:"phase"`
	Code    int           `json:"code"`
	Elapsed time.Duration `json:"elapsed"`
	Source  string        `json:"source,omitempty"`
}

// NewOnset returns an onset event of the given kind.
func NewOnset(kind Kind, code int) Event {
	return Event{Kind: kind, Phase: Onset, Code: code}
}

// NewOffset returns the offset matching NewOnset(kind, code).
func NewOffset(kind Kind, code int) Event {
	return Event{Kind: kind, Phase: Offset, Code: code}
}

// Matches reports whether e and other refer to the same stimulus channel.
func (e Event) Matches(other Event) bool {
	return e.Kind == other.Kind && e.Code == other.Code
}

// LegacyID returns the signed integer id used by the persisted log, where an
// offset is the negated id of its onset. Bookends map to 0, 1 and 2.
func (e Event) LegacyID() int {
	var id int
	switch e.Kind {
	case KindSessionStart, KindSessionEnd, KindSessionAbend:
		return int(e.Kind)
	case KindCS:
		id = e.Code
	case KindUS:
		id = e.Code + USIDOffset
	case KindOpto:
		id = e.Code + OptoIDOffset
	case KindReader:
		return e.Code + ReaderIDOffset
	}
	if e.Phase == Offset {
		return -id
	}
	return id
}

// Seconds returns the elapsed session time of the event in seconds.
func (e Event) Seconds() float64 {
	return e.Elapsed.Seconds()
}

// Clock stamps events with the time elapsed since the session started.
type Clock struct {
	start time.Time
}

// NewClock returns a clock anchored at start.
func NewClock(start time.Time) Clock {
	return Clock{start: start}
}

// Start returns the session start time.
func (c Clock) Start() time.Time {
	return c.start
}

// Stamp sets e's elapsed time to now and its source to src.
func (c Clock) Stamp(e Event, src string) Event {
	e.Elapsed = time.Since(c.start)
	e.Source = src
	return e
}
