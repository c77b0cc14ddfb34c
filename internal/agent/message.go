// Package agent implements the message-passing runtime that stimulators,
// the recorder and the observer run on.
package agent

import (
	"fmt"
)

// Address is the stable routing key of an agent.
type Address string

// Well-known addresses.
const (
	Observer Address = "observer"
	Recorder Address = "recorder"
	Operator Address = "operator"
)

// Signal is a control payload.
type Signal int

const (
	// SignalStart announces the start of a session to the recorder.
	SignalStart Signal = iota + 1
	// SignalEnd is a stimulator's notice that it completed every trial.
	SignalEnd
	// SignalAbend is a stimulator's notice that it terminated abnormally.
	// Sent to the observer by anyone, it requests termination of the session.
	SignalAbend
	// SignalStop stops the receiving agent. It is never queued; the target
	// observes it at its next suspension point.
	SignalStop
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalEnd:
		return "end"
	case SignalAbend:
		return "abend"
	case SignalStop:
		return "stop"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Message is the unit of communication between agents.
type Message struct {
	From    Address
	To      Address
	Payload any
}

// Signal returns the payload as a Signal, if it is one.
func (m Message) Signal() (Signal, bool) {
	s, ok := m.Payload.(Signal)
	return s, ok
}
