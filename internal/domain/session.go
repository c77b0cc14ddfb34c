package domain

import (
	"time"
)

// Outcome describes how a session ended.
type Outcome string

const (
	// OutcomeRunning is the outcome of a session that has not ended yet.
	OutcomeRunning Outcome = "running"
	// OutcomeCompleted means every stimulator finished all trials.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAborted means the session was stopped before completion.
	OutcomeAborted Outcome = "aborted"
)

// Session is the persisted record of one conditioning session.
type Session struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	TrialCount int        `json:"trial_count"`
	Outcome    Outcome    `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Finished returns true once the session has an end time.
func (s *Session) Finished() bool {
	return s.EndedAt != nil
}

// Row is one line of the persisted event log.
type Row struct {
	Seq     int64   `json:"seq"`
	EventID int     `json:"event_id"`
	Kind    Kind    `json:"kind"`
	Phase   Phase   `json:"phase"`
	Code    int     `json:"code"`
	Source  string  `json:"source,omitempty"`
	Elapsed float64 `json:"timestamp"`
}

// RowFromEvent converts e into a log row. Seq is assigned by the recorder.
func RowFromEvent(e Event) Row {
	return Row{
		EventID: e.LegacyID(),
		Kind:    e.Kind,
		Phase:   e.Phase,
		Code:    e.Code,
		Source:  e.Source,
		Elapsed: e.Seconds(),
	}
}

// TrialRecord is the persisted form of one planned trial.
type TrialRecord struct {
	Index      int     `json:"index"`
	Interval   float64 `json:"interval"`
	PulseIndex *int    `json:"pulse_index,omitempty"`
	Timing     string  `json:"timing,omitempty"`
}
