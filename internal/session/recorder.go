package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/domain"
)

// Recorder appends every event and bookend it receives to a Sink. When
// stopped it drains whatever is still queued before closing the sink, so
// notices sent before the stop are never lost.
type Recorder struct {
	sink  Sink
	pub   Publisher
	clock domain.Clock
	seq   atomic.Int64

	bookends atomic.Int64
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, clock domain.Clock) *Recorder {
	return &Recorder{sink: sink, clock: clock}
}

// WithPublisher fans every row out to pub as well.
func (r *Recorder) WithPublisher(pub Publisher) *Recorder {
	r.pub = pub
	return r
}

// Count returns the number of rows recorded so far.
func (r *Recorder) Count() int64 {
	return r.seq.Load()
}

// Bookends returns how many start, end and abend rows were recorded.
func (r *Recorder) Bookends() int64 {
	return r.bookends.Load()
}

// Run is the agent task.
func (r *Recorder) Run(ctx context.Context, a *agent.Agent) (err error) {
	defer func() {
		if closeErr := r.sink.Close(); closeErr != nil {
			a.Logger().Error("Failed to close event sink", "error", closeErr)
			err = errors.Join(err, closeErr)
		}
	}()

	for {
		msg, err := a.Recv(ctx, 0)
		if err != nil {
			if drainErr := r.drain(context.WithoutCancel(ctx), a); drainErr != nil {
				return drainErr
			}
			if errors.Is(err, agent.ErrNotWorking) {
				return nil
			}
			return err
		}
		if err := r.record(ctx, msg); err != nil {
			a.Logger().Error("Failed to record event", "error", err)
			if sendErr := a.Send(agent.Observer, agent.SignalAbend); sendErr != nil {
				a.Logger().Error("Failed to notify observer", "error", sendErr)
			}
			return err
		}
	}
}

func (r *Recorder) drain(ctx context.Context, a *agent.Agent) error {
	n := 0
	for {
		msg, ok := a.TryRecv()
		if !ok {
			break
		}
		if err := r.record(ctx, msg); err != nil {
			return err
		}
		n++
	}
	a.Logger().Info("Recorder stopped", "drained", n, "rows", r.seq.Load(), "bookends", r.bookends.Load())
	return nil
}

func (r *Recorder) record(ctx context.Context, msg agent.Message) error {
	var row domain.Row
	switch p := msg.Payload.(type) {
	case domain.Event:
		row = domain.RowFromEvent(p)
	case agent.Signal:
		kind, ok := bookendKind(p)
		if !ok {
			return nil
		}
		row = domain.RowFromEvent(domain.Event{
			Kind:    kind,
			Elapsed: time.Since(r.clock.Start()),
			Source:  string(msg.From),
		})
	default:
		return nil
	}

	row.Seq = r.seq.Add(1)
	if err := r.sink.Append(ctx, row); err != nil {
		return fmt.Errorf("append row %d: %w", row.Seq, err)
	}
	if r.pub != nil {
		r.pub.Publish(row)
	}
	if row.Kind.IsBookend() {
		r.bookends.Add(1)
	}
	return nil
}

func bookendKind(sig agent.Signal) (domain.Kind, bool) {
	switch sig {
	case agent.SignalStart:
		return domain.KindSessionStart, true
	case agent.SignalEnd:
		return domain.KindSessionEnd, true
	case agent.SignalAbend:
		return domain.KindSessionAbend, true
	default:
		return 0, false
	}
}
