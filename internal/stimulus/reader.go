package stimulus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/device"
	"github.com/ashureev/simpa/internal/domain"
)

// Reader forwards the board's state reports to the recorder.
type Reader struct {
	board device.Board
	clock domain.Clock
}

// NewReader creates the reader.
func NewReader(board device.Board, clock domain.Clock) *Reader {
	return &Reader{board: board, clock: clock}
}

// Run is the agent task. It polls until the agent is stopped.
func (r *Reader) Run(ctx context.Context, a *agent.Agent) error {
	for {
		var line string
		err := a.CallAsync(ctx, func(ctx context.Context) error {
			var err error
			line, err = r.board.Read(ctx)
			return err
		})
		if errors.Is(err, agent.ErrNotWorking) {
			return nil
		}
		if err != nil {
			r.fail(a, err)
			return fmt.Errorf("read board: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		code, err := strconv.Atoi(line)
		if err != nil {
			a.Logger().Warn("Discarding malformed board report", "line", line)
			continue
		}
		if err := emit(a, r.clock, domain.NewOnset(domain.KindReader, code)); err != nil {
			r.fail(a, err)
			return err
		}
	}
}

func (r *Reader) fail(a *agent.Agent, err error) {
	a.Logger().Error("Reader failed", "error", err)
	if sendErr := a.Send(agent.Observer, agent.SignalAbend); sendErr != nil {
		a.Logger().Error("Failed to notify observer", "error", sendErr)
	}
}
