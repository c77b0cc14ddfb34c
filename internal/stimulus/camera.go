package stimulus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/simpa/internal/agent"
	"github.com/ashureev/simpa/internal/device"
)

// Camera captures frames at a fixed rate, drawing the latest overlay state
// sent by the conditioning stimulator.
type Camera struct {
	cam     device.Camera
	period  time.Duration
	overlay device.Overlay
}

// NewCamera creates the camera agent task for fps frames per second.
func NewCamera(cam device.Camera, fps float64) (*Camera, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("camera: fps must be > 0, got %v", fps)
	}
	return &Camera{
		cam:     cam,
		period:  time.Duration(float64(time.Second) / fps),
		overlay: device.Overlay{Trial: -1},
	}, nil
}

// Run is the agent task. The camera is closed when it returns.
func (c *Camera) Run(ctx context.Context, a *agent.Agent) error {
	defer func() {
		if err := c.cam.Close(); err != nil {
			a.Logger().Warn("Failed to close camera", "error", err)
		}
	}()

	for {
		c.drain(a)
		overlay := c.overlay
		err := a.CallAsync(ctx, func(ctx context.Context) error {
			return c.cam.Frame(ctx, overlay)
		})
		if errors.Is(err, agent.ErrNotWorking) {
			return nil
		}
		if err != nil {
			a.Logger().Error("Frame capture failed", "error", err)
			if sendErr := a.Send(agent.Observer, agent.SignalAbend); sendErr != nil {
				a.Logger().Error("Failed to notify observer", "error", sendErr)
			}
			return fmt.Errorf("capture frame: %w", err)
		}

		if err := a.Sleep(ctx, c.period); err != nil {
			if errors.Is(err, agent.ErrNotWorking) {
				return nil
			}
			return err
		}
	}
}

func (c *Camera) drain(a *agent.Agent) {
	for {
		msg, ok := a.TryRecv()
		if !ok {
			return
		}
		if overlay, ok := msg.Payload.(device.Overlay); ok {
			c.overlay = overlay
		}
	}
}
