package device

import (
	"context"
	"sync"
)

// Overlay is the state drawn over each captured frame.
type Overlay struct {
	Trial int
	CSOn  bool
}

// Camera captures one frame per call and renders the overlay onto it.
type Camera interface {
	Frame(ctx context.Context, overlay Overlay) error
	Close() error
}

// SimulatedCamera counts frames instead of capturing them.
type SimulatedCamera struct {
	ID int

	mu       sync.Mutex
	frames   int
	csFrames int
	closed   bool
}

// Frame implements Camera.
func (c *SimulatedCamera) Frame(_ context.Context, overlay Overlay) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	if overlay.CSOn {
		c.csFrames++
	}
	return nil
}

// Close implements Camera.
func (c *SimulatedCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Stats returns the total frame count, the frames captured while the CS
// was on, and whether the camera was closed.
func (c *SimulatedCamera) Stats() (frames, csFrames int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.csFrames, c.closed
}
