// Package mock provides a test double for the sensor.Provider interface.
//
// Updates queued in Script are replayed in order when Stream is called; the
// channel then stays open until the context is cancelled or Close is called,
// so that the sampler keeps its last values. Use Push to inject further
// updates while a test runs.
//
// Example:
//
//	p := &mock.Provider{Script: []sensor.Update{
//	    sensor.PressureUpdate(1013),
//	    sensor.MotionUpdate(types.Motion{Accel: types.Vec3{Z: 1}}),
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// Provider is a mock implementation of sensor.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is replayed once at the start of Stream.
	Script []sensor.Update

	// StreamErr, if non-nil, is returned from Stream.
	StreamErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// StreamCallCount is the number of times Stream was called.
	StreamCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	live   chan sensor.Update
	closed chan struct{}
	once   sync.Once
}

func (p *Provider) init() {
	if p.closed == nil {
		p.closed = make(chan struct{})
		p.live = make(chan sensor.Update, 64)
	}
}

// Stream replays Script and then forwards updates queued with Push.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	p.init()
	p.StreamCallCount++
	if p.StreamErr != nil {
		p.mu.Unlock()
		return nil, p.StreamErr
	}
	script := append([]sensor.Update(nil), p.Script...)
	live, closed := p.live, p.closed
	p.mu.Unlock()

	out := make(chan sensor.Update)
	go func() {
		defer close(out)
		for _, u := range script {
			select {
			case out <- u:
			case <-ctx.Done():
				return
			case <-closed:
				return
			}
		}
		for {
			select {
			case u := <-live:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				case <-closed:
					return
				}
			case <-ctx.Done():
				return
			case <-closed:
				return
			}
		}
	}()
	return out, nil
}

// Push queues u for delivery on the active stream. It blocks when 64 updates
// are already pending.
func (p *Provider) Push(u sensor.Update) {
	p.mu.Lock()
	p.init()
	live := p.live
	p.mu.Unlock()
	live <- u
}

// Close ends the stream and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.init()
	p.CloseCallCount++
	err := p.CloseErr
	p.mu.Unlock()
	p.once.Do(func() { close(p.closed) })
	return err
}

// Ensure Provider implements sensor.Provider at compile time.
var _ sensor.Provider = (*Provider)(nil)
