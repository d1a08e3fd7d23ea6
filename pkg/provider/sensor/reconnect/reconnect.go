// Package reconnect wraps a sensor driver so that a dropped stream is
// re-established with exponential backoff instead of ending the sampler.
//
// Drivers are single-use (Stream may be called once), so the wrapper takes a
// factory and builds a fresh driver for every attempt. While it reconnects the
// output channel stays open and silent; the sampler reports itself stale and,
// once updates flow again, recovered.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Factory builds a new, unstarted driver.
type Factory func() (sensor.Provider, error)

// Config configures a [Provider].
type Config struct {
	// Name labels log lines, e.g. the registry name of the driver.
	Name string

	// MaxRetries is the number of attempts per outage before giving up and
	// closing the stream. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func(attempt int)
}

// Provider implements sensor.Provider on top of a [Factory].
//
// All methods are safe for concurrent use.
type Provider struct {
	cfg     Config
	factory Factory

	mu       sync.Mutex
	current  sensor.Provider
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

var _ sensor.Provider = (*Provider)(nil)

// New creates a reconnecting provider. No driver is built until Stream.
func New(factory Factory, cfg Config) *Provider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Provider{
		cfg:     cfg,
		factory: factory,
		done:    make(chan struct{}),
	}
}

// Stream starts the first driver. A failure here is returned directly; only
// later drops are retried.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, errors.New("reconnect: stream already started")
	}
	p.started = true
	p.mu.Unlock()

	in, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnect: initial connect: %w", err)
	}

	out := make(chan sensor.Update, 64)
	go p.run(ctx, in, out)
	return out, nil
}

// Close stops reconnecting and closes the current driver. Safe to call
// multiple times.
func (p *Provider) Close() error {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	return p.release()
}

// connect builds and starts a fresh driver.
func (p *Provider) connect(ctx context.Context) (<-chan sensor.Update, error) {
	drv, err := p.factory()
	if err != nil {
		return nil, err
	}
	ch, err := drv.Stream(ctx)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		_ = drv.Close()
		return nil, errors.New("reconnect: closed")
	default:
	}
	p.current = drv
	p.mu.Unlock()
	return ch, nil
}

func (p *Provider) release() error {
	p.mu.Lock()
	drv := p.current
	p.current = nil
	p.mu.Unlock()

	if drv != nil {
		return drv.Close()
	}
	return nil
}

func (p *Provider) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Provider) run(ctx context.Context, in <-chan sensor.Update, out chan<- sensor.Update) {
	defer close(out)
	for {
		if !p.forward(ctx, in, out) {
			return
		}
		if p.stopped(ctx) {
			return
		}

		slog.Warn("sensor stream lost, reconnecting", "sensor", p.cfg.Name)
		if err := p.release(); err != nil {
			slog.Debug("closing lost sensor driver", "sensor", p.cfg.Name, "err", err)
		}

		in = p.attemptReconnect(ctx)
		if in == nil {
			return
		}
	}
}

// forward copies updates until in closes (true) or the wrapper stops (false).
func (p *Provider) forward(ctx context.Context, in <-chan sensor.Update, out chan<- sensor.Update) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-p.done:
			return false
		case u, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return false
			case <-p.done:
				return false
			}
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff. It returns
// nil when the wrapper stopped or every attempt failed.
func (p *Provider) attemptReconnect(ctx context.Context) <-chan sensor.Update {
	currentBackoff := p.cfg.Backoff

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		// Wait before each attempt; the device usually needs a moment to
		// re-enumerate.
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case <-time.After(currentBackoff):
		}

		slog.Info("attempting sensor reconnection",
			"sensor", p.cfg.Name,
			"attempt", attempt,
			"max_retries", p.cfg.MaxRetries,
		)

		in, err := p.connect(ctx)
		if err == nil {
			slog.Info("sensor reconnection successful", "sensor", p.cfg.Name, "attempt", attempt)
			if p.cfg.OnReconnect != nil {
				p.cfg.OnReconnect(attempt)
			}
			return in
		}

		slog.Warn("sensor reconnection attempt failed",
			"sensor", p.cfg.Name,
			"attempt", attempt,
			"err", err,
		)

		currentBackoff *= 2
		if currentBackoff > p.cfg.MaxBackoff {
			currentBackoff = p.cfg.MaxBackoff
		}
	}

	slog.Error("sensor reconnection failed after max retries",
		"sensor", p.cfg.Name,
		"max_retries", p.cfg.MaxRetries,
	)
	return nil
}
