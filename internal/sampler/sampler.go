// Package sampler turns an event-driven sensor provider into a fixed-rate
// sampling loop.
//
// The provider pushes partial updates whenever the hardware reports them; the
// sampler folds them into a single latest-value cell and, on every tick of
// its interval, hands a copy of that cell to each subscribed [TickHandler].
// Handlers run synchronously on the tick goroutine in subscription order, so
// a slow handler delays the next tick instead of losing a frame.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// Defaults for [Config].
const (
	DefaultInterval     = 20 * time.Millisecond
	DefaultReadyTimeout = 8 * time.Second
)

// TickHandler receives the latest complete reading once per tick.
type TickHandler func(ctx context.Context, r sensor.Reading)

// Config tunes a [Sampler].
type Config struct {
	// Interval is the tick period. Default: 20ms.
	Interval time.Duration

	// ReadyTimeout bounds how long [Sampler.WaitReady] blocks for the first
	// complete reading, and how long the stream may go silent before the
	// sampler reports itself stale. Default: 8s.
	ReadyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
}

// Option configures a [Sampler].
type Option func(*Sampler)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sampler) { s.metrics = m }
}

// WithOnRecover registers fn to run, in its own goroutine, each time the
// stream recovers from a stale period.
func WithOnRecover(fn func(ctx context.Context)) Option {
	return func(s *Sampler) { s.onRecover = fn }
}

type subscription struct {
	id int
	fn TickHandler
}

// Sampler owns the latest-value cell of a sensor provider.
// All methods are safe for concurrent use.
type Sampler struct {
	provider sensor.Provider
	cfg      Config
	metrics  *observe.Metrics

	onRecover func(ctx context.Context)

	mu     sync.RWMutex
	latest sensor.Reading

	ready     chan struct{}
	readyOnce sync.Once
	stale     atomic.Bool

	subMu  sync.Mutex
	subs   []subscription
	nextID int
}

// New creates a sampler for p. Call [Sampler.Run] to start it.
func New(p sensor.Provider, cfg Config, opts ...Option) *Sampler {
	cfg.applyDefaults()
	s := &Sampler{
		provider: p,
		cfg:      cfg,
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Interval returns the configured tick period.
func (s *Sampler) Interval() time.Duration { return s.cfg.Interval }

// Latest returns a copy of the most recent value of every channel.
func (s *Sampler) Latest() sensor.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Stale reports whether the provider has gone silent for longer than the
// ready timeout after having delivered data.
func (s *Sampler) Stale() bool { return s.stale.Load() }

// Ready reports whether a complete reading has been observed.
func (s *Sampler) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until every channel has produced a value. It fails with
// [sensor.ErrTimeout] when that does not happen within the ready timeout.
func (s *Sampler) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		r := s.Latest()
		return fmt.Errorf("sampler: no complete reading after %s (pressure=%t motion=%t): %w",
			s.cfg.ReadyTimeout, r.HasPressure, r.HasMotion, sensor.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every tick and returns a function that removes
// it again.
func (s *Sampler) Subscribe(fn TickHandler) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Run streams updates from the provider and drives the tick loop until ctx
// is cancelled or the provider stream ends. A stream that ends while ctx is
// still live yields [sensor.ErrStreamClosed].
func (s *Sampler) Run(ctx context.Context) error {
	updates, err := s.provider.Stream(ctx)
	if err != nil {
		return fmt.Errorf("sampler: start stream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pump(gctx, updates) })
	g.Go(func() error { return s.tickLoop(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Sampler) pump(ctx context.Context, updates <-chan sensor.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return sensor.ErrStreamClosed
			}
			s.apply(u)
		}
	}
}

func (s *Sampler) apply(u sensor.Update) {
	s.mu.Lock()
	s.latest = s.latest.Apply(u)
	complete := s.latest.Complete()
	s.mu.Unlock()

	if complete {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

func (s *Sampler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Sampler) tick(ctx context.Context, now time.Time) {
	r := s.Latest()
	if !r.Complete() {
		return
	}

	silent := now.Sub(r.UpdatedAt)
	if silent > s.cfg.ReadyTimeout {
		if s.stale.CompareAndSwap(false, true) {
			s.metrics.SamplerStale.Add(ctx, 1)
			slog.Warn("sensor stream stale", "silent_for", silent.Round(time.Millisecond))
		}
	} else if s.stale.CompareAndSwap(true, false) {
		slog.Info("sensor stream recovered")
		if s.onRecover != nil {
			go s.onRecover(ctx)
		}
	}

	s.metrics.SamplerTicks.Add(ctx, 1)

	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.fn(ctx, r)
	}
}
