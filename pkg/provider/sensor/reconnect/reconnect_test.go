package reconnect_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/mock"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/reconnect"
)

// factory hands out one scripted mock per call and fails once drivers run
// out.
type factory struct {
	mu      sync.Mutex
	drivers []*mock.Provider
	calls   int
}

func (f *factory) New() (sensor.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.drivers) == 0 {
		return nil, errors.New("device not found")
	}
	d := f.drivers[0]
	f.drivers = f.drivers[1:]
	return d, nil
}

func (f *factory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func driver(pressure float64) *mock.Provider {
	return &mock.Provider{Script: []sensor.Update{sensor.PressureUpdate(pressure)}}
}

func fastConfig() reconnect.Config {
	return reconnect.Config{Name: "test", MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func next(t *testing.T, ch <-chan sensor.Update) (sensor.Update, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return sensor.Update{}, false
	}
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	first, second := driver(100), driver(200)
	f := &factory{drivers: []*mock.Provider{first, second}}

	var reconnected []int
	var mu sync.Mutex
	cfg := fastConfig()
	cfg.OnReconnect = func(attempt int) {
		mu.Lock()
		reconnected = append(reconnected, attempt)
		mu.Unlock()
	}
	p := reconnect.New(f.New, cfg)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream() returned error: %v", err)
	}

	if u, ok := next(t, ch); !ok || u.Pressure != 100 {
		t.Fatalf("first update = %+v (open=%v), want pressure 100", u, ok)
	}

	_ = first.Close() // simulate the device dropping off the bus

	if u, ok := next(t, ch); !ok || u.Pressure != 200 {
		t.Fatalf("update after reconnect = %+v (open=%v), want pressure 200", u, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reconnected) != 1 || reconnected[0] != 1 {
		t.Errorf("OnReconnect attempts = %v, want [1]", reconnected)
	}
}

func TestStream_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	first := driver(100)
	f := &factory{drivers: []*mock.Provider{first}}
	p := reconnect.New(f.New, fastConfig())
	t.Cleanup(func() { _ = p.Close() })

	ch, err := p.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream() returned error: %v", err)
	}
	next(t, ch)
	_ = first.Close()

	if _, ok := next(t, ch); ok {
		t.Fatal("expected channel to close after retries are exhausted")
	}
	if got := f.callCount(); got != 4 {
		t.Errorf("factory calls = %d, want 4 (initial + 3 retries)", got)
	}
}

func TestStream_InitialFailure(t *testing.T) {
	t.Parallel()

	p := reconnect.New((&factory{}).New, fastConfig())
	if _, err := p.Stream(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestStream_StreamErrorClosesDriver(t *testing.T) {
	t.Parallel()

	d := &mock.Provider{StreamErr: errors.New("busy")}
	p := reconnect.New((&factory{drivers: []*mock.Provider{d}}).New, fastConfig())
	if _, err := p.Stream(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if d.CloseCallCount != 1 {
		t.Errorf("driver Close calls = %d, want 1", d.CloseCallCount)
	}
}

func TestStream_Twice(t *testing.T) {
	t.Parallel()

	p := reconnect.New((&factory{drivers: []*mock.Provider{driver(1)}}).New, fastConfig())
	t.Cleanup(func() { _ = p.Close() })
	if _, err := p.Stream(context.Background()); err != nil {
		t.Fatalf("Stream() returned error: %v", err)
	}
	if _, err := p.Stream(context.Background()); err == nil {
		t.Fatal("expected error on second Stream")
	}
}

func TestClose_EndsStream(t *testing.T) {
	t.Parallel()

	d := driver(100)
	f := &factory{drivers: []*mock.Provider{d}}
	p := reconnect.New(f.New, fastConfig())

	ch, err := p.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream() returned error: %v", err)
	}
	next(t, ch)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if _, ok := next(t, ch); ok {
		t.Fatal("expected channel to close")
	}
	if d.CloseCallCount == 0 {
		t.Error("driver was not closed")
	}
	if got := f.callCount(); got != 1 {
		t.Errorf("factory calls = %d, want 1 (no reconnect after Close)", got)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() returned error: %v", err)
	}
}
