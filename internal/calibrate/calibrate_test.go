package calibrate_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/internal/calibrate"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// scriptedReader returns one scripted reading per call and repeats the last
// one when the script runs out.
type scriptedReader struct {
	mu    sync.Mutex
	items []sensor.Reading
	calls int
}

func (s *scriptedReader) Latest() sensor.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.items)-1)
	s.calls++
	return s.items[i]
}

func reading(p float64, hasP bool, m types.Motion, hasM bool) sensor.Reading {
	return sensor.Reading{Pressure: p, HasPressure: hasP, Motion: m, HasMotion: hasM}
}

func TestCalibrate_MeansOfNorms(t *testing.T) {
	t.Parallel()

	// Accel alternates between +1 and -1 on x. A per-axis mean would be 0;
	// the mean of norms is 1.
	plus := types.Motion{Accel: types.Vec3{X: 1}, Gyro: types.Vec3{X: 3, Y: 4}}
	minus := types.Motion{Accel: types.Vec3{X: -1}, Gyro: types.Vec3{X: -3, Y: -4}}
	r := &scriptedReader{items: []sensor.Reading{
		reading(100, true, plus, true),
		reading(102, true, minus, true),
		reading(100, true, plus, true),
		reading(102, true, minus, true),
	}}

	base, err := calibrate.Calibrate(context.Background(), r, calibrate.Config{
		Samples:  4,
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if math.Abs(base.PressureMean-101) > 1e-9 {
		t.Errorf("PressureMean = %g, want 101", base.PressureMean)
	}
	if math.Abs(base.AccelMagMean-1) > 1e-9 {
		t.Errorf("AccelMagMean = %g, want 1", base.AccelMagMean)
	}
	if math.Abs(base.GyroMagMean-5) > 1e-9 {
		t.Errorf("GyroMagMean = %g, want 5", base.GyroMagMean)
	}
}

func TestCalibrate_ChannelsCountIndependently(t *testing.T) {
	t.Parallel()

	m := types.Motion{Accel: types.Vec3{Z: 2}}
	r := &scriptedReader{items: []sensor.Reading{
		reading(0, false, m, true), // motion only
		reading(0, false, m, true),
		reading(10, true, m, true),
		reading(20, true, types.Motion{}, false), // pressure only
	}}

	base, err := calibrate.Calibrate(context.Background(), r, calibrate.Config{
		Samples:  2,
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if base.PressureMean != 15 {
		t.Errorf("PressureMean = %g, want 15 (skipping ticks without pressure)", base.PressureMean)
	}
	if base.AccelMagMean != 2 {
		t.Errorf("AccelMagMean = %g, want 2", base.AccelMagMean)
	}
}

func TestCalibrate_ZeroPressureIsAValue(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{items: []sensor.Reading{reading(0, true, types.Motion{}, true)}}
	base, err := calibrate.Calibrate(context.Background(), r, calibrate.Config{
		Samples:  3,
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if base != (types.Baseline{}) {
		t.Errorf("Baseline = %+v, want zero baseline", base)
	}
}

func TestCalibrate_SkipsNonFinite(t *testing.T) {
	t.Parallel()

	still := types.Motion{Accel: types.Vec3{Z: 1}}
	r := &scriptedReader{items: []sensor.Reading{
		reading(math.NaN(), true, types.Motion{Accel: types.Vec3{Z: math.Inf(1)}}, true),
		reading(100, true, still, true),
		reading(math.Inf(-1), true, still, true),
		reading(100, true, still, true),
	}}
	base, err := calibrate.Calibrate(context.Background(), r, calibrate.Config{
		Samples:  2,
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if base.PressureMean != 100 || base.AccelMagMean != 1 {
		t.Errorf("Baseline = %+v, want pressure 100 and accel 1", base)
	}
}

func TestCalibrate_Timeout(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{items: []sensor.Reading{reading(100, true, types.Motion{}, false)}}
	_, err := calibrate.Calibrate(context.Background(), r, calibrate.Config{
		Samples:  5,
		Interval: time.Millisecond,
		Timeout:  30 * time.Millisecond,
	})
	if !errors.Is(err, sensor.ErrTimeout) {
		t.Fatalf("Calibrate error = %v, want ErrTimeout", err)
	}
}

func TestCalibrate_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedReader{items: []sensor.Reading{{}}}
	_, err := calibrate.Calibrate(ctx, r, calibrate.Config{Samples: 1, Interval: time.Millisecond, Timeout: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Calibrate error = %v, want context.Canceled", err)
	}
	if errors.Is(err, sensor.ErrTimeout) {
		t.Error("cancellation must not be reported as a sensor timeout")
	}
}
