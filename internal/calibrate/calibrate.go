// Package calibrate computes the resting baseline of the pressure and IMU
// channels.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/pillowmate/internal/activity"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// Defaults for [Config].
const (
	DefaultSamples  = 200
	DefaultInterval = 20 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

// LatestReader exposes the most recent sensor reading. *sampler.Sampler
// implements it.
type LatestReader interface {
	Latest() sensor.Reading
}

// Config tunes [Calibrate].
type Config struct {
	// Samples is the number of valid samples collected per channel.
	Samples int

	// Interval is the polling period, normally the sampler tick interval.
	Interval time.Duration

	// Timeout bounds the whole calibration.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Samples <= 0 {
		c.Samples = DefaultSamples
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Calibrate polls r once per interval until it has collected the configured
// number of samples for the pressure channel and for the IMU channel. Each
// channel counts independently: a tick without pressure still contributes
// an IMU sample and vice versa. Non-finite values are skipped.
//
// The accelerometer and gyroscope baselines are means of the vector norms,
// not of the individual axes.
//
// Failing to fill both channels within the timeout returns an error wrapping
// [sensor.ErrTimeout]. The device must be left untouched while this runs.
func Calibrate(ctx context.Context, r LatestReader, cfg Config) (types.Baseline, error) {
	cfg.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var pressure, accel, gyro activity.Running
	var skipped int
	start := time.Now()
	for pressure.Count() < cfg.Samples || accel.Count() < cfg.Samples {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return types.Baseline{}, fmt.Errorf("calibrate: collected %d/%d pressure and %d/%d motion samples in %s: %w",
					pressure.Count(), cfg.Samples, accel.Count(), cfg.Samples, cfg.Timeout, sensor.ErrTimeout)
			}
			return types.Baseline{}, fmt.Errorf("calibrate: %w", ctx.Err())
		case <-ticker.C:
		}

		reading := r.Latest()
		if reading.HasPressure && pressure.Count() < cfg.Samples {
			if finite(reading.Pressure) {
				pressure.Add(reading.Pressure)
			} else {
				skipped++
			}
		}
		if reading.HasMotion && accel.Count() < cfg.Samples {
			a, g := reading.Motion.Accel.Norm(), reading.Motion.Gyro.Norm()
			if finite(a) && finite(g) {
				accel.Add(a)
				gyro.Add(g)
			} else {
				skipped++
			}
		}
	}

	base := types.Baseline{
		PressureMean: pressure.Mean(),
		AccelMagMean: accel.Mean(),
		GyroMagMean:  gyro.Mean(),
	}
	slog.Info("baseline calibrated",
		"samples", cfg.Samples,
		"pressure_mean", base.PressureMean,
		"accel_mag_mean", base.AccelMagMean,
		"gyro_mag_mean", base.GyroMagMean,
		"pressure_std", pressure.Std(),
		"skipped_non_finite", skipped,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return base, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
