package activity

import (
	"math"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// IdleConfig holds the auto-idle thresholds. A turn is idle only when every
// statistic is strictly below its threshold.
type IdleConfig struct {
	Enabled         bool
	PressureStd     float64
	AccelStd        float64
	GyroStd         float64
	PressureMeanAbs float64
}

// DefaultIdleConfig returns thresholds that only catch a pillow nobody touched.
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		Enabled:         true,
		PressureStd:     2.0,
		AccelStd:        0.02,
		GyroStd:         1.5,
		PressureMeanAbs: 3.0,
	}
}

// Summary holds whole-turn statistics used by the auto-idle check.
type Summary struct {
	Frames          int     `json:"frames"`
	PressureStd     float64 `json:"pressure_std"`
	AccelStd        float64 `json:"accel_std"`
	GyroStd         float64 `json:"gyro_std"`
	PressureMeanAbs float64 `json:"pressure_mean_abs"`
}

// Summarize computes the population standard deviation of the pressure delta
// and of the accel/gyro magnitudes, plus the mean absolute pressure delta.
func Summarize(frames []types.SensorFrame) Summary {
	var p, a, g, pAbs Running
	for _, f := range frames {
		p.Add(f.PressureDelta)
		a.Add(f.AccelMag())
		g.Add(f.GyroMag())
		pAbs.Add(math.Abs(f.PressureDelta))
	}
	return Summary{
		Frames:          len(frames),
		PressureStd:     p.Std(),
		AccelStd:        a.Std(),
		GyroStd:         g.Std(),
		PressureMeanAbs: pAbs.Mean(),
	}
}

// IsIdle reports whether the turn should skip classification. It is always
// false when the heuristic is disabled or frames is empty; empty turns are
// handled by the caller.
func IsIdle(frames []types.SensorFrame, cfg IdleConfig) bool {
	if !cfg.Enabled || len(frames) == 0 {
		return false
	}
	s := Summarize(frames)
	return s.PressureStd < cfg.PressureStd &&
		s.AccelStd < cfg.AccelStd &&
		s.GyroStd < cfg.GyroStd &&
		s.PressureMeanAbs < cfg.PressureMeanAbs
}
