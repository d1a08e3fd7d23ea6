// Package activity turns a captured sequence of sensor frames into a per-frame
// activity score, extracts contiguous active blocks from it, and decides
// whether a whole turn is idle.
//
// Every function in this package is pure: inputs are read, never mutated, and
// the baseline is only read. Callers may run them concurrently on snapshots of
// the same turn.
package activity

import (
	"fmt"
	"math"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// DefaultEpsilon is the floor applied to baseline denominators.
const DefaultEpsilon = 1e-6

// PressurePolicy selects how negative pressure excursions are scored.
type PressurePolicy string

const (
	// PressurePositive scores only upward pressure (pushes). Negative deltas
	// count as zero. This is the default.
	PressurePositive PressurePolicy = "positive"

	// PressureAbsolute scores the magnitude of the delta in either direction.
	PressureAbsolute PressurePolicy = "absolute"
)

// Weights are the non-negative per-channel factors of the fused score.
type Weights struct {
	Pressure float64
	Accel    float64
	Gyro     float64
}

// ScoreConfig tunes [Score].
type ScoreConfig struct {
	Weights Weights

	// Epsilon floors every baseline denominator. Values <= 0 fall back to
	// [DefaultEpsilon].
	Epsilon float64

	// PressurePolicy defaults to [PressurePositive] when empty.
	PressurePolicy PressurePolicy

	// SmoothingAlpha is the recency weight of the EWMA applied by [Smooth].
	// 0 disables smoothing.
	SmoothingAlpha float64
}

// DefaultScoreConfig returns equal weights, positive pressure policy and no
// smoothing.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Weights:        Weights{Pressure: 1, Accel: 1, Gyro: 1},
		Epsilon:        DefaultEpsilon,
		PressurePolicy: PressurePositive,
	}
}

// Validate reports configuration values that would make scores meaningless.
func (c ScoreConfig) Validate() error {
	if c.Weights.Pressure < 0 || c.Weights.Accel < 0 || c.Weights.Gyro < 0 {
		return fmt.Errorf("activity: weights must be non-negative, got %+v", c.Weights)
	}
	switch c.PressurePolicy {
	case "", PressurePositive, PressureAbsolute:
	default:
		return fmt.Errorf("activity: unknown pressure policy %q", c.PressurePolicy)
	}
	if c.SmoothingAlpha < 0 || c.SmoothingAlpha >= 1 {
		return fmt.Errorf("activity: smoothing alpha must be in [0,1), got %g", c.SmoothingAlpha)
	}
	return nil
}

// Score returns one raw activity score per frame:
//
//	w_p * P(delta)/max(eps,|pMean|) + w_a * |‖a‖-aMean|/max(eps,aMean) + w_g * |‖g‖-gMean|/max(eps,gMean)
//
// where P clamps negative deltas to zero under [PressurePositive]. The result
// is aligned by index with frames and is not smoothed.
func Score(frames []types.SensorFrame, base types.Baseline, cfg ScoreConfig) []float64 {
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	pDen := math.Max(eps, math.Abs(base.PressureMean))
	aDen := math.Max(eps, base.AccelMagMean)
	gDen := math.Max(eps, base.GyroMagMean)

	out := make([]float64, len(frames))
	for i, f := range frames {
		p := f.PressureDelta
		if cfg.PressurePolicy == PressureAbsolute {
			p = math.Abs(p)
		} else {
			p = math.Max(0, p)
		}
		pTerm := p / pDen
		aTerm := math.Abs(f.AccelMag()-base.AccelMagMean) / aDen
		gTerm := math.Abs(f.GyroMag()-base.GyroMagMean) / gDen
		out[i] = cfg.Weights.Pressure*pTerm + cfg.Weights.Accel*aTerm + cfg.Weights.Gyro*gTerm
	}
	return out
}

// Smooth applies smoothed[i] = alpha*smoothed[i-1] + (1-alpha)*raw[i], seeded
// with raw[0]. It returns a new slice; raw is left untouched. alpha <= 0
// returns a copy of raw.
func Smooth(raw []float64, alpha float64) []float64 {
	out := make([]float64, len(raw))
	copy(out, raw)
	if alpha <= 0 || len(out) == 0 {
		return out
	}
	for i := 1; i < len(out); i++ {
		out[i] = alpha*out[i-1] + (1-alpha)*raw[i]
	}
	return out
}
