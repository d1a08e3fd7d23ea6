package activity

import (
	"errors"
	"fmt"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// ErrInvalidThresholds is returned when the hysteresis thresholds or frame
// counts cannot produce stable blocks.
var ErrInvalidThresholds = errors.New("activity: invalid block thresholds")

// BlockConfig tunes [Extract].
type BlockConfig struct {
	// High is the score at or above which an active region starts.
	High float64

	// Low is the score at or below which an active region ends. Must be
	// strictly less than High.
	Low float64

	// MinFrames drops padded regions shorter than this.
	MinFrames int

	// PadFrames extends each region on both sides, clamped to the buffer.
	PadFrames int

	// GapMerge joins regions separated by at most this many frames.
	GapMerge int
}

// DefaultBlockConfig returns the tuned defaults for 50 Hz sampling.
func DefaultBlockConfig() BlockConfig {
	return BlockConfig{High: 0.4, Low: 0.1, MinFrames: 5, PadFrames: 10, GapMerge: 5}
}

// Validate checks low < high and that frame counts are non-negative.
func (c BlockConfig) Validate() error {
	var errs []error
	if !(c.Low < c.High) {
		errs = append(errs, fmt.Errorf("low (%g) must be below high (%g)", c.Low, c.High))
	}
	if c.MinFrames < 0 || c.PadFrames < 0 || c.GapMerge < 0 {
		errs = append(errs, fmt.Errorf("frame counts must be non-negative (min=%d pad=%d gap=%d)",
			c.MinFrames, c.PadFrames, c.GapMerge))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidThresholds, errors.Join(errs...))
	}
	return nil
}

// Extract returns the active blocks of scores, ordered by start index and
// non-overlapping. A nil result means no activity was detected.
func Extract(scores []float64, cfg BlockConfig) ([]types.Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	regions := hysteresis(scores, cfg.High, cfg.Low)
	if len(regions) == 0 {
		return nil, nil
	}

	last := len(scores) - 1
	var kept []types.Block
	for _, r := range regions {
		r.Start = max(0, r.Start-cfg.PadFrames)
		r.End = min(last, r.End+cfg.PadFrames)
		if r.Len() < cfg.MinFrames {
			continue
		}
		kept = append(kept, r)
	}

	var out []types.Block
	for _, r := range kept {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if r.Start-prev.End-1 <= cfg.GapMerge {
				prev.End = max(prev.End, r.End)
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// hysteresis returns the raw active regions: a region opens at the first
// score >= high and closes on the frame before the next score <= low. A
// region still open at the end closes on the last frame.
func hysteresis(scores []float64, high, low float64) []types.Block {
	var out []types.Block
	start := -1
	for i, s := range scores {
		switch {
		case start < 0 && s >= high:
			start = i
		case start >= 0 && s <= low:
			out = append(out, types.Block{Start: start, End: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, types.Block{Start: start, End: len(scores) - 1})
	}
	return out
}
