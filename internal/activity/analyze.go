package activity

import "github.com/MrWong99/pillowmate/pkg/types"

// Config bundles every tuning knob of the activity pipeline.
type Config struct {
	Score  ScoreConfig
	Blocks BlockConfig
	Idle   IdleConfig
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Score:  DefaultScoreConfig(),
		Blocks: DefaultBlockConfig(),
		Idle:   DefaultIdleConfig(),
	}
}

// Validate checks the score and block settings.
func (c Config) Validate() error {
	if err := c.Score.Validate(); err != nil {
		return err
	}
	return c.Blocks.Validate()
}

// Analysis is the outcome of [Analyze].
type Analysis struct {
	// Idle is true when the auto-idle heuristic matched. Scores and Blocks are
	// then empty.
	Idle    bool
	Summary Summary
	Scores  []float64
	Blocks  []types.Block
}

// Analyze runs the auto-idle check and, if the turn is not idle, scores,
// smooths and extracts blocks.
func Analyze(frames []types.SensorFrame, base types.Baseline, cfg Config) (Analysis, error) {
	a := Analysis{Summary: Summarize(frames)}
	if IsIdle(frames, cfg.Idle) {
		a.Idle = true
		return a, nil
	}
	a.Scores = Smooth(Score(frames, base, cfg.Score), cfg.Score.SmoothingAlpha)
	blocks, err := Extract(a.Scores, cfg.Blocks)
	if err != nil {
		return a, err
	}
	a.Blocks = blocks
	return a, nil
}
