// Package dispatch picks the representative block of a turn, sends it to a
// classifier and turns every possible outcome into a well-formed
// [types.ClassificationResult].
//
// Dispatch never returns an error: classifier failures, timeouts and panics
// all become the unknown fallback result and are logged with whatever raw
// output the classifier produced.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// Defaults for [Config].
const (
	DefaultTimeout        = 15 * time.Second
	DefaultSampleInterval = 20 * time.Millisecond
	DefaultIdleLabel      = "idle"
	DefaultUnknownLabel   = "unknown"
)

// Config tunes a [Dispatcher].
type Config struct {
	// Timeout bounds one classifier exchange. Default: 15s.
	Timeout time.Duration

	// SampleInterval is reported to the classifier as sample_ms.
	SampleInterval time.Duration

	// IdleLabel is returned when no block was found.
	IdleLabel string

	// UnknownLabel is returned when the classifier failed.
	UnknownLabel string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.IdleLabel == "" {
		c.IdleLabel = DefaultIdleLabel
	}
	if c.UnknownLabel == "" {
		c.UnknownLabel = DefaultUnknownLabel
	}
}

// Dispatcher sends one block per turn to a classifier.
// It is safe for concurrent use.
type Dispatcher struct {
	clf classifier.Classifier
	cfg Config
}

// New creates a dispatcher for clf.
func New(clf classifier.Classifier, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{clf: clf, cfg: cfg}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// IdleResult is the result for a turn without activity.
func (d *Dispatcher) IdleResult(reason types.ResultReason) types.ClassificationResult {
	p := 1.0
	if reason == types.ReasonEmptyTurn {
		p = 0
	}
	return types.ClassificationResult{Label: d.cfg.IdleLabel, Probability: p, Reason: reason}
}

// FallbackResult is the result for a failed classification.
func (d *Dispatcher) FallbackResult() types.ClassificationResult {
	return types.ClassificationResult{Label: d.cfg.UnknownLabel, Probability: 0, Reason: types.ReasonFallback}
}

// SelectLongest returns the block with the most frames. Ties go to the
// earliest block. ok is false when blocks is empty.
func SelectLongest(blocks []types.Block) (best types.Block, ok bool) {
	for i, b := range blocks {
		if i == 0 || b.Len() > best.Len() {
			best = b
		}
	}
	return best, len(blocks) > 0
}

// BuildRequest builds the request for the frames covered by b.
func BuildRequest(frames []types.SensorFrame, b types.Block, sampleInterval time.Duration) (types.ClassificationRequest, error) {
	if b.Start < 0 || b.Start > b.End || b.End >= len(frames) {
		return types.ClassificationRequest{}, fmt.Errorf("dispatch: block %d-%d outside %d frames", b.Start, b.End, len(frames))
	}
	rows := make([][types.FeatureCount]float64, 0, b.Len())
	for _, f := range frames[b.Start : b.End+1] {
		rows = append(rows, f.Row())
	}
	return types.ClassificationRequest{
		Label:        DefaultUnknownLabel,
		SampleMs:     uint32(sampleInterval / time.Millisecond),
		FeatureNames: types.FeatureNames[:],
		Features:     rows,
	}, nil
}

// Dispatch classifies the longest of blocks. It returns the idle result when
// blocks is empty without touching the classifier, and the fallback result
// on any classifier failure.
func (d *Dispatcher) Dispatch(ctx context.Context, frames []types.SensorFrame, blocks []types.Block) types.ClassificationResult {
	log := observe.Logger(ctx)

	block, ok := SelectLongest(blocks)
	if !ok {
		log.Debug("no active block, skipping classifier", "frames", len(frames))
		return d.IdleResult(types.ReasonNoActivity)
	}
	req, err := BuildRequest(frames, block, d.cfg.SampleInterval)
	if err != nil {
		log.Error("cannot build classification request", "err", err)
		return d.FallbackResult()
	}

	ctx, span := observe.StartSpan(ctx, "dispatch.classify")
	defer span.End()
	span.SetAttributes(
		attribute.Int("block.start", block.Start),
		attribute.Int("block.end", block.End),
		attribute.Int("blocks", len(blocks)),
	)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := d.classify(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs := []any{"err", err, "rows", len(req.Features), "duration", elapsed}
		var perr *classifier.ProtocolError
		if errors.As(err, &perr) {
			attrs = append(attrs,
				"provider", perr.Provider,
				"exit_code", perr.ExitCode,
				"raw_output", string(perr.Output),
				"stderr", perr.Stderr,
			)
		}
		log.Warn("classification failed, using fallback", attrs...)
		return d.FallbackResult()
	}

	res.Reason = types.ReasonClassified
	if !slices.Contains(types.KnownLabels, res.Label) {
		log.Debug("classifier returned an unknown label", "label", res.Label)
	}
	span.SetAttributes(attribute.String("label", res.Label), attribute.Float64("probability", res.Probability))
	log.Info("turn classified",
		"label", res.Label,
		"probability", res.Probability,
		"rows", len(req.Features),
		"duration", elapsed,
	)
	return res
}

// classify calls the classifier and converts a panic into an error so that a
// broken transport cannot take the capture loop down.
func (d *Dispatcher) classify(ctx context.Context, req types.ClassificationRequest) (res types.ClassificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: classifier panicked: %v", r)
		}
	}()
	res, err = d.clf.Classify(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}
