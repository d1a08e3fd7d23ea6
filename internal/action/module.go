// Package action is the caller-facing API of the action recognition
// pipeline.
//
// A [Module] owns the turn state machine and the calibrated baseline. It
// exposes the three operations the dialogue layer needs:
//
//   - EnsureReady waits for the sensor and calibrates the baseline once.
//   - StartTurn opens a capture window.
//   - StopAndGetAction closes it and classifies what was captured.
//
// Classification never blocks the sampler: [Module.Stop] returns the machine
// to idle synchronously and delivers the result on a channel.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/pillowmate/internal/activity"
	"github.com/MrWong99/pillowmate/internal/archive"
	"github.com/MrWong99/pillowmate/internal/calibrate"
	"github.com/MrWong99/pillowmate/internal/dispatch"
	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/internal/turn"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// ErrNotReady is returned by turn operations before [Module.EnsureReady] has
// completed successfully.
var ErrNotReady = errors.New("action: module not ready")

// Source is the part of the sampler the module depends on.
type Source interface {
	calibrate.LatestReader
	WaitReady(ctx context.Context) error
	Interval() time.Duration
	Stale() bool
}

// Config bundles the tuning of every pipeline stage.
type Config struct {
	Calibration calibrate.Config
	Activity    activity.Config
	Dispatch    dispatch.Config
}

// Option configures a [Module].
type Option func(*Module)

// WithArchive archives every finished turn to s.
func WithArchive(s archive.Store) Option {
	return func(m *Module) { m.archive = s }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Module) { m.metrics = mt }
}

// Status is a point-in-time view of the module.
type Status struct {
	Ready       bool           `json:"ready"`
	State       turn.State     `json:"state"`
	TurnID      string         `json:"turn_id,omitempty"`
	Frames      int            `json:"frames"`
	Baseline    types.Baseline `json:"baseline"`
	SensorStale bool           `json:"sensor_stale"`
}

// Module is the action recognition pipeline. All methods are safe for
// concurrent use.
type Module struct {
	src     Source
	clf     classifier.Classifier
	machine *turn.Machine
	archive archive.Store
	metrics *observe.Metrics

	calCfg calibrate.Config

	// calMu serialises calibration runs. readyMu guards the fields below and
	// is held for reading across StartTurn so that a recalibration cannot
	// begin between the readiness check and the state transition.
	calMu    sync.Mutex
	readyMu  sync.RWMutex
	settled  bool
	ready    bool
	readyErr error

	tuneMu     sync.RWMutex
	activity   activity.Config
	dispatcher *dispatch.Dispatcher

	inflight sync.WaitGroup
}

// New creates a module. The sampling interval used for calibration and
// reported to the classifier defaults to src.Interval().
func New(src Source, clf classifier.Classifier, cfg Config, opts ...Option) (*Module, error) {
	if err := cfg.Activity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Calibration.Interval <= 0 {
		cfg.Calibration.Interval = src.Interval()
	}
	if cfg.Dispatch.SampleInterval <= 0 {
		cfg.Dispatch.SampleInterval = src.Interval()
	}
	m := &Module{
		src:        src,
		clf:        clf,
		machine:    turn.New(types.Baseline{}),
		calCfg:     cfg.Calibration,
		activity:   cfg.Activity,
		dispatcher: dispatch.New(clf, cfg.Dispatch),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// OnTick feeds one sampler tick into the turn machine. Register it with the
// sampler's Subscribe.
func (m *Module) OnTick(ctx context.Context, r sensor.Reading) {
	m.machine.OnTick(ctx, r)
}

// EnsureReady waits for the first complete sensor reading and calibrates the
// baseline. Only the first successful or failed calibration counts; later
// calls return its outcome, and a calibration failure is permanent for this
// module. A call that ends because ctx was cancelled or expired is not
// recorded, so EnsureReady may be retried with a fresh context.
func (m *Module) EnsureReady(ctx context.Context) error {
	m.calMu.Lock()
	defer m.calMu.Unlock()

	m.readyMu.RLock()
	settled, err := m.settled, m.readyErr
	m.readyMu.RUnlock()
	if settled {
		return err
	}

	err = m.calibrate(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	m.readyMu.Lock()
	m.settled, m.ready, m.readyErr = true, err == nil, err
	m.readyMu.Unlock()
	return err
}

// Ready reports whether EnsureReady has succeeded.
func (m *Module) Ready() bool {
	m.readyMu.RLock()
	defer m.readyMu.RUnlock()
	return m.ready
}

func (m *Module) calibrate(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "action.calibrate")
	defer span.End()

	if err := m.src.WaitReady(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("action: wait for sensor: %w", err)
	}
	start := time.Now()
	base, err := calibrate.Calibrate(ctx, m.src, m.calCfg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("action: %w", err)
	}
	m.metrics.CalibrationDuration.Record(ctx, time.Since(start).Seconds())
	if err := m.machine.SetBaseline(base); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	return nil
}

// Recalibrate recomputes the baseline, e.g. after the sensor reconnected.
// It is refused while a turn is capturing. While it runs the module is not
// ready, so StartTurn fails with [ErrNotReady]. On failure the previous
// baseline stays in place.
func (m *Module) Recalibrate(ctx context.Context) error {
	m.calMu.Lock()
	defer m.calMu.Unlock()

	m.readyMu.Lock()
	if !m.ready {
		m.readyMu.Unlock()
		return ErrNotReady
	}
	if st := m.machine.State(); st != turn.StateIdle {
		m.readyMu.Unlock()
		return fmt.Errorf("action: recalibrate while %s: %w", st, turn.ErrInvalidTransition)
	}
	m.ready = false
	m.readyMu.Unlock()

	err := m.calibrate(ctx)

	m.readyMu.Lock()
	m.ready = true
	m.readyMu.Unlock()
	return err
}

// Baseline returns the calibrated baseline. ok is false before calibration.
func (m *Module) Baseline() (types.Baseline, bool) {
	return m.machine.Baseline(), m.Ready()
}

// StartTurn opens a capture window and returns the turn id. It fails with
// [ErrNotReady] before calibration and with [turn.ErrInvalidTransition] if a
// turn is already capturing.
func (m *Module) StartTurn(ctx context.Context) (string, error) {
	m.readyMu.RLock()
	if !m.ready {
		m.readyMu.RUnlock()
		return "", ErrNotReady
	}
	id, err := m.machine.Start(ctx)
	m.readyMu.RUnlock()
	if err != nil {
		return "", err
	}
	m.metrics.ActiveTurns.Add(ctx, 1)
	observe.Logger(observe.WithTurn(ctx, id)).Info("turn started")
	return id, nil
}

// Stop closes the current turn and classifies it in the background. The
// machine is idle, and ready for the next StartTurn, when Stop returns. The
// returned channel receives exactly one result and is then closed.
//
// Cancelling ctx aborts the classification, which then yields the fallback
// result; it never leaves the turn open.
func (m *Module) Stop(ctx context.Context) (<-chan types.ClassificationResult, error) {
	if !m.Ready() {
		return nil, ErrNotReady
	}
	t, err := m.machine.Stop(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.ActiveTurns.Add(ctx, -1)
	m.metrics.RecordTurn(ctx, len(t.Frames), t.Duration().Seconds())

	out := make(chan types.ClassificationResult, 1)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer close(out)
		out <- m.process(observe.WithTurn(ctx, t.ID), t)
	}()
	return out, nil
}

// StopAndGetAction closes the current turn and waits for its result.
// Classifier failures are absorbed into the result; only usage errors are
// returned.
func (m *Module) StopAndGetAction(ctx context.Context) (types.ClassificationResult, error) {
	ch, err := m.Stop(ctx)
	if err != nil {
		return types.ClassificationResult{}, err
	}
	return <-ch, nil
}

// Wait blocks until every background classification has finished.
func (m *Module) Wait() {
	m.inflight.Wait()
}

func (m *Module) process(ctx context.Context, t turn.Turn) types.ClassificationResult {
	ctx, span := observe.StartSpan(ctx, "action.process")
	defer span.End()
	span.SetAttributes(attribute.String("turn.id", t.ID), attribute.Int("turn.frames", len(t.Frames)))
	log := observe.Logger(ctx)

	m.tuneMu.RLock()
	cfg, d := m.activity, m.dispatcher
	m.tuneMu.RUnlock()

	var (
		res    types.ClassificationResult
		blocks []types.Block
	)
	switch {
	case len(t.Frames) == 0:
		res = d.IdleResult(types.ReasonEmptyTurn)
	default:
		a, err := activity.Analyze(t.Frames, t.Baseline, cfg)
		switch {
		case err != nil:
			log.Error("activity analysis failed", "err", err)
			res = d.FallbackResult()
		case a.Idle:
			log.Debug("turn judged idle", "summary", a.Summary)
			res = d.IdleResult(types.ReasonAutoIdle)
		default:
			blocks = a.Blocks
			res = d.Dispatch(ctx, t.Frames, blocks)
		}
	}

	span.SetAttributes(attribute.String("result.label", res.Label), attribute.String("result.reason", string(res.Reason)))
	m.metrics.RecordResult(ctx, res)
	log.Info("turn finished",
		"label", res.Label,
		"probability", res.Probability,
		"reason", res.Reason,
		"frames", len(t.Frames),
		"blocks", len(blocks),
		"duration", t.Duration().Round(time.Millisecond),
	)

	if m.archive != nil {
		rec := archive.Record{
			TurnID:    t.ID,
			StartedAt: t.StartedAt,
			StoppedAt: t.StoppedAt,
			SampleMs:  uint32(d.Config().SampleInterval / time.Millisecond),
			Baseline:  t.Baseline,
			Frames:    t.Frames,
			Blocks:    blocks,
			Result:    res,
		}
		if err := m.archive.Save(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("archiving turn failed", "err", err)
		}
	}
	return res
}

// UpdateTuning replaces the activity tuning and the classifier timeout. It
// applies from the next stopped turn on.
func (m *Module) UpdateTuning(act activity.Config, timeout time.Duration) error {
	if err := act.Validate(); err != nil {
		return err
	}
	m.tuneMu.Lock()
	defer m.tuneMu.Unlock()
	dcfg := m.dispatcher.Config()
	dcfg.Timeout = timeout
	m.activity = act
	m.dispatcher = dispatch.New(m.clf, dcfg)
	slog.Info("action tuning updated",
		"high", act.Blocks.High,
		"low", act.Blocks.Low,
		"auto_idle", act.Idle.Enabled,
		"classifier_timeout", m.dispatcher.Config().Timeout,
	)
	return nil
}

// Tuning returns the current activity tuning and classifier timeout.
func (m *Module) Tuning() (activity.Config, time.Duration) {
	m.tuneMu.RLock()
	defer m.tuneMu.RUnlock()
	return m.activity, m.dispatcher.Config().Timeout
}

// Status returns a snapshot of the module state.
func (m *Module) Status() Status {
	st := m.machine.State()
	s := Status{
		Ready:       m.Ready(),
		State:       st,
		Frames:      m.machine.Len(),
		Baseline:    m.machine.Baseline(),
		SensorStale: m.src.Stale(),
	}
	if st == turn.StateCapturing {
		s.TurnID = m.machine.TurnID()
	}
	return s
}
