// Package turn implements the turn capture state machine.
//
// A [Machine] moves between two states, idle and capturing. While capturing,
// every sampler tick appends one baseline-rebased [types.SensorFrame] to the
// current turn's buffer. Stopping a turn is synchronous: the buffer is handed
// back to the caller as a [Turn] and the machine is idle again before any
// classification starts.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// State is a turn machine state.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
)

const (
	eventStart = "start"
	eventStop  = "stop"
)

// ErrInvalidTransition is returned when Start or Stop is called in the wrong
// state. It always indicates a caller bug.
var ErrInvalidTransition = errors.New("turn: invalid transition")

// Turn is a finished capture handed back by [Machine.Stop].
type Turn struct {
	ID        string
	StartedAt time.Time
	StoppedAt time.Time
	Baseline  types.Baseline
	Frames    []types.SensorFrame
}

// Duration returns how long the turn was capturing.
func (t Turn) Duration() time.Duration {
	return t.StoppedAt.Sub(t.StartedAt)
}

// Machine is the turn capture state machine. All methods are safe for
// concurrent use; frame appends and transitions are serialised.
type Machine struct {
	mu       sync.Mutex
	fsm      *fsm.FSM
	baseline types.Baseline
	frames   []types.SensorFrame
	id       string
	started  time.Time
}

// New returns an idle machine that rebases pressure against base.
func New(base types.Baseline) *Machine {
	m := &Machine{baseline: base}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateCapturing)},
			{Name: eventStop, Src: []string{string(StateCapturing)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("turn state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return m
}

// SetBaseline replaces the baseline used for new frames. It fails while a
// turn is capturing.
func (m *Machine) SetBaseline(base types.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != string(StateIdle) {
		return fmt.Errorf("%w: cannot change baseline while capturing", ErrInvalidTransition)
	}
	m.baseline = base
	return nil
}

// Baseline returns the baseline used for new frames.
func (m *Machine) Baseline() types.Baseline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// Start begins a new turn and returns its id. Calling Start while a turn is
// capturing returns [ErrInvalidTransition] and leaves the buffered frames
// untouched.
func (m *Machine) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.WithoutCancel(ctx), eventStart); err != nil {
		err = fmt.Errorf("%w: start from %s: %w", ErrInvalidTransition, m.fsm.Current(), err)
		slog.Error("turn start rejected", "turn_id", m.id, "buffered", len(m.frames), "err", err)
		return "", err
	}
	m.frames = m.frames[:0:0]
	m.id = uuid.NewString()
	m.started = time.Now()
	return m.id, nil
}

// Stop ends the current turn and returns its frames. The machine is idle
// when Stop returns, even if ctx is already done. Calling Stop while idle
// returns [ErrInvalidTransition].
func (m *Machine) Stop(ctx context.Context) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.WithoutCancel(ctx), eventStop); err != nil {
		err = fmt.Errorf("%w: stop from %s: %w", ErrInvalidTransition, m.fsm.Current(), err)
		slog.Error("turn stop rejected", "err", err)
		return Turn{}, err
	}
	t := Turn{
		ID:        m.id,
		StartedAt: m.started,
		StoppedAt: time.Now(),
		Baseline:  m.baseline,
		Frames:    m.frames,
	}
	m.frames = nil
	return t, nil
}

// OnTick appends a frame built from r when a turn is capturing, and is a
// no-op otherwise. Its signature matches the sampler tick handler.
func (m *Machine) OnTick(_ context.Context, r sensor.Reading) {
	if !r.Complete() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != string(StateCapturing) {
		return
	}
	m.frames = append(m.frames, types.NewFrame(r.Pressure, r.Motion, m.baseline))
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Len returns the number of frames in the current turn.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// TurnID returns the id of the current or most recently stopped turn.
func (m *Machine) TurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Snapshot returns a copy of the frames captured so far.
func (m *Machine) Snapshot() []types.SensorFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SensorFrame, len(m.frames))
	copy(out, m.frames)
	return out
}
