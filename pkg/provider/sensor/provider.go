// Package sensor defines the Provider interface for pressure + IMU drivers.
//
// A sensor provider wraps a hardware driver (serial-attached microcontroller,
// MQTT topics, a websocket bridge or on-board SPI/I2C chips) and surfaces it
// as a stream of partial [Update] values. Drivers push whatever channel they
// just read; the sampler keeps the most recent value of each channel and
// samples that cache on a fixed tick.
//
// "No value yet" is always distinguishable from "value is zero": an Update
// carries explicit HasPressure / HasMotion flags, and so does [Reading].
package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// ErrTimeout is returned when a sensor does not deliver data within the
// configured window. It indicates a silent hardware disconnect and is fatal to
// session startup.
var ErrTimeout = errors.New("sensor: timed out waiting for data")

// ErrStreamClosed is returned when a provider's update stream ends while the
// sampler is still running.
var ErrStreamClosed = errors.New("sensor: update stream closed")

// Update is a partial reading pushed by a driver. Channels whose Has* flag is
// false carry no new value and leave the previous one untouched.
type Update struct {
	Pressure    float64
	HasPressure bool

	Motion    types.Motion
	HasMotion bool

	// At is the time the driver produced the update. Zero means "now".
	At time.Time
}

// PressureUpdate returns an Update carrying only a pressure value.
func PressureUpdate(p float64) Update {
	return Update{Pressure: p, HasPressure: true}
}

// MotionUpdate returns an Update carrying only an IMU value.
func MotionUpdate(m types.Motion) Update {
	return Update{Motion: m, HasMotion: true}
}

// Reading is the latest known value of every channel.
type Reading struct {
	Pressure    float64
	HasPressure bool

	Motion    types.Motion
	HasMotion bool

	// UpdatedAt is the time of the most recent update on any channel.
	UpdatedAt time.Time
}

// Complete reports whether every channel has produced at least one value.
func (r Reading) Complete() bool {
	return r.HasPressure && r.HasMotion
}

// Apply merges u into r and returns the result.
func (r Reading) Apply(u Update) Reading {
	if u.HasPressure {
		r.Pressure = u.Pressure
		r.HasPressure = true
	}
	if u.HasMotion {
		r.Motion = u.Motion
		r.HasMotion = true
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	r.UpdatedAt = at
	return r
}

// Provider is the interface implemented by every sensor driver.
//
// Implementations must be safe for concurrent use of Close with Stream.
type Provider interface {
	// Stream starts reading from the hardware and returns a channel of
	// updates. The channel is closed when ctx is cancelled, when Close is
	// called, or when the driver fails irrecoverably. Stream may only be
	// called once per provider instance.
	Stream(ctx context.Context) (<-chan Update, error)

	// Close releases the underlying device. Calling Close more than once is
	// safe and returns nil.
	Close() error
}
