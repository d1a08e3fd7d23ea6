package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/MrWong99/pillowmate/pkg/types"
)

var (
	// ErrEmptyMessage is returned by [DecodeMessage] for a payload that
	// carries no channel at all.
	ErrEmptyMessage = errors.New("sensor: message carries no channel")

	// ErrNonFinite is returned for NaN or infinite channel values, which
	// firmware prints when a read fails.
	ErrNonFinite = errors.New("sensor: non-finite value")
)

// Message is the JSON wire form used by the network drivers:
//
//	{"pressure_hpa": 1013.2, "accel": [0.01, 0.02, 0.98], "gyro": [0.4, -0.1, 0.0], "timestamp_ms": 1234}
//
// Pressure may be sent as pressure_hpa, as pressure_pa (converted to hPa) or
// as pressure in raw device units, checked in that order. Every field is
// optional, but accel and gyro travel together.
type Message struct {
	PressureHPa *float64    `json:"pressure_hpa,omitempty"`
	PressurePa  *float64    `json:"pressure_pa,omitempty"`
	Pressure    *float64    `json:"pressure,omitempty"`
	Accel       *[3]float64 `json:"accel,omitempty"`
	Gyro        *[3]float64 `json:"gyro,omitempty"`

	// TimestampMs is the device clock. It is informational only; the sampler
	// stamps updates with local time. t_ms is accepted as a short alias.
	TimestampMs *int64 `json:"timestamp_ms,omitempty"`
	TMs         *int64 `json:"t_ms,omitempty"`
}

// DecodeMessage parses a network payload into an [Update]. A bare number is
// accepted as a pressure-only reading.
func DecodeMessage(payload []byte) (Update, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Update{}, ErrEmptyMessage
	}
	if payload[0] != '{' {
		p, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return Update{}, fmt.Errorf("sensor: decode pressure: %w", err)
		}
		if !finite(p) {
			return Update{}, fmt.Errorf("sensor: pressure %v: %w", p, ErrNonFinite)
		}
		return PressureUpdate(p), nil
	}

	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Update{}, fmt.Errorf("sensor: decode message: %w", err)
	}
	return m.Update()
}

// Update converts m into an [Update].
func (m Message) Update() (Update, error) {
	var u Update
	switch {
	case m.PressureHPa != nil:
		u.Pressure, u.HasPressure = *m.PressureHPa, true
	case m.PressurePa != nil:
		u.Pressure, u.HasPressure = *m.PressurePa/100, true
	case m.Pressure != nil:
		u.Pressure, u.HasPressure = *m.Pressure, true
	}
	if u.HasPressure && !finite(u.Pressure) {
		return Update{}, fmt.Errorf("sensor: pressure %v: %w", u.Pressure, ErrNonFinite)
	}
	switch {
	case m.Accel != nil && m.Gyro != nil:
		for _, v := range append(m.Accel[:], m.Gyro[:]...) {
			if !finite(v) {
				return Update{}, fmt.Errorf("sensor: motion %v: %w", v, ErrNonFinite)
			}
		}
		u.Motion = types.Motion{
			Accel: types.Vec3{X: m.Accel[0], Y: m.Accel[1], Z: m.Accel[2]},
			Gyro:  types.Vec3{X: m.Gyro[0], Y: m.Gyro[1], Z: m.Gyro[2]},
		}
		u.HasMotion = true
	case m.Accel != nil || m.Gyro != nil:
		return Update{}, errors.New("sensor: accel and gyro must be sent together")
	}
	if !u.HasPressure && !u.HasMotion {
		return Update{}, ErrEmptyMessage
	}
	u.At = time.Now()
	return u, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
