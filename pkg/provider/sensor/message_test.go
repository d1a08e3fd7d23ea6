package sensor_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		payload      string
		wantPressure bool
		wantMotion   bool
		pressure     float64
		motion       types.Motion
		wantErr      bool
	}{
		{name: "bare number", payload: " 512.5\n", wantPressure: true, pressure: 512.5},
		{name: "pressure only", payload: `{"pressure": 98}`, wantPressure: true, pressure: 98},
		{
			name:       "motion only",
			payload:    `{"accel":[0,0,1],"gyro":[1,2,3]}`,
			wantMotion: true,
			motion:     types.Motion{Accel: types.Vec3{Z: 1}, Gyro: types.Vec3{X: 1, Y: 2, Z: 3}},
		},
		{
			name:         "full",
			payload:      `{"pressure":0,"accel":[0.1,0.2,0.3],"gyro":[0,0,0],"t_ms":40}`,
			wantPressure: true,
			wantMotion:   true,
			motion:       types.Motion{Accel: types.Vec3{X: 0.1, Y: 0.2, Z: 0.3}},
		},
		{
			name:         "hectopascal",
			payload:      `{"pressure_hpa":1013.2,"accel":[0,0,1],"gyro":[0,0,0],"timestamp_ms":7}`,
			wantPressure: true,
			wantMotion:   true,
			pressure:     1013.2,
			motion:       types.Motion{Accel: types.Vec3{Z: 1}},
		},
		{name: "pascal converted", payload: `{"pressure_pa":101320}`, wantPressure: true, pressure: 1013.2},
		{name: "hectopascal wins", payload: `{"pressure_hpa":1000,"pressure":512}`, wantPressure: true, pressure: 1000},
		{name: "bare nan", payload: "nan", wantErr: true},
		{name: "bare inf", payload: "-Inf", wantErr: true},
		{name: "accel without gyro", payload: `{"accel":[0,0,1]}`, wantErr: true},
		{name: "empty object", payload: `{}`, wantErr: true},
		{name: "empty", payload: "  ", wantErr: true},
		{name: "garbage", payload: "hello", wantErr: true},
		{name: "bad json", payload: `{"pressure":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := sensor.DecodeMessage([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.HasPressure != tt.wantPressure || u.HasMotion != tt.wantMotion {
				t.Fatalf("flags = pressure %v motion %v", u.HasPressure, u.HasMotion)
			}
			if u.Pressure != tt.pressure {
				t.Errorf("pressure = %v, want %v", u.Pressure, tt.pressure)
			}
			if u.Motion != tt.motion {
				t.Errorf("motion = %+v, want %+v", u.Motion, tt.motion)
			}
		})
	}
}

func TestDecodeMessage_EmptyIsSentinel(t *testing.T) {
	t.Parallel()
	if _, err := sensor.DecodeMessage([]byte("{}")); !errors.Is(err, sensor.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestMessageUpdate_RejectsNonFinite(t *testing.T) {
	t.Parallel()

	nan := math.NaN()
	inf := math.Inf(1)
	tests := []struct {
		name string
		msg  sensor.Message
	}{
		{"pressure", sensor.Message{Pressure: &nan}},
		{"pascal", sensor.Message{PressurePa: &inf}},
		{"accel", sensor.Message{Accel: &[3]float64{0, nan, 1}, Gyro: &[3]float64{}}},
		{"gyro", sensor.Message{Accel: &[3]float64{0, 0, 1}, Gyro: &[3]float64{inf, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.msg.Update(); !errors.Is(err, sensor.ErrNonFinite) {
				t.Fatalf("err = %v, want ErrNonFinite", err)
			}
		})
	}
}
