package config_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/internal/activity"
	"github.com/MrWong99/pillowmate/internal/config"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	clfmock "github.com/MrWong99/pillowmate/pkg/provider/classifier/mock"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	sensormock "github.com/MrWong99/pillowmate/pkg/provider/sensor/mock"
	"github.com/MrWong99/pillowmate/pkg/types"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestDefault_MatchesPackageDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	if got, want := cfg.ActivityTuning(), activity.DefaultConfig(); got != want {
		t.Errorf("ActivityTuning() = %+v, want %+v", got, want)
	}
	if got := cfg.SamplerConfig(); got.Interval != 20*time.Millisecond || got.ReadyTimeout != 8*time.Second {
		t.Errorf("SamplerConfig() = %+v", got)
	}
	if got := cfg.CalibrateConfig(); got.Samples != 200 || got.Interval != 20*time.Millisecond || got.Timeout != 30*time.Second {
		t.Errorf("CalibrateConfig() = %+v", got)
	}
	d := cfg.DispatchConfig()
	if d.Timeout != 15*time.Second || d.SampleInterval != 20*time.Millisecond || d.IdleLabel != "idle" || d.UnknownLabel != "unknown" {
		t.Errorf("DispatchConfig() = %+v", d)
	}
	fb := cfg.FallbackConfig()
	if fb.CircuitBreaker.MaxFailures != 3 || fb.CircuitBreaker.ResetTimeout != 30*time.Second {
		t.Errorf("FallbackConfig() = %+v", fb)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval() = %v", cfg.PollInterval())
	}
	cfg.Sensor.Provider.Name = "serial"
	rc := cfg.ReconnectConfig()
	if !cfg.Sensor.Reconnect.Enabled || rc.Name != "serial" || rc.MaxRetries != 10 ||
		rc.Backoff != time.Second || rc.MaxBackoff != 30*time.Second {
		t.Errorf("ReconnectConfig() = %+v (enabled=%v)", rc, cfg.Sensor.Reconnect.Enabled)
	}
}

func TestActivityTuning_Converts(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Activity.Weights = config.WeightsConfig{Pressure: 2, Accel: 0.5, Gyro: 0}
	cfg.Activity.PressurePolicy = "absolute"
	cfg.Activity.SmoothingAlpha = 0.3
	cfg.AutoIdle.Enabled = false

	got := cfg.ActivityTuning()
	if got.Score.Weights != (activity.Weights{Pressure: 2, Accel: 0.5}) {
		t.Errorf("weights = %+v", got.Score.Weights)
	}
	if got.Score.PressurePolicy != activity.PressureAbsolute || got.Score.SmoothingAlpha != 0.3 {
		t.Errorf("score = %+v", got.Score)
	}
	if got.Idle.Enabled {
		t.Error("idle should be disabled")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterSensor("mock", func(e config.ProviderEntry) (sensor.Provider, error) {
		gotEntry = e
		return &sensormock.Provider{}, nil
	})
	reg.RegisterClassifier("mock", func(config.ProviderEntry) (classifier.Classifier, error) {
		return &clfmock.Classifier{Result: types.ClassificationResult{Label: types.LabelTap, Probability: 1}}, nil
	})

	entry := config.ProviderEntry{Name: "mock", Options: map[string]any{"k": "v"}}
	if _, err := reg.CreateSensor(entry); err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	if gotEntry.Options["k"] != "v" {
		t.Errorf("factory got %+v", gotEntry)
	}

	clf, err := reg.CreateClassifier(entry)
	if err != nil {
		t.Fatalf("CreateClassifier: %v", err)
	}
	res, _ := clf.Classify(context.Background(), types.ClassificationRequest{})
	if res.Label != types.LabelTap {
		t.Errorf("label = %q", res.Label)
	}

	if _, err := reg.CreateSensor(config.ProviderEntry{Name: "serial"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateClassifier(config.ProviderEntry{Name: "http"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
