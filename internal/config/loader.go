package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"sensor":     {"serial", "mqtt", "websocket", "periph", "mock"},
	"classifier": {"subprocess", "http", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Keys absent from the document keep their default;
// unknown keys are an error. An empty document yields the defaults, which
// fail validation only for the required provider names.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.ConfigPollMs <= 0 {
		add("server.config_poll_ms must be positive, got %d", cfg.Server.ConfigPollMs)
	}

	// Sensor
	if cfg.Sensor.Provider.Name == "" {
		add("sensor.provider.name is required")
	}
	validateProviderName("sensor", cfg.Sensor.Provider.Name)
	if cfg.Sensor.SampleIntervalMs <= 0 {
		add("sensor.sample_interval_ms must be positive, got %d", cfg.Sensor.SampleIntervalMs)
	}
	if cfg.Sensor.ReadyTimeoutMs <= 0 {
		add("sensor.ready_timeout_ms must be positive, got %d", cfg.Sensor.ReadyTimeoutMs)
	}
	if r := cfg.Sensor.Reconnect; r.MaxRetries < 0 || r.BackoffMs < 0 || r.MaxBackoffMs < 0 {
		add("sensor.reconnect values must be non-negative, got %+v", r)
	}

	// Calibration
	if cfg.Calibration.Samples <= 0 {
		add("calibration.samples must be positive, got %d", cfg.Calibration.Samples)
	}
	if cfg.Calibration.TimeoutMs <= 0 {
		add("calibration.timeout_ms must be positive, got %d", cfg.Calibration.TimeoutMs)
	}
	if cfg.Calibration.Samples > 0 && cfg.Sensor.SampleIntervalMs > 0 &&
		cfg.Calibration.Samples*cfg.Sensor.SampleIntervalMs >= cfg.Calibration.TimeoutMs {
		slog.Warn("calibration.timeout_ms leaves no slack for missed ticks",
			"samples", cfg.Calibration.Samples,
			"sample_interval_ms", cfg.Sensor.SampleIntervalMs,
			"timeout_ms", cfg.Calibration.TimeoutMs,
		)
	}

	// Activity
	if err := cfg.ActivityTuning().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("activity: %w", err))
	}
	w := cfg.Activity.Weights
	if w.Pressure == 0 && w.Accel == 0 && w.Gyro == 0 {
		add("activity.weights must not all be zero")
	}

	// Auto-idle
	idle := cfg.AutoIdle
	if idle.PressureStd < 0 || idle.AccelStd < 0 || idle.GyroStd < 0 || idle.PressureMeanAbs < 0 {
		add("auto_idle thresholds must be non-negative")
	}

	// Classifier
	if cfg.Classifier.Primary.Name == "" {
		add("classifier.primary.name is required")
	}
	validateProviderName("classifier", cfg.Classifier.Primary.Name)
	for i, fb := range cfg.Classifier.Fallbacks {
		if fb.Name == "" {
			add("classifier.fallbacks[%d].name is required", i)
		}
		validateProviderName("classifier", fb.Name)
	}
	if cfg.Classifier.TimeoutMs <= 0 {
		add("classifier.timeout_ms must be positive, got %d", cfg.Classifier.TimeoutMs)
	}
	if cfg.Classifier.IdleLabel == "" {
		add("classifier.idle_label is required")
	}
	if cfg.Classifier.UnknownLabel == "" {
		add("classifier.unknown_label is required")
	}
	if cfg.Classifier.IdleLabel != "" && cfg.Classifier.IdleLabel == cfg.Classifier.UnknownLabel {
		add("classifier.idle_label and classifier.unknown_label must differ, both are %q", cfg.Classifier.IdleLabel)
	}
	if cfg.Classifier.Breaker.MaxFailures <= 0 {
		add("classifier.breaker.max_failures must be positive, got %d", cfg.Classifier.Breaker.MaxFailures)
	}
	if cfg.Classifier.Breaker.ResetTimeoutMs <= 0 {
		add("classifier.breaker.reset_timeout_ms must be positive, got %d", cfg.Classifier.Breaker.ResetTimeoutMs)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
