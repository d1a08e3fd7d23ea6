// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the PillowMate action service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pillowmate/internal/activity"
	"github.com/MrWong99/pillowmate/internal/calibrate"
	"github.com/MrWong99/pillowmate/internal/dispatch"
	"github.com/MrWong99/pillowmate/internal/resilience"
	"github.com/MrWong99/pillowmate/internal/sampler"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/reconnect"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], on top of [Default].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Activity    ActivityConfig    `yaml:"activity"`
	AutoIdle    AutoIdleConfig    `yaml:"auto_idle"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API, health probes and
	// /metrics. Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ConfigPollMs is the hot-reload polling period. Default: 5000.
	ConfigPollMs int `yaml:"config_poll_ms"`
}

// ProviderEntry selects a registered provider implementation. Options are
// provider-specific and interpreted by the factory.
type ProviderEntry struct {
	// Name selects the registered provider (e.g. "serial", "subprocess").
	Name string `yaml:"name"`

	// BaseURL is the endpoint for network providers.
	BaseURL string `yaml:"base_url"`

	Options map[string]any `yaml:"options"`
}

// SensorConfig configures the sensor driver and the sampler.
type SensorConfig struct {
	Provider         ProviderEntry `yaml:"provider"`
	SampleIntervalMs int           `yaml:"sample_interval_ms"`
	ReadyTimeoutMs   int           `yaml:"ready_timeout_ms"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls re-creating the driver after its stream drops.
// When disabled, a dropped stream stops the service.
type ReconnectConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxRetries   int  `yaml:"max_retries"`
	BackoffMs    int  `yaml:"backoff_ms"`
	MaxBackoffMs int  `yaml:"max_backoff_ms"`
}

// CalibrationConfig configures the resting baseline.
type CalibrationConfig struct {
	Samples   int `yaml:"samples"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// WeightsConfig weights the three channels of the activity score.
type WeightsConfig struct {
	Pressure float64 `yaml:"pressure"`
	Accel    float64 `yaml:"accel"`
	Gyro     float64 `yaml:"gyro"`
}

// ActivityConfig tunes scoring and block extraction.
type ActivityConfig struct {
	Weights        WeightsConfig `yaml:"weights"`
	Epsilon        float64       `yaml:"epsilon"`
	PressurePolicy string        `yaml:"pressure_policy"`

	// SmoothingAlpha enables EWMA smoothing of the score; 0 disables it.
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`

	High      float64 `yaml:"high"`
	Low       float64 `yaml:"low"`
	MinFrames int     `yaml:"min_frames"`
	PadFrames int     `yaml:"pad_frames"`
	GapMerge  int     `yaml:"gap_merge"`
}

// AutoIdleConfig tunes the idle short-circuit.
type AutoIdleConfig struct {
	Enabled         bool    `yaml:"enabled"`
	PressureStd     float64 `yaml:"pressure_std"`
	AccelStd        float64 `yaml:"accel_std"`
	GyroStd         float64 `yaml:"gyro_std"`
	PressureMeanAbs float64 `yaml:"pressure_mean_abs"`
}

// BreakerConfig configures the circuit breaker in front of each classifier.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`
}

// ClassifierConfig selects the classifier chain.
type ClassifierConfig struct {
	Primary      ProviderEntry   `yaml:"primary"`
	Fallbacks    []ProviderEntry `yaml:"fallbacks"`
	TimeoutMs    int             `yaml:"timeout_ms"`
	IdleLabel    string          `yaml:"idle_label"`
	UnknownLabel string          `yaml:"unknown_label"`
	Breaker      BreakerConfig   `yaml:"breaker"`
}

// ArchiveConfig enables turn archiving. Both sinks may be active.
type ArchiveConfig struct {
	CSVDir      string `yaml:"csv_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// FeedbackPath enables POST /v1/turns/{id}/feedback; label corrections
	// are appended to this JSON lines file.
	FeedbackPath string `yaml:"feedback_path"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	act := activity.DefaultConfig()
	idle := act.Idle
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8088",
			LogLevel:     LogInfo,
			ConfigPollMs: 5000,
		},
		Sensor: SensorConfig{
			SampleIntervalMs: int(sampler.DefaultInterval / time.Millisecond),
			ReadyTimeoutMs:   int(sampler.DefaultReadyTimeout / time.Millisecond),
			Reconnect: ReconnectConfig{
				Enabled:      true,
				MaxRetries:   10,
				BackoffMs:    1000,
				MaxBackoffMs: 30000,
			},
		},
		Calibration: CalibrationConfig{
			Samples:   calibrate.DefaultSamples,
			TimeoutMs: int(calibrate.DefaultTimeout / time.Millisecond),
		},
		Activity: ActivityConfig{
			Weights: WeightsConfig{
				Pressure: act.Score.Weights.Pressure,
				Accel:    act.Score.Weights.Accel,
				Gyro:     act.Score.Weights.Gyro,
			},
			Epsilon:        act.Score.Epsilon,
			PressurePolicy: string(act.Score.PressurePolicy),
			SmoothingAlpha: act.Score.SmoothingAlpha,
			High:           act.Blocks.High,
			Low:            act.Blocks.Low,
			MinFrames:      act.Blocks.MinFrames,
			PadFrames:      act.Blocks.PadFrames,
			GapMerge:       act.Blocks.GapMerge,
		},
		AutoIdle: AutoIdleConfig{
			Enabled:         idle.Enabled,
			PressureStd:     idle.PressureStd,
			AccelStd:        idle.AccelStd,
			GyroStd:         idle.GyroStd,
			PressureMeanAbs: idle.PressureMeanAbs,
		},
		Classifier: ClassifierConfig{
			TimeoutMs:    int(dispatch.DefaultTimeout / time.Millisecond),
			IdleLabel:    dispatch.DefaultIdleLabel,
			UnknownLabel: dispatch.DefaultUnknownLabel,
			Breaker: BreakerConfig{
				MaxFailures:    3,
				ResetTimeoutMs: 30000,
			},
		},
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// SamplerConfig converts the sensor section.
func (c *Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Interval:     ms(c.Sensor.SampleIntervalMs),
		ReadyTimeout: ms(c.Sensor.ReadyTimeoutMs),
	}
}

// CalibrateConfig converts the calibration section. The polling interval
// follows the sampler.
func (c *Config) CalibrateConfig() calibrate.Config {
	return calibrate.Config{
		Samples:  c.Calibration.Samples,
		Interval: ms(c.Sensor.SampleIntervalMs),
		Timeout:  ms(c.Calibration.TimeoutMs),
	}
}

// ActivityTuning converts the activity and auto_idle sections.
func (c *Config) ActivityTuning() activity.Config {
	a, idle := c.Activity, c.AutoIdle
	return activity.Config{
		Score: activity.ScoreConfig{
			Weights:        activity.Weights{Pressure: a.Weights.Pressure, Accel: a.Weights.Accel, Gyro: a.Weights.Gyro},
			Epsilon:        a.Epsilon,
			PressurePolicy: activity.PressurePolicy(a.PressurePolicy),
			SmoothingAlpha: a.SmoothingAlpha,
		},
		Blocks: activity.BlockConfig{
			High:      a.High,
			Low:       a.Low,
			MinFrames: a.MinFrames,
			PadFrames: a.PadFrames,
			GapMerge:  a.GapMerge,
		},
		Idle: activity.IdleConfig{
			Enabled:         idle.Enabled,
			PressureStd:     idle.PressureStd,
			AccelStd:        idle.AccelStd,
			GyroStd:         idle.GyroStd,
			PressureMeanAbs: idle.PressureMeanAbs,
		},
	}
}

// DispatchConfig converts the classifier section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Timeout:        c.ClassifierTimeout(),
		SampleInterval: ms(c.Sensor.SampleIntervalMs),
		IdleLabel:      c.Classifier.IdleLabel,
		UnknownLabel:   c.Classifier.UnknownLabel,
	}
}

// ClassifierTimeout is the bound on one classifier exchange.
func (c *Config) ClassifierTimeout() time.Duration {
	return ms(c.Classifier.TimeoutMs)
}

// FallbackConfig converts the breaker settings.
func (c *Config) FallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  c.Classifier.Breaker.MaxFailures,
			ResetTimeout: ms(c.Classifier.Breaker.ResetTimeoutMs),
		},
	}
}

// ReconnectConfig converts the sensor.reconnect section.
func (c *Config) ReconnectConfig() reconnect.Config {
	r := c.Sensor.Reconnect
	return reconnect.Config{
		Name:       c.Sensor.Provider.Name,
		MaxRetries: r.MaxRetries,
		Backoff:    ms(r.BackoffMs),
		MaxBackoff: ms(r.MaxBackoffMs),
	}
}

// PollInterval is the hot-reload polling period.
func (c *Config) PollInterval() time.Duration {
	return ms(c.Server.ConfigPollMs)
}
