// Command pillowmate is the main entry point for the PillowMate action service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/pillowmate/internal/app"
	"github.com/MrWong99/pillowmate/internal/config"
	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier/httpclf"
	clfmock "github.com/MrWong99/pillowmate/pkg/provider/classifier/mock"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier/subprocess"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	sensormock "github.com/MrWong99/pillowmate/pkg/provider/sensor/mock"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/mqtt"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/periph"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/reconnect"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/serial"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor/wsbridge"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pillowmate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pillowmate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("pillowmate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(&level),
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeProviders(providers)
		return 1
	}

	slog.Info("calibrating, keep the pillow still")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and reads its settings from
// BaseURL and Options.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Sensors ───────────────────────────────────────────────────────────────

	reg.RegisterSensor("serial", func(entry config.ProviderEntry) (sensor.Provider, error) {
		p, err := serial.New(serial.Config{
			Port:     optString(entry.Options, "port"),
			BaudRate: uint(optInt(entry.Options, "baud_rate")),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSensor("mqtt", func(entry config.ProviderEntry) (sensor.Provider, error) {
		p, err := mqtt.New(mqtt.Config{
			Broker:         entry.BaseURL,
			ClientID:       optString(entry.Options, "client_id"),
			Username:       optString(entry.Options, "username"),
			Password:       optString(entry.Options, "password"),
			Topics:         optStrings(entry.Options, "topics"),
			QoS:            byte(optInt(entry.Options, "qos")),
			ConnectTimeout: time.Duration(optInt(entry.Options, "connect_timeout_ms")) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSensor("websocket", func(entry config.ProviderEntry) (sensor.Provider, error) {
		var opts []wsbridge.Option
		for k, v := range optStringMap(entry.Options, "headers") {
			opts = append(opts, wsbridge.WithHeader(k, v))
		}
		p, err := wsbridge.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSensor("periph", func(entry config.ProviderEntry) (sensor.Provider, error) {
		return periph.New(periph.Config{
			IMUDevice:     optString(entry.Options, "imu_device"),
			IMUCSPin:      optString(entry.Options, "imu_cs_pin"),
			BaroDevice:    optString(entry.Options, "baro_device"),
			Interval:      time.Duration(optInt(entry.Options, "interval_ms")) * time.Millisecond,
			AccelLSBPerG:  optFloat(entry.Options, "accel_lsb_per_g"),
			GyroLSBPerDPS: optFloat(entry.Options, "gyro_lsb_per_dps"),
		}), nil
	})

	// mock holds a resting pillow: constant pressure and gravity on Z.
	reg.RegisterSensor("mock", func(entry config.ProviderEntry) (sensor.Provider, error) {
		pressure := optFloat(entry.Options, "pressure")
		if pressure == 0 {
			pressure = 1013.25
		}
		return &sensormock.Provider{Script: []sensor.Update{
			sensor.PressureUpdate(pressure),
			sensor.MotionUpdate(types.Motion{Accel: types.Vec3{Z: 1}}),
		}}, nil
	})

	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("subprocess", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		c, err := subprocess.New(subprocess.Config{
			Command: optString(entry.Options, "command"),
			Args:    optStrings(entry.Options, "args"),
			Dir:     optString(entry.Options, "dir"),
			Env:     optStrings(entry.Options, "env"),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	reg.RegisterClassifier("http", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		var opts []httpclf.Option
		for k, v := range optStringMap(entry.Options, "headers") {
			opts = append(opts, httpclf.WithHeader(k, v))
		}
		c, err := httpclf.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// mock answers every turn with a fixed label, for dry runs without a model.
	reg.RegisterClassifier("mock", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		label := optString(entry.Options, "label")
		if label == "" {
			label = "hug"
		}
		p := optFloat(entry.Options, "probability")
		if p == 0 {
			p = 1
		}
		return &clfmock.Classifier{Result: types.ClassificationResult{Label: label, Probability: p}}, nil
	})
}

// buildProviders instantiates the configured sensor and classifier chain.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	entry := cfg.Sensor.Provider
	s, err := reg.CreateSensor(entry)
	if err != nil {
		return nil, fmt.Errorf("create sensor provider %q: %w", entry.Name, err)
	}
	ps.Sensor = s
	if cfg.Sensor.Reconnect.Enabled {
		// The driver built above serves the first connection; every
		// reconnect gets a fresh one.
		first := s
		ps.Sensor = reconnect.New(func() (sensor.Provider, error) {
			if first != nil {
				d := first
				first = nil
				return d, nil
			}
			return reg.CreateSensor(entry)
		}, cfg.ReconnectConfig())
	}
	slog.Info("provider created", "kind", "sensor", "name", entry.Name, "reconnect", cfg.Sensor.Reconnect.Enabled)

	entries := append([]config.ProviderEntry{cfg.Classifier.Primary}, cfg.Classifier.Fallbacks...)
	for i, entry := range entries {
		c, err := reg.CreateClassifier(entry)
		if err != nil {
			closeProviders(ps)
			return nil, fmt.Errorf("create classifier %q: %w", entry.Name, err)
		}
		// Two fallbacks may share a provider type; keep metric labels distinct.
		name := entry.Name
		if i > 0 {
			name = fmt.Sprintf("%s#%d", entry.Name, i)
		}
		ps.Classifiers = append(ps.Classifiers, app.NamedClassifier{Name: name, Classifier: c})
		slog.Info("provider created", "kind", "classifier", "name", name, "primary", i == 0)
	}

	return ps, nil
}

// closeProviders releases providers that never made it into an App.
func closeProviders(ps *app.Providers) {
	if ps.Sensor != nil {
		_ = ps.Sensor.Close()
	}
	for _, c := range ps.Classifiers {
		_ = c.Classifier.Close()
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         PillowMate startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Sensor", cfg.Sensor.Provider.Name)
	printRow("Classifier", cfg.Classifier.Primary.Name)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Classifier.Fallbacks)))
	printRow("Sample every", fmt.Sprintf("%d ms", cfg.Sensor.SampleIntervalMs))
	printRow("Calibration", fmt.Sprintf("%d samples", cfg.Calibration.Samples))
	archive := "(disabled)"
	switch {
	case cfg.Archive.CSVDir != "" && cfg.Archive.PostgresDSN != "":
		archive = "csv + postgres"
	case cfg.Archive.CSVDir != "":
		archive = "csv"
	case cfg.Archive.PostgresDSN != "":
		archive = "postgres"
	}
	printRow("Archive", archive)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts any YAML number. Returns 0 when absent.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optFloat accepts any YAML number. Returns 0 when absent.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// optStrings extracts a YAML sequence of strings. Non-string items are
// skipped.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optStringMap extracts a YAML mapping of string values, e.g. headers.
func optStringMap(opts map[string]any, key string) map[string]string {
	m, _ := opts[key].(map[string]any)
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
