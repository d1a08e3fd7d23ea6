package main

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/pillowmate/internal/config"
)

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"port":    "/dev/ttyACM0",
		"baud":    115200,
		"ratio":   0.5,
		"whole":   2.0,
		"topics":  []any{"a", 3, "b"},
		"headers": map[string]any{"Authorization": "Bearer x", "X-Retry": 3},
	}

	if got := optString(opts, "port"); got != "/dev/ttyACM0" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(opts, "baud"); got != "" {
		t.Errorf("optString on int = %q, want empty", got)
	}
	if got := optString(nil, "port"); got != "" {
		t.Errorf("optString on nil map = %q, want empty", got)
	}
	if got := optInt(opts, "baud"); got != 115200 {
		t.Errorf("optInt = %d", got)
	}
	if got := optInt(opts, "whole"); got != 2 {
		t.Errorf("optInt on float = %d, want 2", got)
	}
	if got := optFloat(opts, "ratio"); got != 0.5 {
		t.Errorf("optFloat = %v", got)
	}
	if got := optFloat(opts, "baud"); got != 115200 {
		t.Errorf("optFloat on int = %v", got)
	}
	if got := optStrings(opts, "topics"); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("optStrings = %v", got)
	}
	headers := optStringMap(opts, "headers")
	if len(headers) != 1 || headers["Authorization"] != "Bearer x" {
		t.Errorf("optStringMap = %v", headers)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Sensor.Provider = config.ProviderEntry{Name: "mock"}
	cfg.Classifier.Primary = config.ProviderEntry{Name: "mock", Options: map[string]any{"label": "tap"}}
	cfg.Classifier.Fallbacks = []config.ProviderEntry{{Name: "mock"}, {Name: "mock"}}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders() returned error: %v", err)
	}
	defer closeProviders(ps)

	if ps.Sensor == nil {
		t.Fatal("sensor provider is nil")
	}
	var names []string
	for _, c := range ps.Classifiers {
		names = append(names, c.Name)
	}
	if want := []string{"mock", "mock#1", "mock#2"}; !slices.Equal(names, want) {
		t.Errorf("classifier names = %v, want %v", names, want)
	}
}

func TestBuildProviders_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Sensor.Provider = config.ProviderEntry{Name: "serial"}
	cfg.Classifier.Primary = config.ProviderEntry{Name: "mock"}

	if _, err := buildProviders(cfg, reg); err == nil {
		t.Fatal("expected error for serial sensor without a port")
	}

	cfg.Sensor.Provider = config.ProviderEntry{Name: "nope"}
	_, err := buildProviders(cfg, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
