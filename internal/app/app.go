// Package app wires all PillowMate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the sampling loop and the control API, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pillowmate/internal/action"
	"github.com/MrWong99/pillowmate/internal/archive"
	"github.com/MrWong99/pillowmate/internal/config"
	"github.com/MrWong99/pillowmate/internal/dispatch"
	"github.com/MrWong99/pillowmate/internal/feedback"
	"github.com/MrWong99/pillowmate/internal/health"
	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/internal/resilience"
	"github.com/MrWong99/pillowmate/internal/sampler"
	"github.com/MrWong99/pillowmate/internal/server"
	"github.com/MrWong99/pillowmate/internal/turn"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// httpShutdownTimeout bounds the graceful stop of the control API.
const httpShutdownTimeout = 5 * time.Second

// NamedClassifier pairs a classifier with the name used in logs, metrics
// and breaker state.
type NamedClassifier struct {
	Name       string
	Classifier classifier.Classifier
}

// Providers holds the instantiated provider slots. Populated by main.go via
// the config registry.
type Providers struct {
	Sensor sensor.Provider

	// Classifiers are tried in order. The first entry is the primary.
	Classifiers []NamedClassifier
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	archive        archive.Store
	pgStore        *archive.PostgresStore
	metrics        *observe.Metrics
	levelVar       *slog.LevelVar
	metricsHandler http.Handler
	configPath     string

	// Subsystems, initialised in New and torn down in Shutdown.
	classifier *resilience.ClassifierFallback
	sampler    *sampler.Sampler
	module     *action.Module
	handler    http.Handler
	httpSrv    *http.Server
	watcher    *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the log level of the running logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Calibration does not
// happen here; it starts with [App.Run] once the sensor stream is live.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Sensor == nil {
		return nil, errors.New("app: a sensor provider is required")
	}
	if len(providers.Classifiers) == 0 {
		return nil, errors.New("app: at least one classifier is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Classifier chain ──────────────────────────────────────────────
	a.initClassifiers()

	// ── 3. Sampler ───────────────────────────────────────────────────────
	a.sampler = sampler.New(providers.Sensor, cfg.SamplerConfig(),
		sampler.WithMetrics(a.metrics),
		sampler.WithOnRecover(a.recalibrate),
	)
	a.closers = append(a.closers, providers.Sensor.Close)

	// ── 4. Action module ─────────────────────────────────────────────────
	modOpts := []action.Option{action.WithMetrics(a.metrics)}
	if a.archive != nil {
		modOpts = append(modOpts, action.WithArchive(a.archive))
	}
	mod, err := action.New(a.sampler, a.classifier, action.Config{
		Calibration: cfg.CalibrateConfig(),
		Activity:    cfg.ActivityTuning(),
		Dispatch:    cfg.DispatchConfig(),
	}, modOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: init action module: %w", err)
	}
	a.module = mod
	a.sampler.Subscribe(mod.OnTick)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithInterval(cfg.PollInterval()))
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive opens the configured sinks unless a store was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}

	var sinks archive.Multi
	if dir := a.cfg.Archive.CSVDir; dir != "" {
		s, err := archive.NewCSVStore(dir)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
		slog.Info("archiving turns as CSV", "dir", dir)
	}
	if dsn := a.cfg.Archive.PostgresDSN; dsn != "" {
		s, err := archive.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.pgStore = s
		sinks = append(sinks, s)
		slog.Info("archiving turns to postgres")
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		a.archive = sinks[0]
	default:
		a.archive = sinks
	}
	a.closers = append(a.closers, a.archive.Close)
	return nil
}

// initClassifiers wraps every classifier in metrics and a circuit breaker
// and chains them primary first.
func (a *App) initClassifiers() {
	first := a.providers.Classifiers[0]
	a.classifier = resilience.NewClassifierFallback(
		dispatch.Instrument(first.Name, first.Classifier, a.metrics),
		first.Name,
		a.cfg.FallbackConfig(),
	)
	for _, nc := range a.providers.Classifiers[1:] {
		a.classifier.AddFallback(nc.Name, dispatch.Instrument(nc.Name, nc.Classifier, a.metrics))
	}
	a.closers = append(a.closers, a.classifier.Close)
	slog.Info("classifier chain ready", "primary", first.Name, "fallbacks", len(a.providers.Classifiers)-1)
}

// initHTTP builds the mux. The listener is only created when a listen
// address is configured.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	var srvOpts []server.Option
	if path := a.cfg.Archive.FeedbackPath; path != "" {
		srvOpts = append(srvOpts, server.WithFeedback(feedback.NewFileStore(path)))
		slog.Info("accepting label feedback", "path", path)
	}
	server.New(a.module, srvOpts...).Register(mux)

	checks := []health.Checker{
		{Name: "sensor", Check: a.checkSensor},
		{Name: "calibration", Check: a.checkCalibration},
	}
	if a.pgStore != nil {
		checks = append(checks, health.Checker{Name: "archive", Check: a.pgStore.Ping})
	}
	health.New(checks...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.handler = observe.Middleware(a.metrics, "/healthz", "/readyz", "/metrics")(mux)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.httpSrv = &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

func (a *App) checkSensor(context.Context) error {
	if !a.sampler.Ready() {
		return errors.New("no complete reading yet")
	}
	if a.sampler.Stale() {
		return errors.New("sensor stream stale")
	}
	return nil
}

func (a *App) checkCalibration(context.Context) error {
	if !a.module.Ready() {
		return errors.New("not calibrated")
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the control API, health probes
// and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Module returns the action module.
func (a *App) Module() *action.Module { return a.module }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts sampling, calibrates, serves the control API and watches the
// config file. It blocks until ctx is cancelled or a subsystem fails. When
// ctx is done, Run waits for in-flight classifications and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sampler.Run(gctx) })

	g.Go(func() error {
		if err := a.module.EnsureReady(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: %w", err)
		}
		b, _ := a.module.Baseline()
		slog.Info("action module ready", "baseline_pressure", b.PressureMean)
		return nil
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "sensor_interval", a.sampler.Interval())
	err := g.Wait()
	a.module.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// recalibrate refreshes the baseline after the sensor stream comes back. A
// turn in progress keeps the old baseline.
func (a *App) recalibrate(ctx context.Context) {
	if !a.module.Ready() {
		return
	}
	err := a.module.Recalibrate(ctx)
	switch {
	case err == nil:
		b, _ := a.module.Baseline()
		slog.Info("recalibrated after sensor recovery", "baseline_pressure", b.PressureMean)
	case errors.Is(err, turn.ErrInvalidTransition):
		slog.Info("recalibration skipped, turn in progress")
	case errors.Is(err, action.ErrNotReady), ctx.Err() != nil:
	default:
		slog.Warn("recalibration failed, keeping previous baseline", "err", err)
	}
}

// applyConfig applies the live part of a reloaded config.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.TuningChanged || d.ClassifierTimeoutChanged {
		if err := a.module.UpdateTuning(next.ActivityTuning(), next.ClassifierTimeout()); err != nil {
			slog.Warn("rejected reloaded tuning", "err", err)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
