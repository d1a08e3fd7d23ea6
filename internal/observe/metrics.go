// Package observe provides application-wide observability primitives for
// PillowMate: OpenTelemetry metrics, tracing, context-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// meterName is the instrumentation scope name used for all PillowMate metrics.
const meterName = "github.com/MrWong99/pillowmate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn lifecycle ---

	// TurnDuration tracks how long turns stay in the capturing state.
	TurnDuration metric.Float64Histogram

	// TurnFrames tracks how many frames each turn captured.
	TurnFrames metric.Int64Histogram

	// ActiveTurns is 1 while a turn is capturing and 0 otherwise.
	ActiveTurns metric.Int64UpDownCounter

	// Results counts classification results. Use with attributes:
	//   attribute.String("label", ...), attribute.String("reason", ...)
	Results metric.Int64Counter

	// --- Classifier ---

	// ClassifierDuration tracks the latency of one classifier exchange.
	ClassifierDuration metric.Float64Histogram

	// ClassifierRequests counts classifier calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ClassifierRequests metric.Int64Counter

	// --- Sampling ---

	// SamplerTicks counts sampler ticks that delivered a complete reading.
	SamplerTicks metric.Int64Counter

	// SamplerStale counts transitions into the stale state (no sensor updates
	// for longer than the ready timeout).
	SamplerStale metric.Int64Counter

	// CalibrationDuration tracks how long baseline calibration took.
	CalibrationDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// classifier exchanges, which range from tens of milliseconds for an
// in-process model to the full timeout for a cold Python interpreter.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15,
}

// turnBuckets covers interaction lengths from a quick tap to a long hug.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("pillowmate.turn.duration",
		metric.WithDescription("Time spent capturing a turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnFrames, err = m.Int64Histogram("pillowmate.turn.frames",
		metric.WithDescription("Number of sensor frames captured per turn."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("pillowmate.active_turns",
		metric.WithDescription("Number of turns currently capturing."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("pillowmate.results",
		metric.WithDescription("Classification results by label and pipeline reason."),
	); err != nil {
		return nil, err
	}

	if met.ClassifierDuration, err = m.Float64Histogram("pillowmate.classifier.duration",
		metric.WithDescription("Latency of one classifier request/response exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierRequests, err = m.Int64Counter("pillowmate.classifier.requests",
		metric.WithDescription("Classifier requests by provider and status."),
	); err != nil {
		return nil, err
	}

	if met.SamplerTicks, err = m.Int64Counter("pillowmate.sampler.ticks",
		metric.WithDescription("Sampler ticks that delivered a complete reading."),
	); err != nil {
		return nil, err
	}
	if met.SamplerStale, err = m.Int64Counter("pillowmate.sampler.stale",
		metric.WithDescription("Times the sensor stream went stale."),
	); err != nil {
		return nil, err
	}
	if met.CalibrationDuration, err = m.Float64Histogram("pillowmate.calibration.duration",
		metric.WithDescription("Time taken to compute the resting baseline."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("pillowmate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordClassifierRequest records one classifier call with its outcome.
func (m *Metrics) RecordClassifierRequest(ctx context.Context, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ClassifierRequests.Add(ctx, 1, attrs)
	m.ClassifierDuration.Record(ctx, seconds, attrs)
}

// RecordResult records the final answer of a turn.
func (m *Metrics) RecordResult(ctx context.Context, res types.ClassificationResult) {
	m.Results.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("label", res.Label),
			attribute.String("reason", string(res.Reason)),
		),
	)
}

// RecordTurn records the size and length of a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, frames int, seconds float64) {
	m.TurnFrames.Record(ctx, int64(frames))
	m.TurnDuration.Record(ctx, seconds)
}
