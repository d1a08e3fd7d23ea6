package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pillowmate/internal/observe"
	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// instrumented records request count and latency per classifier.
type instrumented struct {
	name    string
	inner   classifier.Classifier
	metrics *observe.Metrics
}

// Instrument wraps c so that every call is recorded in
// pillowmate.classifier.requests and pillowmate.classifier.duration under the
// provider name.
func Instrument(name string, c classifier.Classifier, m *observe.Metrics) classifier.Classifier {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &instrumented{name: name, inner: c, metrics: m}
}

func (i *instrumented) Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error) {
	start := time.Now()
	res, err := i.inner.Classify(ctx, req)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "error"
	}
	i.metrics.RecordClassifierRequest(ctx, i.name, status, time.Since(start).Seconds())
	return res, err
}

func (i *instrumented) Close() error { return i.inner.Close() }
