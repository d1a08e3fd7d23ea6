package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// ClassifierFallback implements classifier.Classifier on top of a
// [FallbackGroup]. A primary subprocess model can thus fail over to a warm
// HTTP model server, and a model that keeps crashing stops being spawned for
// every turn until its breaker resets.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Classifier]
}

var _ classifier.Classifier = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a fallback with primary as the preferred
// classifier.
func NewClassifierFallback(primary classifier.Classifier, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another classifier.
func (f *ClassifierFallback) AddFallback(name string, c classifier.Classifier) {
	f.group.AddFallback(name, c)
}

// Classify asks each healthy classifier in turn.
func (f *ClassifierFallback) Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, c classifier.Classifier) (types.ClassificationResult, error) {
		return c.Classify(ctx, req)
	})
}

// Close closes every classifier and joins their errors.
func (f *ClassifierFallback) Close() error {
	var errs []error
	f.group.Each(func(_ string, c classifier.Classifier) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// States returns the breaker state of every classifier, keyed by name.
func (f *ClassifierFallback) States() map[string]State {
	return f.group.States()
}
