// Package mock provides a test double for the classifier.Classifier
// interface.
//
// Set Result/Err to control responses, or ClassifyFunc for full control.
// Every call is recorded in Calls for later assertion.
//
// Example:
//
//	c := &mock.Classifier{Result: types.ClassificationResult{Label: "hug", Probability: 0.9}}
//	res, err := c.Classify(ctx, req)
//	// c.Calls[0].Request == req
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// ClassifyCall records the arguments of a single Classify invocation.
type ClassifyCall struct {
	Request types.ClassificationRequest
}

// Classifier is a mock implementation of classifier.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Result is returned by Classify when ClassifyFunc is nil and Err is nil.
	Result types.ClassificationResult

	// Err, if non-nil, is returned by Classify.
	Err error

	// Delay makes Classify wait before answering. A cancelled context ends
	// the wait early and returns ctx.Err().
	Delay time.Duration

	// ClassifyFunc, if set, overrides Result, Err and Delay.
	ClassifyFunc func(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error)

	// CloseErr is returned by Close.
	CloseErr error

	// Calls records every Classify invocation in order.
	Calls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, ClassifyCall{Request: req})
	fn, res, err, delay := c.ClassifyFunc, c.Result, c.Err, c.Delay
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return types.ClassificationResult{}, ctx.Err()
		}
	}
	if err != nil {
		return types.ClassificationResult{}, err
	}
	return res, nil
}

// Close implements classifier.Classifier.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// CallCount returns the number of Classify calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Reset clears all recorded calls.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
	c.CloseCallCount = 0
}

var _ classifier.Classifier = (*Classifier)(nil)
