// Package classifier defines the Classifier interface for turn action
// classifiers.
//
// A classifier receives one [types.ClassificationRequest], a contiguous block
// of 7-column feature rows, and answers with a label and a confidence. The
// reference model is a Python sequence network run as a short-lived
// subprocess, but any transport that honours the same JSON contract can be
// plugged in.
//
// Wire contract (both directions are single JSON objects):
//
//	request:  {"label":"unknown","sample_ms":20,"feature_names":[...7],"features":[[...7],...]}
//	response: {"label":"hug","probability":0.93,"probabilities":{"hug":0.93,...}}
//
// "probabilities" is optional. Anything else on the response stream is a
// protocol error.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// ErrClosed is returned by Classify after Close.
var ErrClosed = errors.New("classifier: closed")

// Classifier is the abstraction over external action classifiers.
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify sends req and blocks until a response has been parsed, ctx is
	// done, or the exchange fails. Failures caused by the remote side are
	// reported as *[ProtocolError].
	Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error)

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// ProtocolError reports a misbehaving classifier: it could not be started,
// exited non-zero, timed out, or produced output that does not follow the
// wire contract.
type ProtocolError struct {
	// Provider names the transport, e.g. "subprocess".
	Provider string

	// ExitCode is the subprocess exit code, or -1 when not applicable.
	ExitCode int

	// StatusCode is the HTTP status, or 0 when not applicable.
	StatusCode int

	// Output is the raw response body or stdout.
	Output []byte

	// Stderr is the tail of the subprocess stderr.
	Stderr string

	Err error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("classifier %s: protocol error", e.Provider)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// response mirrors the wire shape. Probability is a pointer so that a missing
// field is distinguishable from 0.
type response struct {
	Label         string             `json:"label"`
	Probability   *float64           `json:"probability"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// DecodeResponse parses exactly one JSON response object from data.
// Surrounding whitespace is allowed; anything else is an error.
func DecodeResponse(data []byte) (types.ClassificationResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var r response
	if err := dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return types.ClassificationResult{}, errors.New("empty response")
		}
		return types.ClassificationResult{}, fmt.Errorf("decode response: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return types.ClassificationResult{}, errors.New("trailing data after response object")
	}

	if r.Label == "" {
		return types.ClassificationResult{}, errors.New("response has empty label")
	}
	if r.Probability == nil {
		return types.ClassificationResult{}, errors.New("response has no probability")
	}
	p := *r.Probability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return types.ClassificationResult{}, fmt.Errorf("probability %g outside [0,1]", p)
	}
	for label, lp := range r.Probabilities {
		if math.IsNaN(lp) || lp < 0 || lp > 1 {
			return types.ClassificationResult{}, fmt.Errorf("probability for %q is %g, outside [0,1]", label, lp)
		}
	}
	return types.ClassificationResult{
		Label:         r.Label,
		Probability:   p,
		Probabilities: r.Probabilities,
	}, nil
}

// ValidateRequest checks the fixed metadata of req.
func ValidateRequest(req types.ClassificationRequest) error {
	if len(req.FeatureNames) != types.FeatureCount {
		return fmt.Errorf("classifier: request has %d feature names, want %d", len(req.FeatureNames), types.FeatureCount)
	}
	if len(req.Features) == 0 {
		return errors.New("classifier: request has no feature rows")
	}
	return nil
}
