// Package httpclf implements classifier.Classifier over HTTP.
//
// The request JSON is POSTed to a model server; a 2xx response body must hold
// exactly one response object. This lets the sequence model run as a warm
// service instead of paying interpreter start-up on every turn.
package httpclf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/MrWong99/pillowmate/pkg/provider/classifier"
	"github.com/MrWong99/pillowmate/pkg/types"
)

const providerName = "http"

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Option configures a [Classifier].
type Option func(*Classifier)

// WithHTTPClient overrides the HTTP client. Default: a client without a
// global timeout; the request context bounds each call.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Classifier) { cl.client = c }
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(cl *Classifier) { cl.header.Set(key, value) }
}

// Classifier posts requests to a single endpoint.
type Classifier struct {
	endpoint string
	client   *http.Client
	header   http.Header
	closed   atomic.Bool
}

// New returns a classifier for endpoint, which must be an absolute http(s)
// URL.
func New(endpoint string, opts ...Option) (*Classifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("httpclf: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("httpclf: endpoint %q must be an absolute http(s) URL", endpoint)
	}
	c := &Classifier{
		endpoint: u.String(),
		client:   &http.Client{},
		header:   make(http.Header),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, req types.ClassificationRequest) (types.ClassificationResult, error) {
	if c.closed.Load() {
		return types.ClassificationResult{}, classifier.ErrClosed
	}
	if err := classifier.ValidateRequest(req); err != nil {
		return types.ClassificationResult{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return types.ClassificationResult{}, fmt.Errorf("httpclf: encode request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.ClassificationResult{}, fmt.Errorf("httpclf: build request: %w", err)
	}
	for k, v := range c.header {
		hreq.Header[k] = v
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(hreq)
	if err != nil {
		return types.ClassificationResult{}, &classifier.ProtocolError{Provider: providerName, ExitCode: -1, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	perr := &classifier.ProtocolError{
		Provider:   providerName,
		ExitCode:   -1,
		StatusCode: resp.StatusCode,
		Output:     body,
	}
	if err != nil {
		perr.Err = fmt.Errorf("read body: %w", err)
		return types.ClassificationResult{}, perr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr.Err = errors.New(http.StatusText(resp.StatusCode))
		return types.ClassificationResult{}, perr
	}
	res, err := classifier.DecodeResponse(body)
	if err != nil {
		perr.Err = err
		return types.ClassificationResult{}, perr
	}
	return res, nil
}

// Close closes idle connections of the underlying client.
func (c *Classifier) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.client.CloseIdleConnections()
	}
	return nil
}

var _ classifier.Classifier = (*Classifier)(nil)
