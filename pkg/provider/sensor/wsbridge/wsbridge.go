// Package wsbridge reads sensor updates from a websocket endpoint, typically
// a Wi-Fi board that serves its readings instead of printing them on a
// serial line.
//
// Every text message is one [sensor.Message] (or a bare pressure number).
// Binary messages are ignored.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// defaultReadLimit bounds a single message. Sensor messages are tiny.
const defaultReadLimit = 4096

// Option configures a [Provider].
type Option func(*Provider)

// WithHeader adds a header to the websocket handshake, e.g. for a bearer
// token.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.header.Add(key, value) }
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements sensor.Provider over a websocket connection.
type Provider struct {
	url        string
	header     http.Header
	httpClient *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
}

var _ sensor.Provider = (*Provider)(nil)

// New creates a provider for the ws:// or wss:// endpoint rawURL.
func New(rawURL string, opts ...Option) (*Provider, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsbridge: unsupported scheme %q", u.Scheme)
	}
	p := &Provider{url: rawURL, header: http.Header{}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Stream dials the endpoint and forwards every decodable message.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("wsbridge: provider closed")
	}
	if p.started {
		return nil, errors.New("wsbridge: stream already started")
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPHeader: p.header,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)
	p.conn, p.started = conn, true
	slog.Info("websocket sensor bridge connected", "url", p.url)

	out := make(chan sensor.Update, 16)
	go p.readLoop(ctx, conn, out)
	return out, nil
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- sensor.Update) {
	defer close(out)
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("websocket sensor bridge read failed", "err", err)
			}
			p.closeNow()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		u, err := sensor.DecodeMessage(msg)
		if err != nil {
			slog.Debug("wsbridge: dropping message", "err", err)
			continue
		}
		select {
		case out <- u:
		case <-ctx.Done():
			p.closeNow()
			return
		}
	}
}

// Close closes the connection with a normal closure handshake. It is safe
// to call more than once and always returns nil.
func (p *Provider) Close() error {
	conn := p.markClosed()
	if conn == nil {
		return nil
	}
	// The close handshake fails when the peer is already gone, which is the
	// normal way for this stream to end.
	if err := conn.Close(websocket.StatusNormalClosure, "closing"); err != nil {
		slog.Debug("wsbridge: close", "err", err)
	}
	return nil
}

// closeNow drops the connection without a handshake. The read loop uses it
// so that a cancelled stream closes its channel at once even when the peer
// is not reading.
func (p *Provider) closeNow() {
	if conn := p.markClosed(); conn != nil {
		_ = conn.CloseNow()
	}
}

// markClosed flips the provider to closed and returns the connection the
// caller now owns, or nil if it was already closed.
func (p *Provider) markClosed() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn
}
