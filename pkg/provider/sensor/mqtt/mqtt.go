// Package mqtt subscribes to sensor topics on an MQTT broker.
//
// Each topic carries [sensor.Message] JSON or a bare pressure number, so a
// board may publish both channels on one topic or split them, e.g.
// pillowmate/sensor/pressure and pillowmate/sensor/imu.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

const (
	defaultClientID       = "pillowmate"
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// DefaultTopics are subscribed when Config.Topics is empty.
var DefaultTopics = []string{"pillowmate/sensor/pressure", "pillowmate/sensor/imu"}

// Config selects the broker and topics.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string

	ClientID string
	Username string
	Password string

	Topics []string
	QoS    byte

	// ConnectTimeout bounds the initial connect and subscribe. Default 10s.
	ConnectTimeout time.Duration
}

// Provider implements sensor.Provider on top of a paho client.
type Provider struct {
	cfg       Config
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	mu      sync.Mutex
	client  pahomqtt.Client
	out     chan sensor.Update
	started bool
	closed  bool
}

var _ sensor.Provider = (*Provider)(nil)

// New validates cfg. The broker connection is opened by Stream.
func New(cfg Config) (*Provider, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker must not be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Provider{cfg: cfg, newClient: pahomqtt.NewClient}, nil
}

func (p *Provider) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", p.cfg.Broker, "err", err)
		}).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			// Subscriptions do not survive a clean-session reconnect.
			if err := p.subscribe(c); err != nil {
				slog.Error("mqtt resubscribe failed", "err", err)
			}
		})
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	return opts
}

// Stream connects to the broker and subscribes to the configured topics.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("mqtt: provider closed")
	}
	if p.started {
		p.mu.Unlock()
		return nil, errors.New("mqtt: stream already started")
	}
	p.started = true
	p.out = make(chan sensor.Update, 64)
	client := p.newClient(p.clientOptions())
	p.client = client
	out := p.out
	p.mu.Unlock()

	tok := client.Connect()
	if !tok.WaitTimeout(p.cfg.ConnectTimeout) {
		_ = p.Close()
		return nil, fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, sensor.ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)
	}
	slog.Info("mqtt connected", "broker", p.cfg.Broker, "topics", p.cfg.Topics)

	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()
	return out, nil
}

func (p *Provider) subscribe(c pahomqtt.Client) error {
	filters := make(map[string]byte, len(p.cfg.Topics))
	for _, t := range p.cfg.Topics {
		filters[t] = p.cfg.QoS
	}
	tok := c.SubscribeMultiple(filters, p.handle)
	if !tok.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe: %w", sensor.ErrTimeout)
	}
	return tok.Error()
}

// handle runs on the paho router goroutine.
func (p *Provider) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	u, err := sensor.DecodeMessage(msg.Payload())
	if err != nil {
		slog.Debug("mqtt: dropping message", "topic", msg.Topic(), "err", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.out == nil {
		return
	}
	select {
	case p.out <- u:
	default:
		// The sampler only needs the latest value per channel.
		slog.Debug("mqtt: update buffer full, dropping", "topic", msg.Topic())
	}
}

// Close disconnects from the broker and ends the stream. It is safe to call
// more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	client, out := p.client, p.out
	if out != nil {
		close(out)
	}
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}
