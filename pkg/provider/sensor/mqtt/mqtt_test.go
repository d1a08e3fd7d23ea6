package mqtt

import (
	"testing"
	"time"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
)

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newStreaming(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatal(err)
	}
	p.out = make(chan sensor.Update, 2)
	p.started = true
	return p
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty broker")
	}
	if _, err := New(Config{Broker: "tcp://b:1883", QoS: 3}); err == nil {
		t.Error("expected error for qos 3")
	}

	p, err := New(Config{Broker: "tcp://b:1883"})
	if err != nil {
		t.Fatal(err)
	}
	if p.cfg.ClientID != defaultClientID || len(p.cfg.Topics) != 2 || p.cfg.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("defaults not applied: %+v", p.cfg)
	}
}

func TestClientOptions(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Broker: "tcp://b:1883", ClientID: "pillow-1", Username: "u", Password: "pw", ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	opts := p.clientOptions()
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "b:1883" {
		t.Errorf("servers = %v", opts.Servers)
	}
	if opts.ClientID != "pillow-1" || opts.Username != "u" || opts.Password != "pw" {
		t.Errorf("identity = %q %q %q", opts.ClientID, opts.Username, opts.Password)
	}
	if !opts.AutoReconnect {
		t.Error("auto reconnect disabled")
	}
}

func TestHandle(t *testing.T) {
	t.Parallel()
	p := newStreaming(t)

	p.handle(nil, fakeMessage{topic: "pillowmate/sensor/pressure", payload: []byte("512")})
	p.handle(nil, fakeMessage{topic: "pillowmate/sensor/imu", payload: []byte("not json")})
	p.handle(nil, fakeMessage{topic: "pillowmate/sensor/imu", payload: []byte(`{"accel":[0,0,1],"gyro":[0,0,0]}`)})

	u := <-p.out
	if !u.HasPressure || u.Pressure != 512 {
		t.Errorf("first update = %+v", u)
	}
	u = <-p.out
	if !u.HasMotion || u.Motion.Accel.Z != 1 {
		t.Errorf("second update = %+v", u)
	}
}

func TestHandle_DropsWhenFull(t *testing.T) {
	t.Parallel()
	p := newStreaming(t)
	for range 5 {
		p.handle(nil, fakeMessage{topic: "t", payload: []byte("1")})
	}
	if got := len(p.out); got != cap(p.out) {
		t.Errorf("buffered = %d, want %d", got, cap(p.out))
	}
}

func TestClose_EndsStreamAndIgnoresLateMessages(t *testing.T) {
	t.Parallel()
	p := newStreaming(t)
	out := p.out

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.handle(nil, fakeMessage{topic: "t", payload: []byte("1")})
	if _, ok := <-out; ok {
		t.Error("stream still open after Close")
	}
}
