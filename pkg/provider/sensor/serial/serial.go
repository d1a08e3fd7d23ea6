// Package serial reads the pillow microcontroller over a serial port.
//
// The firmware prints one CSV line per sample:
//
//	timestamp_ms,pressure,ax,ay,az,gx,gy,gz
//
// Lines starting with '#' are comments (the sketch prints a header and
// diagnostics that way). Malformed lines, including nan or inf fields from a
// failed read, are logged at debug level and
// skipped; a noisy line never ends the stream.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

const (
	defaultBaudRate = 115200
	fieldCount      = 8
)

// Config selects the port.
type Config struct {
	// Port is the device path, e.g. /dev/ttyACM0.
	Port string

	// BaudRate defaults to 115200.
	BaudRate uint
}

type opener func(goserial.OpenOptions) (io.ReadWriteCloser, error)

// Provider implements sensor.Provider for a serial-attached board.
type Provider struct {
	cfg  Config
	open opener

	mu      sync.Mutex
	port    io.Closer
	started bool
	closed  bool
}

var _ sensor.Provider = (*Provider)(nil)

// New creates a serial provider. The port is opened by Stream.
func New(cfg Config) (*Provider, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial: port must not be empty")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	return &Provider{cfg: cfg, open: goserial.Open}, nil
}

func (p *Provider) options() goserial.OpenOptions {
	return goserial.OpenOptions{
		PortName:        p.cfg.Port,
		BaudRate:        p.cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      goserial.PARITY_NONE,
	}
}

// Stream opens the port and emits one update per valid line.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("serial: provider closed")
	}
	if p.started {
		return nil, errors.New("serial: stream already started")
	}
	port, err := p.open(p.options())
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", p.cfg.Port, err)
	}
	p.port, p.started = port, true
	slog.Info("serial port opened", "port", p.cfg.Port, "baud", p.cfg.BaudRate)

	out := make(chan sensor.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		if err := readLines(ctx, port, out); err != nil {
			slog.Warn("serial read stopped", "port", p.cfg.Port, "err", err)
		}
	}()
	// Closing the port is the only way to unblock a pending Read.
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Close()
		case <-done:
		}
	}()
	return out, nil
}

// Close closes the port. It is safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// readLines parses r line by line until it fails or ctx is done. It returns
// nil on EOF and on cancellation.
func readLines(ctx context.Context, r io.Reader, out chan<- sensor.Update) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		u, ok, err := ParseLine(sc.Text())
		if err != nil {
			slog.Debug("serial: skipping malformed line", "line", sc.Text(), "err", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// ParseLine parses one firmware line. ok is false for blank and comment
// lines, which are not errors.
func ParseLine(line string) (u sensor.Update, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return sensor.Update{}, false, nil
	}
	fields := strings.Split(line, ",")
	if len(fields) != fieldCount {
		return sensor.Update{}, false, fmt.Errorf("serial: want %d fields, got %d", fieldCount, len(fields))
	}
	var v [fieldCount]float64
	for i, f := range fields {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return sensor.Update{}, false, fmt.Errorf("serial: field %d: %w", i, err)
		}
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			return sensor.Update{}, false, fmt.Errorf("serial: field %d is %v: %w", i, v[i], sensor.ErrNonFinite)
		}
	}
	return sensor.Update{
		Pressure:    v[1],
		HasPressure: true,
		Motion: types.Motion{
			Accel: types.Vec3{X: v[2], Y: v[3], Z: v[4]},
			Gyro:  types.Vec3{X: v[5], Y: v[6], Z: v[7]},
		},
		HasMotion: true,
	}, true, nil
}
