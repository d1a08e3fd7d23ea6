// Package periph reads an MPU9250 IMU and a BMP280/BME280 barometer wired to
// the host's SPI bus, for builds where the pillow electronics sit directly on
// a single-board computer instead of behind a microcontroller.
package periph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/MrWong99/pillowmate/pkg/provider/sensor"
	"github.com/MrWong99/pillowmate/pkg/types"
)

// Defaults for [Config]. The scale factors match the MPU9250 power-on ranges
// of ±2 g and ±250 °/s.
const (
	DefaultIMUDevice     = "/dev/spidev0.0"
	DefaultIMUCSPin      = "GPIO8"
	DefaultBaroDevice    = "/dev/spidev0.1"
	DefaultInterval      = 10 * time.Millisecond
	DefaultAccelLSBPerG  = 16384.0
	DefaultGyroLSBPerDPS = 131.0
)

// Config selects the buses and scaling.
type Config struct {
	IMUDevice  string
	IMUCSPin   string
	BaroDevice string

	// Interval is the device poll period. It should be at most the sampler
	// interval.
	Interval time.Duration

	AccelLSBPerG  float64
	GyroLSBPerDPS float64
}

func (c *Config) applyDefaults() {
	if c.IMUDevice == "" {
		c.IMUDevice = DefaultIMUDevice
	}
	if c.IMUCSPin == "" {
		c.IMUCSPin = DefaultIMUCSPin
	}
	if c.BaroDevice == "" {
		c.BaroDevice = DefaultBaroDevice
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AccelLSBPerG <= 0 {
		c.AccelLSBPerG = DefaultAccelLSBPerG
	}
	if c.GyroLSBPerDPS <= 0 {
		c.GyroLSBPerDPS = DefaultGyroLSBPerDPS
	}
}

// motionReader reads one scaled IMU sample.
type motionReader interface {
	ReadMotion() (types.Motion, error)
}

// pressureReader reads the barometric pressure in hPa.
type pressureReader interface {
	ReadPressure() (float64, error)
	Halt() error
}

// Provider implements sensor.Provider for on-board SPI sensors.
type Provider struct {
	cfg Config

	// open is replaced in tests.
	open func(Config) (motionReader, pressureReader, func() error, error)

	mu      sync.Mutex
	release func() error
	baro    pressureReader
	started bool
	closed  bool
}

var _ sensor.Provider = (*Provider)(nil)

// New creates a provider. The hardware is initialised by Stream.
func New(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{cfg: cfg, open: openHardware}
}

// Stream initialises the sensors and polls them every Config.Interval.
func (p *Provider) Stream(ctx context.Context) (<-chan sensor.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("periph: provider closed")
	}
	if p.started {
		return nil, errors.New("periph: stream already started")
	}
	imu, baro, release, err := p.open(p.cfg)
	if err != nil {
		return nil, err
	}
	p.baro, p.release, p.started = baro, release, true

	out := make(chan sensor.Update, 4)
	go p.poll(ctx, imu, baro, out)
	return out, nil
}

func (p *Provider) poll(ctx context.Context, imu motionReader, baro pressureReader, out chan<- sensor.Update) {
	defer close(out)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			return
		case <-ticker.C:
		}
		if p.isClosed() {
			return
		}
		u, ok := sample(imu, baro)
		if !ok {
			continue
		}
		select {
		case out <- u:
		default:
		}
	}
}

// sample reads both devices. A failing device is skipped for this tick; ok
// is false only when both fail.
func sample(imu motionReader, baro pressureReader) (sensor.Update, bool) {
	var u sensor.Update
	if m, err := imu.ReadMotion(); err != nil {
		slog.Debug("periph: imu read failed", "err", err)
	} else {
		u.Motion, u.HasMotion = m, true
	}
	if pr, err := baro.ReadPressure(); err != nil {
		slog.Debug("periph: barometer read failed", "err", err)
	} else {
		u.Pressure, u.HasPressure = pr, true
	}
	if !u.HasMotion && !u.HasPressure {
		return sensor.Update{}, false
	}
	u.At = time.Now()
	return u, true
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close halts the barometer and releases the buses. It is safe to call more
// than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if p.baro != nil {
		errs = append(errs, p.baro.Halt())
	}
	if p.release != nil {
		errs = append(errs, p.release())
	}
	return errors.Join(errs...)
}

// ---- hardware ----

func openHardware(cfg Config) (motionReader, pressureReader, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("periph: host init: %w", err)
	}

	cs := gpioreg.ByName(cfg.IMUCSPin)
	if cs == nil {
		return nil, nil, nil, fmt.Errorf("periph: imu cs pin %q not found", cfg.IMUCSPin)
	}
	tr, err := mpu9250.NewSpiTransport(cfg.IMUDevice, cs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("periph: imu spi transport %s: %w", cfg.IMUDevice, err)
	}
	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("periph: imu: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("periph: imu init: %w", err)
	}
	if err := dev.Calibrate(); err != nil {
		slog.Warn("periph: imu self-calibration failed", "err", err)
	}

	port, err := spireg.Open(cfg.BaroDevice)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("periph: barometer spi open %s: %w", cfg.BaroDevice, err)
	}
	bmp, err := bmxx80.NewSPI(port, &bmxx80.DefaultOpts)
	if err != nil {
		_ = port.Close()
		return nil, nil, nil, fmt.Errorf("periph: barometer: %w", err)
	}
	slog.Info("periph sensors initialised", "imu", cfg.IMUDevice, "barometer", cfg.BaroDevice)

	return &mpuReader{dev: dev, accel: cfg.AccelLSBPerG, gyro: cfg.GyroLSBPerDPS},
		&bmpReader{dev: bmp}, port.Close, nil
}

type mpuReader struct {
	dev   *mpu9250.MPU9250
	accel float64
	gyro  float64
}

func (r *mpuReader) ReadMotion() (types.Motion, error) {
	var raw [6]int16
	reads := [6]func() (int16, error){
		r.dev.GetAccelerationX, r.dev.GetAccelerationY, r.dev.GetAccelerationZ,
		r.dev.GetRotationX, r.dev.GetRotationY, r.dev.GetRotationZ,
	}
	for i, read := range reads {
		v, err := read()
		if err != nil {
			return types.Motion{}, fmt.Errorf("periph: imu axis %d: %w", i, err)
		}
		raw[i] = v
	}
	return scaleMotion(raw, r.accel, r.gyro), nil
}

// scaleMotion converts raw counts to g and °/s.
func scaleMotion(raw [6]int16, accelLSB, gyroLSB float64) types.Motion {
	return types.Motion{
		Accel: types.Vec3{X: float64(raw[0]) / accelLSB, Y: float64(raw[1]) / accelLSB, Z: float64(raw[2]) / accelLSB},
		Gyro:  types.Vec3{X: float64(raw[3]) / gyroLSB, Y: float64(raw[4]) / gyroLSB, Z: float64(raw[5]) / gyroLSB},
	}
}

type bmpReader struct {
	dev *bmxx80.Dev
}

func (r *bmpReader) ReadPressure() (float64, error) {
	var e physic.Env
	if err := r.dev.Sense(&e); err != nil {
		return 0, fmt.Errorf("periph: barometer sense: %w", err)
	}
	return pressureHPa(e.Pressure), nil
}

func (r *bmpReader) Halt() error { return r.dev.Halt() }

func pressureHPa(p physic.Pressure) float64 {
	return float64(p) / float64(100*physic.Pascal)
}
