// Package sensors brings up the configured accelerometers and serves their
// readings to the sensor array.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/i2c"
	"postureguard/internal/orientation"
	"postureguard/internal/sensorarray"
	"postureguard/internal/sensors/mpu6050"
)

// ErrNotPresent is returned for a sensor that has not been brought up.
var ErrNotPresent = errors.New("sensors: device not present")

// maxConsecutiveErrors read errors in a row drop a device back to probing.
const maxConsecutiveErrors = 3

type Descriptor struct {
	Name    string
	Bus     int
	Address uint16
}

// Device is one brought-up accelerometer.
type Device interface {
	Read() (mpu6050.Sample, error)
}

// Bus is the shared transport a Device is probed on. *i2c.Bus satisfies it.
type Bus interface {
	Dev(addr uint16) *i2c.Dev
	Close() error
}

type DeviceStatus struct {
	SensorID  int       `json:"sensor_id"`
	Name      string    `json:"name"`
	BusPath   string    `json:"bus"`
	Address   string    `json:"address"`
	Present   bool      `json:"present"`
	Model     string    `json:"model,omitempty"`
	LastProbe time.Time `json:"last_probe,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	desc      Descriptor
	dev       Device
	model     string
	lastProbe time.Time
	probeErr  error
	readErrs  int
}

type Bank struct {
	log     *zap.Logger
	reprobe time.Duration
	now     func() time.Time
	openBus func(path string) (Bus, error)
	probe   func(b Bus, addr uint16) (Device, string, error)

	busMu sync.Mutex
	buses map[string]Bus

	entries []*entry
}

type Option func(*Bank)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bank) {
		if l != nil {
			b.log = l
		}
	}
}

func WithReprobeInterval(d time.Duration) Option {
	return func(b *Bank) {
		if d > 0 {
			b.reprobe = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bank) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBusOpener replaces the bus opener and the device probe. Used by tests.
func WithBusOpener(open func(path string) (Bus, error), probe func(b Bus, addr uint16) (Device, string, error)) Option {
	return func(b *Bank) {
		if open != nil {
			b.openBus = open
		}
		if probe != nil {
			b.probe = probe
		}
	}
}

func New(descs []Descriptor, opts ...Option) (*Bank, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("sensors: no devices configured")
	}
	b := &Bank{
		log:     zap.NewNop(),
		reprobe: 30 * time.Second,
		now:     time.Now,
		openBus: openI2C,
		probe:   probeMPU6050,
		buses:   make(map[string]Bus),
	}
	for _, o := range opts {
		o(b)
	}
	for _, d := range descs {
		if d.Address == 0 {
			d.Address = mpu6050.DefaultAddress()
		}
		b.entries = append(b.entries, &entry{desc: d})
	}
	return b, nil
}

func openI2C(path string) (Bus, error) {
	bus, err := i2c.Open(path)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func probeMPU6050(b Bus, addr uint16) (Device, string, error) {
	d, err := mpu6050.New(b.Dev(addr))
	if err != nil {
		return nil, "", err
	}
	return d, d.Model(), nil
}

// Start probes every device once. Missing devices are not fatal; they are
// retried from ReadAcceleration every reprobe interval.
func (b *Bank) Start(ctx context.Context) {
	for id, e := range b.entries {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		b.bringUp(id, e)
		e.mu.Unlock()
	}
}

func (b *Bank) ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error) {
	if sensorID < 0 || sensorID >= len(b.entries) {
		return orientation.Acceleration{}, fmt.Errorf("%w: %d", sensorarray.ErrInvalidSensor, sensorID)
	}
	if err := ctx.Err(); err != nil {
		return orientation.Acceleration{}, err
	}
	e := b.entries[sensorID]
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev == nil {
		if !e.lastProbe.IsZero() && b.now().Sub(e.lastProbe) < b.reprobe {
			return orientation.Acceleration{}, fmt.Errorf("%w: %s: %v", ErrNotPresent, e.desc.Name, e.probeErr)
		}
		if !b.bringUp(sensorID, e) {
			return orientation.Acceleration{}, fmt.Errorf("%w: %s: %v", ErrNotPresent, e.desc.Name, e.probeErr)
		}
	}

	s, err := e.dev.Read()
	if err != nil {
		e.readErrs++
		if e.readErrs >= maxConsecutiveErrors {
			b.log.Warn("sensor dropped after repeated read errors",
				zap.Int("sensor", sensorID),
				zap.String("name", e.desc.Name),
				zap.Error(err))
			e.dev = nil
			e.probeErr = err
			e.lastProbe = b.now()
			e.readErrs = 0
		}
		return orientation.Acceleration{}, fmt.Errorf("sensors: %s: %w", e.desc.Name, err)
	}
	e.readErrs = 0
	return orientation.Acceleration{X: s.Ax, Y: s.Ay, Z: s.Az}, nil
}

// bringUp must be called with e.mu held.
func (b *Bank) bringUp(id int, e *entry) bool {
	e.lastProbe = b.now()
	path := i2c.BusPath(e.desc.Bus)
	bus, err := b.bus(path)
	if err != nil {
		e.probeErr = err
		b.log.Warn("sensor bus unavailable", zap.Int("sensor", id), zap.String("bus", path), zap.Error(err))
		return false
	}
	dev, model, err := b.probe(bus, e.desc.Address)
	if err != nil {
		e.probeErr = err
		b.log.Warn("sensor probe failed",
			zap.Int("sensor", id),
			zap.String("name", e.desc.Name),
			zap.String("bus", path),
			zap.String("addr", fmt.Sprintf("0x%02X", e.desc.Address)),
			zap.Error(err))
		return false
	}
	e.dev = dev
	e.model = model
	e.probeErr = nil
	e.readErrs = 0
	b.log.Info("sensor ready",
		zap.Int("sensor", id),
		zap.String("name", e.desc.Name),
		zap.String("model", model),
		zap.String("bus", path),
		zap.String("addr", fmt.Sprintf("0x%02X", e.desc.Address)))
	return true
}

func (b *Bank) bus(path string) (Bus, error) {
	b.busMu.Lock()
	defer b.busMu.Unlock()
	if bus, ok := b.buses[path]; ok {
		return bus, nil
	}
	bus, err := b.openBus(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	b.buses[path] = bus
	return bus, nil
}

func (b *Bank) Status() []DeviceStatus {
	out := make([]DeviceStatus, len(b.entries))
	for i, e := range b.entries {
		e.mu.Lock()
		st := DeviceStatus{
			SensorID:  i,
			Name:      e.desc.Name,
			BusPath:   i2c.BusPath(e.desc.Bus),
			Address:   fmt.Sprintf("0x%02X", e.desc.Address),
			Present:   e.dev != nil,
			Model:     e.model,
			LastProbe: e.lastProbe,
		}
		if e.probeErr != nil {
			st.LastError = e.probeErr.Error()
		}
		e.mu.Unlock()
		out[i] = st
	}
	return out
}

func (b *Bank) Close() error {
	b.busMu.Lock()
	defer b.busMu.Unlock()
	var errs []error
	for path, bus := range b.buses {
		if err := bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(b.buses, path)
	}
	return errors.Join(errs...)
}
