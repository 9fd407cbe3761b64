// Package sensorarray polls a fixed set of accelerometers once per cycle and
// keeps each sensor's last known good orientation.
package sensorarray

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/orientation"
)

// ErrInvalidSensor is returned for a sensor id outside [0, N).
var ErrInvalidSensor = errors.New("sensorarray: invalid sensor id")

// Reader is the sensor collaborator. ReadAcceleration must return promptly
// (bounded by ctx or the device's own timeout) and report any transport or
// device problem as an error instead of panicking.
type Reader interface {
	ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, sensorID int) (orientation.Acceleration, error)

func (f ReaderFunc) ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error) {
	return f(ctx, sensorID)
}

// Result is one sensor's outcome for a single poll. A failed read carries the
// (0,0) sentinel orientation and OK=false; consumers must check OK.
type Result struct {
	SensorID    int                `json:"sensor_id"`
	Orientation orientation.Sample `json:"orientation"`
	OK          bool               `json:"ok"`
	Err         error              `json:"-"`
}

// Slot is the per-sensor state the array owns.
type Slot struct {
	SensorID int `json:"sensor_id"`
	// LastOrientation is the most recent successful reading. Failed reads never
	// overwrite it.
	LastOrientation orientation.Sample `json:"last_orientation"`
	// LastReadOK reports whether the latest poll of this sensor succeeded.
	LastReadOK bool `json:"last_read_ok"`
	// HasReading is true once the sensor produced at least one good reading.
	HasReading bool      `json:"has_reading"`
	LastGoodAt time.Time `json:"last_good_at,omitempty"`
	Failures   uint64    `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
}

// Observer is notified of every per-sensor outcome. Optional.
type Observer interface {
	SensorRead(sensorID int, ok bool, degenerate bool)
}

type Array struct {
	reader Reader
	log    *zap.Logger
	obs    Observer
	now    func() time.Time

	mu    sync.RWMutex
	slots []Slot
}

type Option func(*Array)

func WithLogger(l *zap.Logger) Option {
	return func(a *Array) {
		if l != nil {
			a.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(a *Array) { a.obs = o }
}

func WithClock(now func() time.Time) Option {
	return func(a *Array) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an array of n sensors with ids 0..n-1. n never changes afterwards.
func New(n int, r Reader, opts ...Option) (*Array, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sensorarray: sensor count must be > 0 (got %d)", n)
	}
	if r == nil {
		return nil, fmt.Errorf("sensorarray: reader is nil")
	}
	a := &Array{
		reader: r,
		log:    zap.NewNop(),
		now:    time.Now,
		slots:  make([]Slot, n),
	}
	for _, o := range opts {
		o(a)
	}
	for i := range a.slots {
		a.slots[i].SensorID = i
	}
	return a, nil
}

// Len returns the fixed sensor count.
func (a *Array) Len() int {
	return len(a.slots)
}

// Poll reads every sensor in id order and returns one Result per sensor in
// that order. A failing sensor never aborts the cycle.
func (a *Array) Poll(ctx context.Context) []Result {
	out := make([]Result, len(a.slots))
	for id := range a.slots {
		out[id] = a.pollOne(ctx, id)
	}
	return out
}

func (a *Array) pollOne(ctx context.Context, id int) Result {
	res := Result{SensorID: id}
	acc, err := a.read(ctx, id)
	degenerate := false
	if err == nil {
		res.Orientation, err = orientation.FromAcceleration(acc)
		degenerate = err != nil
	}
	if err != nil {
		res.Orientation = orientation.Sample{}
		res.Err = err
		a.log.Warn("sensor read failed", zap.Int("sensor_id", id), zap.Bool("degenerate", degenerate), zap.Error(err))
	} else {
		res.OK = true
	}

	a.mu.Lock()
	slot := &a.slots[id]
	slot.LastReadOK = res.OK
	if res.OK {
		slot.LastOrientation = res.Orientation
		slot.HasReading = true
		slot.LastGoodAt = a.now().UTC()
		slot.LastError = ""
	} else {
		slot.Failures++
		slot.LastError = err.Error()
	}
	a.mu.Unlock()

	if a.obs != nil {
		a.obs.SensorRead(id, res.OK, degenerate)
	}
	return res
}

// read isolates a collaborator panic to the one sensor that caused it.
func (a *Array) read(ctx context.Context, id int) (acc orientation.Acceleration, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sensorarray: sensor %d reader panicked: %v", id, p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return orientation.Acceleration{}, err
	}
	return a.reader.ReadAcceleration(ctx, id)
}

// Orientation returns the last known good orientation of sensor id and
// whether the sensor's latest read succeeded.
func (a *Array) Orientation(id int) (orientation.Sample, bool, error) {
	if id < 0 || id >= len(a.slots) {
		return orientation.Sample{}, false, fmt.Errorf("%w: %d (have %d)", ErrInvalidSensor, id, len(a.slots))
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.slots[id]
	return s.LastOrientation, s.LastReadOK, nil
}

// Slot returns a copy of sensor id's slot.
func (a *Array) Slot(id int) (Slot, error) {
	if id < 0 || id >= len(a.slots) {
		return Slot{}, fmt.Errorf("%w: %d (have %d)", ErrInvalidSensor, id, len(a.slots))
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slots[id], nil
}

// Snapshot returns copies of all slots in sensor id order.
func (a *Array) Snapshot() []Slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Slot(nil), a.slots...)
}
