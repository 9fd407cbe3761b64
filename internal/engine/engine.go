// Package engine runs the fixed-period sampling loop: poll every sensor, feed
// the reference sensor into the posture monitor, then publish the cycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/posture"
	"postureguard/internal/sensorarray"
)

// Clock abstracts time so tests can drive cycles deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// Report is everything one cycle produced.
type Report struct {
	Seq      uint64
	At       time.Time
	Results  []sensorarray.Result
	Slots    []sensorarray.Slot
	Decision posture.Decision
	// Took covers polling, evaluation and any dispatch.
	Took time.Duration
}

// Observer receives every Report after the cycle completes. Observers run on
// the loop goroutine and must not block.
type Observer interface {
	ObserveCycle(r Report)
}

type ObserverFunc func(r Report)

func (f ObserverFunc) ObserveCycle(r Report) { f(r) }

type Config struct {
	Period time.Duration
	// ReferenceSensor must be a valid id of the array.
	ReferenceSensor int
}

type Engine struct {
	cfg     Config
	array   *sensorarray.Array
	monitor *posture.Monitor
	clock   Clock
	log     *zap.Logger

	before    []func(now time.Time)
	observers []Observer

	mu   sync.Mutex
	seq  uint64
	last Report
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithObserver adds a per-cycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithBeforeCycle registers a hook run at the start of each cycle, before
// any sensor is read (e.g. to advance a simulated or replayed source).
func WithBeforeCycle(fn func(now time.Time)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.before = append(e.before, fn)
		}
	}
}

func New(cfg Config, array *sensorarray.Array, monitor *posture.Monitor, opts ...Option) (*Engine, error) {
	if array == nil {
		return nil, fmt.Errorf("engine: array is nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("engine: monitor is nil")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("engine: period must be > 0")
	}
	if _, err := array.Slot(cfg.ReferenceSensor); err != nil {
		return nil, fmt.Errorf("engine: reference sensor: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		array:   array,
		monitor: monitor,
		clock:   realClock{},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Tick runs exactly one cycle and returns its report. It blocks until every
// sensor read and any alert dispatch has finished.
func (e *Engine) Tick(ctx context.Context) Report {
	start := e.clock.Now()
	for _, fn := range e.before {
		fn(start)
	}

	results := e.array.Poll(ctx)
	slots := e.array.Snapshot()

	ref := results[e.cfg.ReferenceSensor]
	snapshot := make([]posture.Reading, len(slots))
	for i, s := range slots {
		snapshot[i] = posture.Reading{SensorID: s.SensorID, Orientation: s.LastOrientation, OK: s.LastReadOK}
	}
	dec := e.monitor.Evaluate(ctx, start, posture.Reading{
		SensorID:    ref.SensorID,
		Orientation: ref.Orientation,
		OK:          ref.OK,
	}, snapshot)

	e.mu.Lock()
	e.seq++
	r := Report{
		Seq:      e.seq,
		At:       start,
		Results:  results,
		Slots:    slots,
		Decision: dec,
		Took:     e.clock.Now().Sub(start),
	}
	e.last = r
	e.mu.Unlock()

	for _, o := range e.observers {
		o.ObserveCycle(r)
	}
	return r
}

// Last returns the most recent report (zero Report before the first cycle).
func (e *Engine) Last() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run ticks every period until ctx is done. Cycles are scheduled against a
// fixed timeline; a cycle that overruns its slot (slow dispatch) pushes the
// timeline back instead of bursting to catch up.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		zap.Duration("period", e.cfg.Period),
		zap.Int("sensors", e.array.Len()),
		zap.Int("reference_sensor", e.cfg.ReferenceSensor))

	next := e.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			e.log.Info("engine stopped")
			return nil
		}
		r := e.Tick(ctx)
		if r.Took > e.cfg.Period {
			e.log.Warn("cycle overran period", zap.Duration("took", r.Took), zap.Duration("period", e.cfg.Period))
		}

		next = next.Add(e.cfg.Period)
		now := e.clock.Now()
		wait := next.Sub(now)
		if wait < 0 {
			next = now
			wait = 0
		}
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return nil
		case <-e.clock.After(wait):
		}
	}
}
