// Package posture decides when a reference sensor's orientation has deviated
// from its base for long enough to raise an alert, and raises at most one
// alert per deviation episode.
package posture

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/orientation"
)

// State is the monitor's position in the episode state machine.
type State int

const (
	Good State = iota
	BadPending
	BadAlerted
)

func (s State) String() string {
	switch s {
	case Good:
		return "GOOD"
	case BadPending:
		return "BAD_PENDING"
	case BadAlerted:
		return "BAD_ALERTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DefaultStatusLabel is attached to every alert unless Config overrides it.
const DefaultStatusLabel = "bad posture"

type Config struct {
	ReferenceSensor int

	PitchBaseDeg float64
	RollBaseDeg  float64
	ToleranceDeg float64

	// Sustained is how long a deviation must be observed before alerting.
	Sustained time.Duration
	// Period is the evaluation cadence. Each evaluated cycle accounts for one
	// period of observation, so the cycle that opens an episode already counts.
	Period time.Duration

	StatusLabel string
	// Source identifies this process in alert payloads.
	Source string
}

// Reading is one sensor's orientation as seen by the monitor.
type Reading struct {
	SensorID    int                `json:"sensor_id"`
	Orientation orientation.Sample `json:"orientation"`
	OK          bool               `json:"ok"`
}

// AlertEvent is built once per sustained episode and handed to the Dispatcher.
type AlertEvent struct {
	Key             string        `json:"key"`
	Timestamp       time.Time     `json:"timestamp"`
	Status          string        `json:"status"`
	Source          string        `json:"source,omitempty"`
	ReferenceSensor int           `json:"reference_sensor"`
	EpisodeStart    time.Time     `json:"episode_start"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	// Snapshot holds every sensor's last known good orientation, ordered by id.
	Snapshot []Reading `json:"snapshot"`
}

// Dispatcher persists an alert under a caller-chosen unique key. It must not
// overwrite an existing alert and must not block indefinitely.
type Dispatcher interface {
	SendAlert(ctx context.Context, key string, ev AlertEvent) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, key string, ev AlertEvent) error

func (f DispatcherFunc) SendAlert(ctx context.Context, key string, ev AlertEvent) error {
	return f(ctx, key, ev)
}

// Decision describes what one Evaluate call observed and did.
type Decision struct {
	At      time.Time
	Prev    State
	State   State
	Skipped bool // reference sensor had no valid reading this cycle
	Bad     bool
	Elapsed time.Duration

	Alert       *AlertEvent
	DispatchErr error
}

// Transitioned reports whether the state changed this cycle.
func (d Decision) Transitioned() bool { return d.Prev != d.State }

// Status is a read-only view for status pages.
type Status struct {
	State            State     `json:"state"`
	EpisodeStart     time.Time `json:"episode_start,omitempty"`
	AlertSent        bool      `json:"alert_sent_for_episode"`
	Episodes         uint64    `json:"episodes"`
	AlertsSent       uint64    `json:"alerts_sent"`
	DispatchFailures uint64    `json:"dispatch_failures"`
	LastAlertKey     string    `json:"last_alert_key,omitempty"`
	LastAlertAt      time.Time `json:"last_alert_at,omitempty"`
	LastEvaluatedAt  time.Time `json:"last_evaluated_at,omitempty"`
}

type Monitor struct {
	cfg  Config
	disp Dispatcher
	log  *zap.Logger

	// evalMu keeps Evaluate single-writer even if callers run on several goroutines.
	evalMu sync.Mutex

	mu           sync.RWMutex
	isBad        bool
	episodeStart time.Time
	alertSent    bool
	st           Status
}

func NewMonitor(cfg Config, disp Dispatcher, log *zap.Logger) (*Monitor, error) {
	if disp == nil {
		return nil, fmt.Errorf("posture: dispatcher is nil")
	}
	if cfg.ReferenceSensor < 0 {
		return nil, fmt.Errorf("posture: reference sensor must be >= 0 (got %d)", cfg.ReferenceSensor)
	}
	if !(cfg.ToleranceDeg > 0) {
		return nil, fmt.Errorf("posture: tolerance must be > 0 (got %v)", cfg.ToleranceDeg)
	}
	if cfg.Sustained < 0 || cfg.Period < 0 {
		return nil, fmt.Errorf("posture: sustained and period must be >= 0")
	}
	if cfg.StatusLabel == "" {
		cfg.StatusLabel = DefaultStatusLabel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cfg: cfg, disp: disp, log: log}, nil
}

func (m *Monitor) Config() Config { return m.cfg }

// Deviates reports whether o is outside the tolerance band around the base.
// The band edge itself (|Δ| == tolerance) is still good.
func (m *Monitor) Deviates(o orientation.Sample) bool {
	return math.Abs(o.PitchDeg-m.cfg.PitchBaseDeg) > m.cfg.ToleranceDeg ||
		math.Abs(o.RollDeg-m.cfg.RollBaseDeg) > m.cfg.ToleranceDeg
}

// Evaluate advances the state machine by one cycle. ref is the reference
// sensor's reading for this cycle; snapshot holds every sensor's last known
// good orientation and is only used when an alert is emitted.
//
// A failed dispatch still closes the episode for alerting: delivery is at
// most once per episode.
func (m *Monitor) Evaluate(ctx context.Context, now time.Time, ref Reading, snapshot []Reading) Decision {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	m.mu.Lock()
	prev := m.current()
	d := Decision{At: now, Prev: prev, State: prev}
	m.st.LastEvaluatedAt = now

	if !ref.OK {
		d.Skipped = true
		if m.isBad {
			d.Elapsed = m.elapsed(now)
		}
		m.mu.Unlock()
		return d
	}

	d.Bad = m.Deviates(ref.Orientation)
	if !d.Bad {
		if m.isBad {
			m.isBad = false
			m.alertSent = false
			m.episodeStart = time.Time{}
			m.syncStatus()
		}
		d.State = Good
		m.mu.Unlock()
		m.logTransition(d, ref)
		return d
	}

	if !m.isBad {
		m.isBad = true
		m.alertSent = false
		m.episodeStart = now
		m.st.Episodes++
	}
	d.Elapsed = m.elapsed(now)

	var ev *AlertEvent
	if !m.alertSent && d.Elapsed >= m.cfg.Sustained {
		m.alertSent = true
		m.st.AlertsSent++
		ev = m.buildAlert(now, d.Elapsed, snapshot)
		m.st.LastAlertKey = ev.Key
		m.st.LastAlertAt = now
	}
	m.syncStatus()
	d.State = m.current()
	m.mu.Unlock()

	m.logTransition(d, ref)

	if ev != nil {
		d.Alert = ev
		d.DispatchErr = m.dispatch(ctx, ev)
	}
	return d
}

func (m *Monitor) dispatch(ctx context.Context, ev *AlertEvent) error {
	err := m.disp.SendAlert(ctx, ev.Key, *ev)
	if err != nil {
		m.mu.Lock()
		m.st.DispatchFailures++
		m.mu.Unlock()
		m.log.Error("alert dispatch failed; not retrying this episode",
			zap.String("key", ev.Key), zap.Error(err))
		return err
	}
	m.log.Info("alert dispatched",
		zap.String("key", ev.Key),
		zap.String("status", ev.Status),
		zap.Duration("elapsed", ev.Elapsed))
	return nil
}

// Status returns a copy of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// current must be called with mu held.
func (m *Monitor) current() State {
	switch {
	case !m.isBad:
		return Good
	case m.alertSent:
		return BadAlerted
	default:
		return BadPending
	}
}

// syncStatus must be called with mu held.
func (m *Monitor) syncStatus() {
	m.st.State = m.current()
	m.st.EpisodeStart = m.episodeStart
	m.st.AlertSent = m.alertSent
}

// elapsed must be called with mu held and an open episode.
func (m *Monitor) elapsed(now time.Time) time.Duration {
	e := now.Sub(m.episodeStart)
	if e < 0 {
		e = 0
	}
	return e + m.cfg.Period
}

func (m *Monitor) buildAlert(now time.Time, elapsed time.Duration, snapshot []Reading) *AlertEvent {
	snap := append([]Reading(nil), snapshot...)
	sort.SliceStable(snap, func(i, j int) bool { return snap[i].SensorID < snap[j].SensorID })
	return &AlertEvent{
		Key:             AlertKey(now, m.st.AlertsSent),
		Timestamp:       now.UTC(),
		Status:          m.cfg.StatusLabel,
		Source:          m.cfg.Source,
		ReferenceSensor: m.cfg.ReferenceSensor,
		EpisodeStart:    m.episodeStart.UTC(),
		Elapsed:         elapsed,
		Snapshot:        snap,
	}
}

func (m *Monitor) logTransition(d Decision, ref Reading) {
	if !d.Transitioned() {
		return
	}
	m.log.Info("posture state changed",
		zap.Stringer("from", d.Prev),
		zap.Stringer("to", d.State),
		zap.Int("sensor_id", ref.SensorID),
		zap.Float64("roll_deg", ref.Orientation.RollDeg),
		zap.Float64("pitch_deg", ref.Orientation.PitchDeg),
		zap.Duration("elapsed", d.Elapsed))
}

// AlertKey derives a dispatch key from the cycle timestamp and the alert
// sequence number, e.g. "20261019T135100123Z-7". Keys sort chronologically
// and avoid characters that realtime-database paths, MQTT topics and Redis
// key patterns treat specially.
func AlertKey(t time.Time, seq uint64) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03dZ-%d", t.Format("20060102T150405"), t.Nanosecond()/int(time.Millisecond), seq)
}
