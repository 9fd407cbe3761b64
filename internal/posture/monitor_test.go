package posture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postureguard/internal/orientation"
)

type recordingDispatcher struct {
	keys   []string
	events []AlertEvent
	err    error
}

func (r *recordingDispatcher) SendAlert(_ context.Context, key string, ev AlertEvent) error {
	r.keys = append(r.keys, key)
	r.events = append(r.events, ev)
	return r.err
}

var (
	t0   = time.Date(2026, 10, 19, 13, 51, 0, 0, time.UTC)
	good = orientation.Sample{RollDeg: 90, PitchDeg: 0}
	bad  = orientation.Sample{RollDeg: 90, PitchDeg: 25}
)

const threshold = 20

func newTestMonitor(t *testing.T, d Dispatcher) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{
		ReferenceSensor: 0,
		PitchBaseDeg:    0,
		RollBaseDeg:     90,
		ToleranceDeg:    20,
		Sustained:       threshold * time.Second,
		Period:          time.Second,
	}, d, nil)
	require.NoError(t, err)
	return m
}

// driver feeds one reading per 1s cycle.
type driver struct {
	m     *Monitor
	cycle int
}

func (dr *driver) step(t *testing.T, o orientation.Sample) Decision {
	t.Helper()
	now := t0.Add(time.Duration(dr.cycle) * time.Second)
	dr.cycle++
	ref := Reading{SensorID: 0, Orientation: o, OK: true}
	snap := []Reading{ref, {SensorID: 1, Orientation: orientation.Sample{RollDeg: 3, PitchDeg: -4}, OK: true}}
	return dr.m.Evaluate(context.Background(), now, ref, snap)
}

func (dr *driver) run(t *testing.T, o orientation.Sample, n int) []Decision {
	t.Helper()
	out := make([]Decision, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, dr.step(t, o))
	}
	return out
}

func TestNewMonitor_Validation(t *testing.T) {
	d := &recordingDispatcher{}
	_, err := NewMonitor(Config{ToleranceDeg: 20}, nil, nil)
	require.Error(t, err)
	_, err = NewMonitor(Config{ToleranceDeg: 0}, d, nil)
	require.Error(t, err)
	_, err = NewMonitor(Config{ToleranceDeg: 20, ReferenceSensor: -1}, d, nil)
	require.Error(t, err)
	m, err := NewMonitor(Config{ToleranceDeg: 20}, d, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStatusLabel, m.Config().StatusLabel)
}

func TestDeviates_ToleranceIsExclusive(t *testing.T) {
	m := newTestMonitor(t, &recordingDispatcher{})
	assert.False(t, m.Deviates(orientation.Sample{RollDeg: 90, PitchDeg: 20}))
	assert.True(t, m.Deviates(orientation.Sample{RollDeg: 90, PitchDeg: 20.01}))
	assert.False(t, m.Deviates(orientation.Sample{RollDeg: 70, PitchDeg: 0}))
	assert.True(t, m.Deviates(orientation.Sample{RollDeg: 69.9, PitchDeg: 0}))
	assert.True(t, m.Deviates(orientation.Sample{RollDeg: 90, PitchDeg: -21}))
}

func TestEvaluate_ShortEpisodeNeverAlerts(t *testing.T) {
	d := &recordingDispatcher{}
	dr := &driver{m: newTestMonitor(t, d)}

	decs := dr.run(t, bad, threshold-1)
	for _, dec := range decs {
		assert.Equal(t, BadPending, dec.State)
		assert.Nil(t, dec.Alert)
	}
	last := dr.step(t, good)
	assert.Equal(t, Good, last.State)
	assert.Equal(t, BadPending, last.Prev)
	assert.Empty(t, d.keys)
	assert.Equal(t, Good, dr.m.Status().State)
	assert.True(t, dr.m.Status().EpisodeStart.IsZero())
}

func TestEvaluate_AlertsExactlyAtThreshold(t *testing.T) {
	d := &recordingDispatcher{}
	dr := &driver{m: newTestMonitor(t, d)}

	decs := dr.run(t, bad, threshold)
	for i, dec := range decs[:threshold-1] {
		assert.Nil(t, dec.Alert, "cycle %d", i+1)
		assert.Less(t, dec.Elapsed, threshold*time.Second)
	}
	boundary := decs[threshold-1]
	require.NotNil(t, boundary.Alert)
	assert.Equal(t, threshold*time.Second, boundary.Elapsed)
	assert.Equal(t, BadPending, boundary.Prev)
	assert.Equal(t, BadAlerted, boundary.State)
	assert.Len(t, d.keys, 1)
}

func TestEvaluate_LongEpisodeAlertsOnce(t *testing.T) {
	d := &recordingDispatcher{}
	dr := &driver{m: newTestMonitor(t, d)}

	dr.run(t, bad, 3*threshold)
	assert.Len(t, d.keys, 1)
	st := dr.m.Status()
	assert.Equal(t, BadAlerted, st.State)
	assert.True(t, st.AlertSent)
	assert.EqualValues(t, 1, st.AlertsSent)
	assert.EqualValues(t, 1, st.Episodes)
}

func TestEvaluate_EpisodesAreIndependent(t *testing.T) {
	d := &recordingDispatcher{}
	dr := &driver{m: newTestMonitor(t, d)}

	dr.run(t, bad, threshold)
	dr.run(t, good, 3)
	decs := dr.run(t, bad, threshold)

	require.Len(t, d.keys, 2)
	assert.NotEqual(t, d.keys[0], d.keys[1])
	assert.Equal(t, BadPending, decs[0].State)
	assert.Equal(t, time.Second, decs[0].Elapsed)
	assert.NotNil(t, decs[threshold-1].Alert)
	assert.EqualValues(t, 2, dr.m.Status().Episodes)
}

func TestEvaluate_EndToEndScenario(t *testing.T) {
	d := &recordingDispatcher{}
	dr := &driver{m: newTestMonitor(t, d)}

	for cycle := 1; cycle <= 20; cycle++ {
		dec := dr.step(t, orientation.Sample{RollDeg: 90, PitchDeg: 25})
		assert.True(t, dec.Bad, "cycle %d", cycle)
		if cycle < 20 {
			assert.Equal(t, BadPending, dec.State, "cycle %d", cycle)
			assert.Nil(t, dec.Alert, "cycle %d", cycle)
			continue
		}
		assert.Equal(t, BadAlerted, dec.State)
		require.NotNil(t, dec.Alert)
	}

	require.Len(t, d.events, 1)
	ev := d.events[0]
	assert.Equal(t, "bad posture", ev.Status)
	assert.Equal(t, t0.Add(19*time.Second), ev.Timestamp)
	assert.Equal(t, t0, ev.EpisodeStart)
	require.Len(t, ev.Snapshot, 2)
	assert.Equal(t, orientation.Sample{RollDeg: 90, PitchDeg: 25}, ev.Snapshot[0].Orientation)
	assert.Equal(t, orientation.Sample{RollDeg: 3, PitchDeg: -4}, ev.Snapshot[1].Orientation)
	assert.Equal(t, ev.Key, d.keys[0])
}

func TestEvaluate_DispatchFailureIsNotRetried(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("store unreachable")}
	dr := &driver{m: newTestMonitor(t, d)}

	decs := dr.run(t, bad, threshold+5)
	boundary := decs[threshold-1]
	require.NotNil(t, boundary.Alert)
	assert.Error(t, boundary.DispatchErr)
	assert.Equal(t, BadAlerted, boundary.State)

	assert.Len(t, d.keys, 1)
	st := dr.m.Status()
	assert.True(t, st.AlertSent)
	assert.EqualValues(t, 1, st.DispatchFailures)
}

func TestEvaluate_FailedReferenceReadSkipsCycle(t *testing.T) {
	d := &recordingDispatcher{}
	m := newTestMonitor(t, d)

	// A failure sentinel from a never-read sensor is "no data", not "good".
	dec := m.Evaluate(context.Background(), t0, Reading{OK: false}, nil)
	assert.True(t, dec.Skipped)
	assert.Equal(t, Good, dec.State)

	dr := &driver{m: m, cycle: 1}
	dr.run(t, bad, 5)
	now := t0.Add(6 * time.Second)
	dec = m.Evaluate(context.Background(), now, Reading{OK: false}, nil)
	assert.True(t, dec.Skipped)
	assert.Equal(t, BadPending, dec.State)
	assert.Equal(t, 6*time.Second, dec.Elapsed)

	// A genuine (0,0) reading with OK=true is evaluated: it deviates from roll base 90.
	dec = m.Evaluate(context.Background(), now.Add(time.Second), Reading{OK: true}, nil)
	assert.False(t, dec.Skipped)
	assert.True(t, dec.Bad)
}

func TestEvaluate_ZeroSustainedAlertsOnFirstBadCycle(t *testing.T) {
	d := &recordingDispatcher{}
	m, err := NewMonitor(Config{RollBaseDeg: 90, ToleranceDeg: 20}, d, nil)
	require.NoError(t, err)

	dec := m.Evaluate(context.Background(), t0, Reading{Orientation: bad, OK: true}, nil)
	assert.Equal(t, BadAlerted, dec.State)
	assert.Len(t, d.keys, 1)
}

func TestAlertKey(t *testing.T) {
	ts := time.Date(2026, 10, 19, 13, 51, 0, 123456789, time.FixedZone("X", 3600))
	k := AlertKey(ts, 7)
	assert.Equal(t, "20261019T125100123Z-7", k)
	assert.False(t, strings.ContainsAny(k, ".$#[]/+"))
	assert.NotEqual(t, AlertKey(ts, 1), AlertKey(ts, 2))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "GOOD", Good.String())
	assert.Equal(t, "BAD_PENDING", BadPending.String())
	assert.Equal(t, "BAD_ALERTED", BadAlerted.String())
}
