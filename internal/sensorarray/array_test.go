package sensorarray

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postureguard/internal/orientation"
)

type fakeReader struct {
	samples map[int]orientation.Acceleration
	fail    map[int]error
	calls   []int
}

func (f *fakeReader) ReadAcceleration(_ context.Context, id int) (orientation.Acceleration, error) {
	f.calls = append(f.calls, id)
	if err := f.fail[id]; err != nil {
		return orientation.Acceleration{}, err
	}
	return f.samples[id], nil
}

type countingObserver struct {
	ok, failed, degenerate int
}

func (o *countingObserver) SensorRead(_ int, ok bool, degenerate bool) {
	switch {
	case ok:
		o.ok++
	case degenerate:
		o.degenerate++
	default:
		o.failed++
	}
}

func level() orientation.Acceleration { return orientation.Acceleration{Z: 1} }

func TestNew_RejectsBadArgs(t *testing.T) {
	_, err := New(0, &fakeReader{})
	require.Error(t, err)
	_, err = New(2, nil)
	require.Error(t, err)
}

func TestPoll_OrderAndSuccess(t *testing.T) {
	r := &fakeReader{samples: map[int]orientation.Acceleration{
		0: level(),
		1: {Y: 1},
		2: {X: 1},
		3: {X: -1},
	}}
	a, err := New(4, r)
	require.NoError(t, err)

	res := a.Poll(context.Background())
	require.Len(t, res, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, r.calls)
	for i, rr := range res {
		assert.Equal(t, i, rr.SensorID)
		assert.True(t, rr.OK)
	}
	assert.InDelta(t, 90, res[1].Orientation.RollDeg, 1e-9)
	assert.InDelta(t, -90, res[2].Orientation.PitchDeg, 1e-9)
	assert.InDelta(t, 90, res[3].Orientation.PitchDeg, 1e-9)
}

func TestPoll_IsolatesFailedSensor(t *testing.T) {
	r := &fakeReader{
		samples: map[int]orientation.Acceleration{0: level(), 1: {Y: 1, Z: 1}, 2: level(), 3: {Y: -1, Z: 1}},
		fail:    map[int]error{2: errors.New("i2c: remote I/O error")},
	}
	obs := &countingObserver{}
	a, err := New(4, r, WithObserver(obs))
	require.NoError(t, err)

	res := a.Poll(context.Background())
	require.Len(t, res, 4)

	assert.False(t, res[2].OK)
	assert.Equal(t, orientation.Sample{}, res[2].Orientation)
	assert.Error(t, res[2].Err)

	for _, id := range []int{0, 1, 3} {
		assert.True(t, res[id].OK, "sensor %d", id)
		assert.NoError(t, res[id].Err)
	}
	assert.InDelta(t, 45, res[1].Orientation.RollDeg, 1e-9)
	assert.InDelta(t, -45, res[3].Orientation.RollDeg, 1e-9)
	assert.Equal(t, 3, obs.ok)
	assert.Equal(t, 1, obs.failed)
}

func TestPoll_FailedReadKeepsLastGoodInSlot(t *testing.T) {
	r := &fakeReader{samples: map[int]orientation.Acceleration{0: {Y: 1, Z: 1}, 1: level()}}
	a, err := New(2, r)
	require.NoError(t, err)

	a.Poll(context.Background())
	r.fail = map[int]error{0: errors.New("timeout")}
	res := a.Poll(context.Background())

	assert.False(t, res[0].OK)
	assert.Equal(t, orientation.Sample{}, res[0].Orientation)

	got, ok, err := a.Orientation(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 45, got.RollDeg, 1e-9)

	slot, err := a.Slot(0)
	require.NoError(t, err)
	assert.True(t, slot.HasReading)
	assert.EqualValues(t, 1, slot.Failures)
	assert.Equal(t, "timeout", slot.LastError)

	r.fail = nil
	a.Poll(context.Background())
	slot, err = a.Slot(0)
	require.NoError(t, err)
	assert.True(t, slot.LastReadOK)
	assert.Empty(t, slot.LastError)
}

func TestPoll_DegenerateReadingIsAFailure(t *testing.T) {
	r := &fakeReader{samples: map[int]orientation.Acceleration{0: {}, 1: level()}}
	obs := &countingObserver{}
	a, err := New(2, r, WithObserver(obs))
	require.NoError(t, err)

	res := a.Poll(context.Background())
	assert.False(t, res[0].OK)
	assert.ErrorIs(t, res[0].Err, orientation.ErrDegenerate)
	assert.True(t, res[1].OK)
	assert.Equal(t, 1, obs.degenerate)

	slot, err := a.Slot(0)
	require.NoError(t, err)
	assert.False(t, slot.HasReading)
}

func TestPoll_ReaderPanicIsIsolated(t *testing.T) {
	r := ReaderFunc(func(_ context.Context, id int) (orientation.Acceleration, error) {
		if id == 0 {
			panic("bus fault")
		}
		return level(), nil
	})
	a, err := New(2, r)
	require.NoError(t, err)

	res := a.Poll(context.Background())
	assert.False(t, res[0].OK)
	assert.True(t, res[1].OK)
}

func TestOrientation_InvalidID(t *testing.T) {
	a, err := New(2, &fakeReader{})
	require.NoError(t, err)

	for _, id := range []int{-1, 2, 99} {
		_, _, err := a.Orientation(id)
		assert.ErrorIs(t, err, ErrInvalidSensor)
		_, err = a.Slot(id)
		assert.ErrorIs(t, err, ErrInvalidSensor)
	}
	assert.Equal(t, 2, a.Len())
	assert.Len(t, a.Snapshot(), 2)
}
