package sensors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postureguard/internal/i2c"
	"postureguard/internal/sensorarray"
	"postureguard/internal/sensors/mpu6050"
)

type fakeBus struct {
	path   string
	closed bool
}

func (b *fakeBus) Dev(addr uint16) *i2c.Dev { return nil }
func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type fakeDevice struct {
	sample mpu6050.Sample
	err    error
	reads  int
}

func (d *fakeDevice) Read() (mpu6050.Sample, error) {
	d.reads++
	return d.sample, d.err
}

type rig struct {
	now     time.Time
	opened  map[string]*fakeBus
	devices map[string]*fakeDevice // key: bus path + addr
	probes  int
	busErr  map[string]error
}

func newRig() *rig {
	return &rig{
		now:     time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		opened:  map[string]*fakeBus{},
		devices: map[string]*fakeDevice{},
		busErr:  map[string]error{},
	}
}

func devKey(path string, addr uint16) string {
	return fmt.Sprintf("%s@0x%02X", path, addr)
}

func (r *rig) bank(t *testing.T, descs []Descriptor) *Bank {
	t.Helper()
	b, err := New(descs,
		WithClock(func() time.Time { return r.now }),
		WithReprobeInterval(10*time.Second),
		WithBusOpener(
			func(path string) (Bus, error) {
				if err := r.busErr[path]; err != nil {
					return nil, err
				}
				fb := &fakeBus{path: path}
				r.opened[path] = fb
				return fb, nil
			},
			func(bus Bus, addr uint16) (Device, string, error) {
				r.probes++
				d, ok := r.devices[devKey(bus.(*fakeBus).path, addr)]
				if !ok {
					return nil, "", errors.New("no ack")
				}
				return d, "MPU-6050", nil
			},
		),
	)
	require.NoError(t, err)
	return b
}

func TestNew_RequiresDevices(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestBank_ReadsBothSensorsOnSeparateBuses(t *testing.T) {
	r := newRig()
	r.devices[devKey("/dev/i2c-0", 0x68)] = &fakeDevice{sample: mpu6050.Sample{Ax: 0, Ay: 1, Az: 0}}
	r.devices[devKey("/dev/i2c-1", 0x68)] = &fakeDevice{sample: mpu6050.Sample{Ax: 0, Ay: 0, Az: 1}}
	b := r.bank(t, []Descriptor{{Name: "s1", Bus: 0}, {Name: "s2", Bus: 1}})
	b.Start(context.Background())

	a0, err := b.ReadAcceleration(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a0.Y)
	a1, err := b.ReadAcceleration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a1.Z)

	st := b.Status()
	require.Len(t, st, 2)
	assert.True(t, st[0].Present)
	assert.Equal(t, "0x68", st[0].Address)
	assert.Equal(t, "/dev/i2c-1", st[1].BusPath)
	assert.Len(t, r.opened, 2)
}

func TestBank_SharesBusBetweenDevices(t *testing.T) {
	r := newRig()
	r.devices[devKey("/dev/i2c-1", 0x68)] = &fakeDevice{}
	r.devices[devKey("/dev/i2c-1", 0x69)] = &fakeDevice{}
	b := r.bank(t, []Descriptor{{Bus: 1, Address: 0x68}, {Bus: 1, Address: 0x69}})
	b.Start(context.Background())

	assert.Len(t, r.opened, 1)
	require.NoError(t, b.Close())
	assert.True(t, r.opened["/dev/i2c-1"].closed)
}

func TestBank_AbsentDeviceFailsAndReprobesAfterInterval(t *testing.T) {
	r := newRig()
	b := r.bank(t, []Descriptor{{Name: "s1", Bus: 0}})
	b.Start(context.Background())
	require.Equal(t, 1, r.probes)

	_, err := b.ReadAcceleration(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotPresent)
	assert.Equal(t, 1, r.probes, "no reprobe inside the interval")

	r.devices[devKey("/dev/i2c-0", 0x68)] = &fakeDevice{sample: mpu6050.Sample{Az: 1}}
	r.now = r.now.Add(10 * time.Second)
	a, err := b.ReadAcceleration(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Z)
	assert.Equal(t, 2, r.probes)
}

func TestBank_BusOpenFailureIsReported(t *testing.T) {
	r := newRig()
	r.busErr["/dev/i2c-3"] = errors.New("no such file")
	b := r.bank(t, []Descriptor{{Name: "s1", Bus: 3}})
	b.Start(context.Background())

	_, err := b.ReadAcceleration(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotPresent)
	st := b.Status()
	assert.False(t, st[0].Present)
	assert.Contains(t, st[0].LastError, "no such file")
}

func TestBank_RepeatedReadErrorsDropDevice(t *testing.T) {
	r := newRig()
	dev := &fakeDevice{err: errors.New("nack")}
	r.devices[devKey("/dev/i2c-0", 0x68)] = dev
	b := r.bank(t, []Descriptor{{Name: "s1", Bus: 0}})
	b.Start(context.Background())

	for i := 0; i < maxConsecutiveErrors; i++ {
		_, err := b.ReadAcceleration(context.Background(), 0)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotPresent)
	}
	assert.False(t, b.Status()[0].Present)

	_, err := b.ReadAcceleration(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotPresent)
	assert.Equal(t, maxConsecutiveErrors, dev.reads)
}

func TestBank_InvalidSensorAndCancelledContext(t *testing.T) {
	r := newRig()
	b := r.bank(t, []Descriptor{{Bus: 0}})

	_, err := b.ReadAcceleration(context.Background(), 5)
	require.ErrorIs(t, err, sensorarray.ErrInvalidSensor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.ReadAcceleration(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}
