package mpu6050

import (
	"fmt"
	"time"

	"postureguard/internal/i2c"
)

var sleep = time.Sleep

// Minimal MPU-6050 driver: probe, wake, fixed full-scale ranges, burst read.
// Register-compatible successors (MPU-6500/9250/9255) are accepted too.

const (
	addrDefault = 0x68

	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXoutH  = 0x3B // accel(6) + temp(2) + gyro(6)
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75

	bitReset  = 0x80
	clkPLLX   = 0x01
	dlpf44Hz  = 0x03
	fsGyro500 = 0x08
	fsAccel8g = 0x10

	lsbPerG   = 4096.0
	lsbPerDps = 65.5
)

var knownWhoAmI = map[byte]string{
	0x68: "MPU-6050",
	0x70: "MPU-6500",
	0x71: "MPU-9250",
	0x73: "MPU-9255",
}

type Sample struct {
	Time time.Time
	// Accel in g.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
	TempC      float64
}

type Device struct {
	dev   regIO
	model string
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpu6050: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpu6050: dev is nil")
	}
	who, err := dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("mpu6050: whoami read failed: %w", err)
	}
	model, ok := knownWhoAmI[who]
	if !ok {
		return nil, fmt.Errorf("mpu6050: unexpected whoami=0x%02X", who)
	}
	d := &Device{dev: dev, model: model}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

// Model returns the chip family reported by WHO_AM_I.
func (d *Device) Model() string { return d.model }

func (d *Device) init() error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("mpu6050: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	// Wake with the X gyro PLL as clock source.
	if err := d.dev.WriteReg(regPwrMgmt1, clkPLLX); err != nil {
		return fmt.Errorf("mpu6050: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// 1 kHz internal rate with DLPF on; /20 -> 50 Hz.
	_ = d.dev.WriteReg(regConfig, dlpf44Hz)
	_ = d.dev.WriteReg(regSmplrtDiv, 19)

	if err := d.dev.WriteReg(regGyroConfig, fsGyro500); err != nil {
		return fmt.Errorf("mpu6050: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel8g); err != nil {
		return fmt.Errorf("mpu6050: accel config failed: %w", err)
	}
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("mpu6050: device is nil")
	}
	var buf [14]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("mpu6050: read sensors failed: %w", err)
	}
	word := func(i int) float64 { return float64(int16(buf[i])<<8 | int16(buf[i+1])) }

	return Sample{
		Time:  time.Now(),
		Ax:    word(0) / lsbPerG,
		Ay:    word(2) / lsbPerG,
		Az:    word(4) / lsbPerG,
		TempC: word(6)/340.0 + 36.53,
		Gx:    word(8) / lsbPerDps,
		Gy:    word(10) / lsbPerDps,
		Gz:    word(12) / lsbPerDps,
	}, nil
}
