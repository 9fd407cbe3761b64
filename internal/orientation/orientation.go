// Package orientation converts a static accelerometer reading into tilt angles.
//
// Angles come from the gravity vector alone (no gyro integration), so they are
// only meaningful while the sensor is not undergoing significant linear
// acceleration.
package orientation

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerate reports an acceleration vector the angle formulas cannot
// resolve (a 0/0 ratio, or non-finite input).
var ErrDegenerate = errors.New("orientation: degenerate acceleration")

// Acceleration is one 3-axis sample in g (m/s² works too; only ratios matter).
type Acceleration struct {
	X float64 `json:"ax"`
	Y float64 `json:"ay"`
	Z float64 `json:"az"`
}

// Sample is a roll/pitch pair in degrees, each confined to [-90, +90].
type Sample struct {
	RollDeg  float64 `json:"roll"`
	PitchDeg float64 `json:"pitch"`
}

func (s Sample) String() string {
	return fmt.Sprintf("roll=%.2f° pitch=%.2f°", s.RollDeg, s.PitchDeg)
}

// IsZero reports whether s equals the (0,0) failure sentinel.
// A genuine level reading is also (0,0); use the read's ok flag to tell them apart.
func (s Sample) IsZero() bool {
	return s.RollDeg == 0 && s.PitchDeg == 0
}

// FromAcceleration computes roll and pitch from a.
//
//	roll  = atan( ay / sqrt(ax² + az²))
//	pitch = atan(-ax / sqrt(ay² + az²))
//
// The single-argument arctangent keeps both angles within ±90°. A zero
// denominator with a non-zero numerator is the ±90° limit; 0/0 is degenerate.
func FromAcceleration(a Acceleration) (Sample, error) {
	if !finite(a.X) || !finite(a.Y) || !finite(a.Z) {
		return Sample{}, fmt.Errorf("%w: non-finite component %+v", ErrDegenerate, a)
	}
	roll, ok := atanRatioDeg(a.Y, math.Sqrt(a.X*a.X+a.Z*a.Z))
	if !ok {
		return Sample{}, fmt.Errorf("%w: roll undefined for %+v", ErrDegenerate, a)
	}
	pitch, ok := atanRatioDeg(-a.X, math.Sqrt(a.Y*a.Y+a.Z*a.Z))
	if !ok {
		return Sample{}, fmt.Errorf("%w: pitch undefined for %+v", ErrDegenerate, a)
	}
	return Sample{RollDeg: roll, PitchDeg: pitch}, nil
}

// ToAcceleration returns a unit gravity vector that FromAcceleration maps back
// to s. The round trip is exact when sin²(roll)+sin²(pitch) <= 1; pairs no
// static vector can produce (e.g. roll=90° with pitch≠0) are projected onto
// the horizontal plane instead.
func ToAcceleration(s Sample) Acceleration {
	x := -math.Sin(s.PitchDeg * math.Pi / 180)
	y := math.Sin(s.RollDeg * math.Pi / 180)
	zz := 1 - x*x - y*y
	if zz < 0 {
		n := math.Hypot(x, y)
		return Acceleration{X: x / n, Y: y / n}
	}
	return Acceleration{X: x, Y: y, Z: math.Sqrt(zz)}
}

func atanRatioDeg(num, den float64) (float64, bool) {
	ratio := num / den
	if math.IsNaN(ratio) {
		return 0, false
	}
	deg := math.Atan(ratio) * 180 / math.Pi
	if deg == 0 {
		// Normalize -0 so the level reading prints and compares as 0.
		deg = 0
	}
	return deg, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
