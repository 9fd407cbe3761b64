package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postureguard/internal/orientation"
	"postureguard/internal/sensorarray"
)

// ErrScriptedFailure is returned for reads inside a scripted fail window.
var ErrScriptedFailure = errors.New("sim: scripted read failure")

// Source serves scripted orientations as accelerometer readings. Time is
// advanced by BeginCycle, which the engine calls before every poll, so all
// sensors of one cycle see the same scenario instant.
type Source struct {
	scn  *Scenario
	loop bool

	mu     sync.Mutex
	start  time.Time
	states []SensorState
}

// NewSource binds scn to an array of n sensors.
func NewSource(scn *Scenario, n int, loop bool) (*Source, error) {
	if scn == nil {
		return nil, fmt.Errorf("sim: scenario is nil")
	}
	if scn.Sensors() < n {
		return nil, fmt.Errorf("sim: scenario scripts %d sensors, need %d", scn.Sensors(), n)
	}
	return &Source{scn: scn, loop: loop, states: scn.StateAt(0, loop)}, nil
}

// BeginCycle moves the scenario to now. The first call anchors t=0.
func (s *Source) BeginCycle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start.IsZero() {
		s.start = now
	}
	s.states = s.scn.StateAt(now.Sub(s.start), s.loop)
}

func (s *Source) ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error) {
	if err := ctx.Err(); err != nil {
		return orientation.Acceleration{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sensorID < 0 || sensorID >= len(s.states) {
		return orientation.Acceleration{}, fmt.Errorf("%w: %d", sensorarray.ErrInvalidSensor, sensorID)
	}
	st := s.states[sensorID]
	if st.Failed {
		return orientation.Acceleration{}, ErrScriptedFailure
	}
	return orientation.ToAcceleration(st.Orientation), nil
}
