package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postureguard/internal/orientation"
	"postureguard/internal/sensorarray"
)

var (
	// ErrExhausted is returned once a non-looping replay has served its last frame.
	ErrExhausted = errors.New("replay: log exhausted")
	// ErrRecordedFailure is returned for reads that failed when recorded.
	ErrRecordedFailure = errors.New("replay: recorded read failure")
	// ErrNoRecord is returned when a frame has no entry for the sensor.
	ErrNoRecord = errors.New("replay: no record for sensor in frame")
)

// Frame is the set of readings taken in one recorded cycle.
type Frame map[int]Record

// Frames groups records into cycles. A cycle ends at START or when a sensor
// id does not increase, since the array polls in ascending id order.
func Frames(recs []Record) []Frame {
	var out []Frame
	var cur Frame
	last := -1
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur = nil
		last = -1
	}
	for _, r := range recs {
		if r.Start {
			flush()
			continue
		}
		if r.SensorID <= last {
			flush()
		}
		if cur == nil {
			cur = Frame{}
		}
		cur[r.SensorID] = r
		last = r.SensorID
	}
	flush()
	return out
}

// Source serves recorded frames one per engine cycle.
type Source struct {
	frames []Frame
	loop   bool

	mu  sync.Mutex
	idx int // -1 before the first BeginCycle
}

func NewSource(recs []Record, loop bool) (*Source, error) {
	frames := Frames(recs)
	if len(frames) == 0 {
		return nil, fmt.Errorf("replay: no records")
	}
	return &Source{frames: frames, loop: loop, idx: -1}, nil
}

// Len returns the number of recorded cycles.
func (s *Source) Len() int { return len(s.frames) }

// BeginCycle advances to the next recorded frame.
func (s *Source) BeginCycle(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx++
	if s.idx >= len(s.frames) && s.loop {
		s.idx = 0
	}
}

// Exhausted reports whether a non-looping replay has moved past its last frame.
func (s *Source) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx >= len(s.frames)
}

func (s *Source) ReadAcceleration(ctx context.Context, sensorID int) (orientation.Acceleration, error) {
	if err := ctx.Err(); err != nil {
		return orientation.Acceleration{}, err
	}
	if sensorID < 0 {
		return orientation.Acceleration{}, fmt.Errorf("%w: %d", sensorarray.ErrInvalidSensor, sensorID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.idx
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.frames) {
		return orientation.Acceleration{}, ErrExhausted
	}
	rec, ok := s.frames[idx][sensorID]
	if !ok {
		return orientation.Acceleration{}, fmt.Errorf("%w: sensor %d frame %d", ErrNoRecord, sensorID, idx)
	}
	if rec.Failed {
		return orientation.Acceleration{}, ErrRecordedFailure
	}
	return rec.Accel, nil
}
