package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"postureguard/internal/orientation"
)

// ScenarioScript is a deterministic, script-driven posture timeline.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe or fail window.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 60s
//	sensors:
//	  - keyframes:
//	      - t: 0s
//	        roll_deg: 90
//	        pitch_deg: 0
//	      - t: 30s
//	        roll_deg: 60
//	        pitch_deg: 10
//	    fail:
//	      - from: 40s
//	        to: 45s
//
// Sensor order defines sensor ids. Keyframes must use non-decreasing t.
type ScenarioScript struct {
	Version  int              `yaml:"version"`
	Duration time.Duration    `yaml:"duration"`
	Sensors  []ScenarioSensor `yaml:"sensors"`
}

type ScenarioSensor struct {
	Keyframes []Keyframe   `yaml:"keyframes"`
	Fail      []FailWindow `yaml:"fail"`
}

// Keyframe is a time-stamped orientation.
type Keyframe struct {
	T        time.Duration `yaml:"t"`
	RollDeg  float64       `yaml:"roll_deg"`
	PitchDeg float64       `yaml:"pitch_deg"`
}

// FailWindow makes every read in [From, To) fail.
type FailWindow struct {
	From time.Duration `yaml:"from"`
	To   time.Duration `yaml:"to"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// SensorState is one sensor's scripted state at a time.
type SensorState struct {
	Orientation orientation.Sample
	Failed      bool
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Sensors) == 0 {
		return nil, fmt.Errorf("sensors is required")
	}
	for i, s := range script.Sensors {
		if len(s.Keyframes) == 0 {
			return nil, fmt.Errorf("sensors[%d].keyframes is required", i)
		}
		for j, kf := range s.Keyframes {
			if kf.T < 0 {
				return nil, fmt.Errorf("sensors[%d].keyframes[%d].t must be >= 0", i, j)
			}
			if j > 0 && kf.T < s.Keyframes[j-1].T {
				return nil, fmt.Errorf("sensors[%d].keyframes must be sorted by t (index %d)", i, j)
			}
			if kf.RollDeg < -90 || kf.RollDeg > 90 || kf.PitchDeg < -90 || kf.PitchDeg > 90 {
				return nil, fmt.Errorf("sensors[%d].keyframes[%d] angles must be within [-90, 90]", i, j)
			}
		}
		for j, w := range s.Fail {
			if w.From < 0 || w.To <= w.From {
				return nil, fmt.Errorf("sensors[%d].fail[%d] must satisfy 0 <= from < to", i, j)
			}
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxScriptTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// Sensors returns the number of scripted sensors.
func (s *Scenario) Sensors() int {
	if s == nil {
		return 0
	}
	return len(s.script.Sensors)
}

// StateAt computes every sensor's state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) []SensorState {
	if s == nil {
		return nil
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	out := make([]SensorState, len(s.script.Sensors))
	for i, sensor := range s.script.Sensors {
		k0, k1, alpha := selectSegment(sensor.Keyframes, elapsed)
		out[i] = SensorState{
			Orientation: orientation.Sample{
				RollDeg:  lerp(k0.RollDeg, k1.RollDeg, alpha),
				PitchDeg: lerp(k0.PitchDeg, k1.PitchDeg, alpha),
			},
			Failed: failing(sensor.Fail, elapsed),
		}
	}
	return out
}

func failing(ws []FailWindow, t time.Duration) bool {
	for _, w := range ws {
		if t >= w.From && t < w.To {
			return true
		}
	}
	return false
}

func maxScriptTime(s ScenarioScript) time.Duration {
	max := time.Duration(0)
	for _, sensor := range s.Sensors {
		for _, kf := range sensor.Keyframes {
			if kf.T > max {
				max = kf.T
			}
		}
		for _, w := range sensor.Fail {
			if w.To > max {
				max = w.To
			}
		}
	}
	return max
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
