package engine

import "time"

// Frame is the compact per-cycle view pushed to live consumers (SSE, UDP).
type Frame struct {
	Seq      uint64        `json:"seq"`
	At       time.Time     `json:"at"`
	State    string        `json:"state"`
	Skipped  bool          `json:"skipped,omitempty"`
	Elapsed  float64       `json:"elapsed_s,omitempty"`
	AlertKey string        `json:"alert_key,omitempty"`
	Sensors  []FrameSensor `json:"sensors"`
}

// FrameSensor carries a sensor's last known good orientation; OK reports
// whether this cycle's read succeeded.
type FrameSensor struct {
	ID    int     `json:"id"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	OK    bool    `json:"ok"`
}

func (r Report) Frame() Frame {
	f := Frame{
		Seq:     r.Seq,
		At:      r.At.UTC(),
		State:   r.Decision.State.String(),
		Skipped: r.Decision.Skipped,
		Elapsed: r.Decision.Elapsed.Seconds(),
		Sensors: make([]FrameSensor, len(r.Slots)),
	}
	if r.Decision.Alert != nil {
		f.AlertKey = r.Decision.Alert.Key
	}
	for i, s := range r.Slots {
		f.Sensors[i] = FrameSensor{
			ID:    s.SensorID,
			Roll:  s.LastOrientation.RollDeg,
			Pitch: s.LastOrientation.PitchDeg,
			OK:    s.LastReadOK,
		}
	}
	return f
}
