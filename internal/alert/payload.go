package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"postureguard/internal/posture"
)

// SensorValue is one sensor's entry in the keyed sensors document.
type SensorValue struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	OK    bool    `json:"ok"`
}

// Payload is the document every sink stores or publishes for one alert.
type Payload struct {
	Key             string                 `json:"key"`
	Timestamp       time.Time              `json:"timestamp"`
	Status          string                 `json:"status"`
	InstanceID      string                 `json:"instance_id"`
	Source          string                 `json:"source,omitempty"`
	ReferenceSensor int                    `json:"reference_sensor"`
	EpisodeStart    time.Time              `json:"episode_start"`
	ElapsedSeconds  float64                `json:"elapsed_s"`
	Sensors         map[string]SensorValue `json:"sensors"`
	Snapshot        []posture.Reading      `json:"snapshot"`
}

// SensorLabel names sensor id 0 "sensor1", id 1 "sensor2", and so on.
func SensorLabel(id int) string {
	return fmt.Sprintf("sensor%d", id+1)
}

func NewPayload(key string, ev posture.AlertEvent, instanceID string) Payload {
	p := Payload{
		Key:             key,
		Timestamp:       ev.Timestamp.UTC(),
		Status:          ev.Status,
		InstanceID:      instanceID,
		Source:          ev.Source,
		ReferenceSensor: ev.ReferenceSensor,
		EpisodeStart:    ev.EpisodeStart.UTC(),
		ElapsedSeconds:  ev.Elapsed.Seconds(),
		Sensors:         make(map[string]SensorValue, len(ev.Snapshot)),
		Snapshot:        append([]posture.Reading(nil), ev.Snapshot...),
	}
	for _, r := range ev.Snapshot {
		p.Sensors[SensorLabel(r.SensorID)] = SensorValue{
			Roll:  r.Orientation.RollDeg,
			Pitch: r.Orientation.PitchDeg,
			OK:    r.OK,
		}
	}
	return p
}

func (p Payload) JSON() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("alert: encode payload: %w", err)
	}
	return b, nil
}
