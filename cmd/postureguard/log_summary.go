package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"postureguard/internal/orientation"
	"postureguard/internal/replay"
)

type sensorSummary struct {
	Readings   int
	Failures   int
	Degenerate int
}

type logSummary struct {
	Segments    int
	Cycles      int
	Readings    int
	MaxDuration time.Duration
	Sensors     map[int]*sensorSummary
}

func summarizeRecording(records []replay.Record) logSummary {
	s := logSummary{Sensors: map[int]*sensorSummary{}}
	if len(records) == 0 {
		return s
	}

	segments := 0
	hasReadings := false
	for _, r := range records {
		if r.Start {
			segments++
			continue
		}
		hasReadings = true
		s.Readings++
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}

		ss := s.Sensors[r.SensorID]
		if ss == nil {
			ss = &sensorSummary{}
			s.Sensors[r.SensorID] = ss
		}
		ss.Readings++
		if r.Failed {
			ss.Failures++
			continue
		}
		if _, err := orientation.FromAcceleration(r.Accel); err != nil {
			ss.Degenerate++
		}
	}
	if segments == 0 && hasReadings {
		segments = 1
	}
	s.Segments = segments
	s.Cycles = len(replay.Frames(records))
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.LoadFile(path)
	if err != nil {
		return err
	}
	s := summarizeRecording(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "cycles: %d\n", s.Cycles)
	fmt.Fprintf(w, "readings: %d\n", s.Readings)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	ids := make([]int, 0, len(s.Sensors))
	for id := range s.Sensors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fmt.Fprintf(w, "sensors:\n")
	for _, id := range ids {
		ss := s.Sensors[id]
		fmt.Fprintf(w, "  %d: readings=%d failures=%d degenerate=%d\n", id, ss.Readings, ss.Failures, ss.Degenerate)
	}
	return nil
}
