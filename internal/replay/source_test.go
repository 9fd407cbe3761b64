package replay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postureguard/internal/orientation"
	"postureguard/internal/sensorarray"
)

func recs() []Record {
	return []Record{
		{Start: true},
		{SensorID: 0, Accel: orientation.Acceleration{Y: 1}},
		{SensorID: 1, Accel: orientation.Acceleration{Z: 1}},
		{At: time.Second, SensorID: 0, Failed: true},
		{At: time.Second, SensorID: 1, Accel: orientation.Acceleration{X: 1}},
		{Start: true},
		{SensorID: 1, Accel: orientation.Acceleration{Z: -1}},
	}
}

func TestFrames_GroupsByCycle(t *testing.T) {
	frames := Frames(recs())
	if len(frames) != 3 {
		t.Fatalf("frames=%d want 3", len(frames))
	}
	if len(frames[0]) != 2 || len(frames[1]) != 2 || len(frames[2]) != 1 {
		t.Fatalf("unexpected frame sizes: %d %d %d", len(frames[0]), len(frames[1]), len(frames[2]))
	}
}

func TestSource_ServesFramesPerCycle(t *testing.T) {
	src, err := NewSource(recs(), false)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	ctx := context.Background()
	now := time.Now()

	src.BeginCycle(now)
	a, err := src.ReadAcceleration(ctx, 0)
	if err != nil || a.Y != 1 {
		t.Fatalf("frame 0 sensor 0: a=%+v err=%v", a, err)
	}

	src.BeginCycle(now)
	if _, err := src.ReadAcceleration(ctx, 0); !errors.Is(err, ErrRecordedFailure) {
		t.Fatalf("err=%v want ErrRecordedFailure", err)
	}

	src.BeginCycle(now)
	if _, err := src.ReadAcceleration(ctx, 0); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("err=%v want ErrNoRecord", err)
	}
	if src.Exhausted() {
		t.Fatalf("not exhausted on last frame")
	}

	src.BeginCycle(now)
	if !src.Exhausted() {
		t.Fatalf("expected exhausted")
	}
	if _, err := src.ReadAcceleration(ctx, 1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v want ErrExhausted", err)
	}
}

func TestSource_Loop(t *testing.T) {
	src, err := NewSource(recs(), true)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	for i := 0; i < src.Len()+1; i++ {
		src.BeginCycle(time.Now())
	}
	if src.Exhausted() {
		t.Fatalf("looping source never exhausts")
	}
	a, err := src.ReadAcceleration(context.Background(), 1)
	if err != nil || a.Z != 1 {
		t.Fatalf("looped to frame 0: a=%+v err=%v", a, err)
	}
}

func TestSource_Errors(t *testing.T) {
	if _, err := NewSource(nil, false); err == nil {
		t.Fatalf("expected error for empty log")
	}
	src, err := NewSource(recs(), false)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if _, err := src.ReadAcceleration(context.Background(), -1); !errors.Is(err, sensorarray.ErrInvalidSensor) {
		t.Fatalf("err=%v want ErrInvalidSensor", err)
	}
}

func TestRecorder_WritesEveryOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.log")
	t0 := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	w, err := CreateWriter(path, t0)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}

	inner := sensorarray.ReaderFunc(func(_ context.Context, id int) (orientation.Acceleration, error) {
		if id == 1 {
			return orientation.Acceleration{}, errors.New("nack")
		}
		return orientation.Acceleration{Y: 1}, nil
	})
	rec := NewRecorder(inner, w, func() time.Time { return t0 }, nil)

	if _, err := rec.ReadAcceleration(context.Background(), 0); err != nil {
		t.Fatalf("read 0: %v", err)
	}
	if _, err := rec.ReadAcceleration(context.Background(), 1); err == nil {
		t.Fatalf("read 1: expected passthrough error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes to a closed writer are swallowed.
	if _, err := rec.ReadAcceleration(context.Background(), 0); err != nil {
		t.Fatalf("read after close: %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	src, err := NewSource(got, false)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	src.BeginCycle(t0)
	a, err := src.ReadAcceleration(context.Background(), 0)
	if err != nil || a.Y != 1 {
		t.Fatalf("replayed sensor 0: a=%+v err=%v", a, err)
	}
	if _, err := src.ReadAcceleration(context.Background(), 1); !errors.Is(err, ErrRecordedFailure) {
		t.Fatalf("replayed sensor 1: err=%v want ErrRecordedFailure", err)
	}
}
