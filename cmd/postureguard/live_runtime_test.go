package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postureguard/internal/config"
	"postureguard/internal/orientation"
	"postureguard/internal/posture"
	"postureguard/internal/replay"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

const slouchScenario = `
version: 1
sensors:
  - keyframes:
      - t: 0s
        roll_deg: 0
        pitch_deg: 45
      - t: 60s
        roll_deg: 0
        pitch_deg: 45
  - keyframes:
      - t: 0s
        roll_deg: 0
        pitch_deg: 0
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func baseConfig() config.Config {
	rollBase := 0.0
	return config.Config{
		Sensors: []config.SensorConfig{{Name: "back"}, {Name: "neck", Bus: 1}},
		Monitor: config.MonitorConfig{
			RollBaseDeg: &rollBase,
			Sustained:   3 * time.Second,
			Period:      time.Second,
		},
		Web: config.WebConfig{Listen: "127.0.0.1:0"},
	}
}

func TestLiveRuntime_SimScenarioAlertsOncePerEpisode(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Source = config.SourceSim
	cfg.Sim.Scenario = writeFile(t, dir, "slouch.yaml", slouchScenario)
	cfg.Record = config.RecordConfig{Enable: true, Path: filepath.Join(dir, "rec.log")}

	clk := &testClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	rt, err := newLiveRuntime(context.Background(), cfg, runtimeOptions{InstanceID: "test-instance", Clock: clk})
	if err != nil {
		t.Fatalf("newLiveRuntime: %v", err)
	}

	for i := 0; i < 6; i++ {
		rep := rt.engine.Tick(context.Background())
		if i == 2 && rep.Decision.Alert == nil {
			t.Fatalf("expected alert on cycle 3, decision=%+v", rep.Decision)
		}
		clk.Advance(time.Second)
	}
	st := rt.monitor.Status()
	if st.State != posture.BadAlerted {
		t.Fatalf("state=%s want BAD_ALERTED", st.State)
	}
	if st.AlertsSent != 1 || st.Episodes != 1 {
		t.Fatalf("alerts=%d episodes=%d want 1/1", st.AlertsSent, st.Episodes)
	}

	slots := rt.array.Snapshot()
	if d := slots[0].LastOrientation.PitchDeg; d < 44.9 && d > -44.9 {
		t.Fatalf("sensor 0 pitch=%v want |45|", d)
	}

	rt.Close()
	recs, err := replay.LoadFile(cfg.Record.Path)
	if err != nil {
		t.Fatalf("load recording: %v", err)
	}
	if got := len(replay.Frames(recs)); got != 6 {
		t.Fatalf("recorded cycles=%d want 6", got)
	}
}

func TestLiveRuntime_ReplayStopsWhenExhausted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.log")
	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	w, err := replay.CreateWriter(path, start)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	level := orientation.ToAcceleration(orientation.Sample{})
	for i := 0; i < 4; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		if err := w.WriteReading(at, 0, level, nil); err != nil {
			t.Fatalf("WriteReading: %v", err)
		}
		if err := w.WriteReading(at, 1, level, nil); err != nil {
			t.Fatalf("WriteReading: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg := baseConfig()
	cfg.Source = config.SourceReplay
	cfg.Replay.Path = path

	rt, err := newLiveRuntime(context.Background(), cfg, runtimeOptions{InstanceID: "test-instance", Clock: &testClock{now: start}})
	if err != nil {
		t.Fatalf("newLiveRuntime: %v", err)
	}
	defer rt.Close()

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop after replay")
	}

	if got := rt.engine.Last().Seq; got != 4 {
		t.Fatalf("cycles=%d want 4", got)
	}
	if st := rt.monitor.Status(); st.State != posture.Good {
		t.Fatalf("state=%s want GOOD", st.State)
	}
}

func TestLiveRuntime_InvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Source = config.SourceSim
	if _, err := newLiveRuntime(context.Background(), cfg, runtimeOptions{InstanceID: "x"}); err == nil {
		t.Fatalf("expected error for sim source without scenario")
	}

	cfg.Sim.Scenario = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newLiveRuntime(context.Background(), cfg, runtimeOptions{InstanceID: "x"}); err == nil {
		t.Fatalf("expected error for missing scenario file")
	}
}

func TestLiveRuntime_RequiresInstanceID(t *testing.T) {
	if _, err := newLiveRuntime(context.Background(), baseConfig(), runtimeOptions{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLiveRuntime_WebDepsOmitAbsentCollaborators(t *testing.T) {
	cfg := baseConfig()
	cfg.Source = config.SourceSim
	cfg.Sim.Scenario = writeFile(t, t.TempDir(), "slouch.yaml", slouchScenario)
	rt, err := newLiveRuntime(context.Background(), cfg, runtimeOptions{InstanceID: "x"})
	if err != nil {
		t.Fatalf("newLiveRuntime: %v", err)
	}
	defer rt.Close()

	d := rt.webDeps()
	if d.Devices != nil {
		t.Fatalf("devices should be nil without hardware source")
	}
	if d.Alerts != nil {
		t.Fatalf("alerts should be nil without sql sink")
	}
	if d.Monitor == nil || d.Slots == nil || d.Metrics == nil {
		t.Fatalf("missing core deps: %+v", d)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789"); got != "01234567" {
		t.Fatalf("got=%q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("got=%q", got)
	}
}
