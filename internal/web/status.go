package web

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"postureguard/internal/engine"
	"postureguard/internal/posture"
)

// Status tracks service-level facts the engine does not own: uptime, the
// sensor source, and cycle bookkeeping. It is an engine.Observer.
type Status struct {
	startUnixNano int64
	cycles        uint64
	lastCycleNano int64
	lastTookNano  int64
	mode          atomic.Value // string
	instanceID    atomic.Value // string
	period        atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.instanceID.Store("")
	s.period.Store("")
	return s
}

func (s *Status) SetStatic(mode string, instanceID string, period time.Duration) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if instanceID != "" {
		s.instanceID.Store(instanceID)
	}
	if period > 0 {
		s.period.Store(period.String())
	}
}

// ObserveCycle implements engine.Observer.
func (s *Status) ObserveCycle(r engine.Report) {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	atomic.AddUint64(&s.cycles, 1)
	atomic.StoreInt64(&s.lastCycleNano, at.UTC().UnixNano())
	atomic.StoreInt64(&s.lastTookNano, int64(r.Took))
}

type PostureView struct {
	State            string  `json:"state"`
	EpisodeStartUTC  string  `json:"episode_start_utc,omitempty"`
	EpisodeAge       string  `json:"episode_age,omitempty"`
	EpisodeAgeSec    float64 `json:"episode_age_sec,omitempty"`
	AlertSent        bool    `json:"alert_sent_for_episode"`
	Episodes         uint64  `json:"episodes"`
	AlertsSent       uint64  `json:"alerts_sent"`
	DispatchFailures uint64  `json:"dispatch_failures"`
	LastAlertKey     string  `json:"last_alert_key,omitempty"`
	LastAlertUTC     string  `json:"last_alert_utc,omitempty"`
	LastAlertAgo     string  `json:"last_alert_ago,omitempty"`
}

type ThresholdsView struct {
	ReferenceSensor int     `json:"reference_sensor"`
	PitchBaseDeg    float64 `json:"pitch_base_deg"`
	RollBaseDeg     float64 `json:"roll_base_deg"`
	ToleranceDeg    float64 `json:"tolerance_deg"`
	Sustained       string  `json:"sustained"`
	StatusLabel     string  `json:"status_label"`
}

type StatusSnapshot struct {
	Service       string          `json:"service"`
	Version       string          `json:"version,omitempty"`
	NowUTC        string          `json:"now_utc"`
	UptimeSec     int64           `json:"uptime_sec"`
	Mode          string          `json:"mode"`
	InstanceID    string          `json:"instance_id"`
	Period        string          `json:"period"`
	Cycles        uint64          `json:"cycles"`
	LastCycleUTC  string          `json:"last_cycle_utc,omitempty"`
	LastCycleTook string          `json:"last_cycle_took,omitempty"`
	Posture       *PostureView    `json:"posture,omitempty"`
	Thresholds    *ThresholdsView `json:"thresholds,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time, mon MonitorView) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	snap := StatusSnapshot{
		Service:    "postureguard",
		Version:    buildVersion(),
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		Mode:       s.mode.Load().(string),
		InstanceID: s.instanceID.Load().(string),
		Period:     s.period.Load().(string),
		Cycles:     atomic.LoadUint64(&s.cycles),
	}
	if last := atomic.LoadInt64(&s.lastCycleNano); last != 0 {
		snap.LastCycleUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
		snap.LastCycleTook = time.Duration(atomic.LoadInt64(&s.lastTookNano)).String()
	}
	if mon != nil {
		pv := postureView(mon.Status(), nowUTC)
		snap.Posture = &pv
		cfg := mon.Config()
		snap.Thresholds = &ThresholdsView{
			ReferenceSensor: cfg.ReferenceSensor,
			PitchBaseDeg:    cfg.PitchBaseDeg,
			RollBaseDeg:     cfg.RollBaseDeg,
			ToleranceDeg:    cfg.ToleranceDeg,
			Sustained:       cfg.Sustained.String(),
			StatusLabel:     cfg.StatusLabel,
		}
	}
	return snap
}

func postureView(st posture.Status, now time.Time) PostureView {
	pv := PostureView{
		State:            st.State.String(),
		AlertSent:        st.AlertSent,
		Episodes:         st.Episodes,
		AlertsSent:       st.AlertsSent,
		DispatchFailures: st.DispatchFailures,
		LastAlertKey:     st.LastAlertKey,
	}
	if !st.EpisodeStart.IsZero() {
		pv.EpisodeStartUTC = st.EpisodeStart.UTC().Format(time.RFC3339Nano)
		pv.EpisodeAge = humanize.RelTime(st.EpisodeStart, now, "", "")
		pv.EpisodeAgeSec = now.Sub(st.EpisodeStart).Seconds()
	}
	if !st.LastAlertAt.IsZero() {
		pv.LastAlertUTC = st.LastAlertAt.UTC().Format(time.RFC3339Nano)
		pv.LastAlertAgo = humanize.RelTime(st.LastAlertAt, now, "ago", "from now")
	}
	return pv
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return ""
	}
	v := bi.Main.Version
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			v += "+" + s.Value[:7]
		}
	}
	return v
}
