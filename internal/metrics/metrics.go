package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postureguard/internal/engine"
	"postureguard/internal/posture"
)

type Metrics struct {
	reg *prometheus.Registry

	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	sensorReads    *prometheus.CounterVec
	orientationDeg *prometheus.GaugeVec
	postureState   prometheus.Gauge
	episodes       prometheus.Counter
	alerts         *prometheus.CounterVec
	skippedCycles  prometheus.Counter
	sinkDispatches *prometheus.CounterVec
}

// New registers all collectors on a private registry (plus the Go and
// process collectors) so tests can create as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postureguard_cycles_total",
			Help: "Total sampling cycles executed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postureguard_cycle_duration_seconds",
			Help:    "Time spent polling, evaluating and dispatching per cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		sensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postureguard_sensor_reads_total",
			Help: "Sensor reads by sensor and result (ok, error, degenerate).",
		}, []string{"sensor", "result"}),
		orientationDeg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postureguard_orientation_degrees",
			Help: "Last known good orientation per sensor and axis.",
		}, []string{"sensor", "axis"}),
		postureState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postureguard_posture_state",
			Help: "Posture state (0 good, 1 bad pending, 2 bad alerted).",
		}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postureguard_episodes_total",
			Help: "Deviation episodes opened.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postureguard_alerts_total",
			Help: "Alerts emitted by dispatch result.",
		}, []string{"result"}),
		skippedCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postureguard_skipped_evaluations_total",
			Help: "Cycles where the reference sensor had no valid reading.",
		}),
		sinkDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postureguard_sink_dispatches_total",
			Help: "Per-sink alert deliveries by result.",
		}, []string{"sink", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.sensorReads,
		m.orientationDeg,
		m.postureState,
		m.episodes,
		m.alerts,
		m.skippedCycles,
		m.sinkDispatches,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SensorRead implements sensorarray.Observer.
func (m *Metrics) SensorRead(sensorID int, ok bool, degenerate bool) {
	result := "ok"
	switch {
	case degenerate:
		result = "degenerate"
	case !ok:
		result = "error"
	}
	m.sensorReads.WithLabelValues(strconv.Itoa(sensorID), result).Inc()
}

// SinkResult records one sink's delivery outcome (see alert.Fanout).
func (m *Metrics) SinkResult(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkDispatches.WithLabelValues(sink, result).Inc()
}

// ObserveCycle implements engine.Observer.
func (m *Metrics) ObserveCycle(r engine.Report) {
	m.cycles.Inc()
	m.cycleDuration.Observe(r.Took.Seconds())
	for _, s := range r.Slots {
		if !s.HasReading {
			continue
		}
		id := strconv.Itoa(s.SensorID)
		m.orientationDeg.WithLabelValues(id, "roll").Set(s.LastOrientation.RollDeg)
		m.orientationDeg.WithLabelValues(id, "pitch").Set(s.LastOrientation.PitchDeg)
	}

	d := r.Decision
	m.postureState.Set(float64(d.State))
	if d.Skipped {
		m.skippedCycles.Inc()
	}
	if d.Prev == posture.Good && d.State != posture.Good {
		m.episodes.Inc()
	}
	if d.Alert != nil {
		if d.DispatchErr != nil {
			m.alerts.WithLabelValues("failed").Inc()
		} else {
			m.alerts.WithLabelValues("sent").Inc()
		}
	}
}
