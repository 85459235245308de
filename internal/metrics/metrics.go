// Package metrics exposes controller activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heating"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	roomTemp    *prometheus.GaugeVec
	targetTemp  *prometheus.GaugeVec
	engineState *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	training    *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	tickSeconds prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by room, decision and source.",
		}, []string{"room", "decision", "source"}),
		roomTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_temperature_celsius",
			Help:      "Last temperature reading per room.",
		}, []string{"room"}),
		targetTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_celsius",
			Help:      "Resolved target temperature per room.",
		}, []string{"room"}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_on",
			Help:      "Last commanded actuator state per room (1 on, 0 off).",
		}, []string{"room"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_completed_total",
			Help:      "Closed heating cycles kept in history.",
		}, []string{"room"}),
		training: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Model training runs by room and result.",
		}, []string{"room", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_skipped_total",
			Help:      "Rooms skipped in a tick by reason.",
		}, []string{"reason"}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one evaluation tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
	reg.MustRegister(
		m.decisions,
		m.roomTemp,
		m.targetTemp,
		m.engineState,
		m.cycles,
		m.training,
		m.skipped,
		m.tickSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Decision(room, decision, source string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(room, decision, source).Inc()
}

func (m *Metrics) Temperatures(room string, current, target float64) {
	if m == nil {
		return
	}
	m.roomTemp.WithLabelValues(room).Set(current)
	m.targetTemp.WithLabelValues(room).Set(target)
}

func (m *Metrics) EngineState(room string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.engineState.WithLabelValues(room).Set(v)
}

func (m *Metrics) CycleCompleted(room string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(room).Inc()
}

func (m *Metrics) Training(room string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.training.WithLabelValues(room, result).Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickSeconds.Observe(d.Seconds())
}
