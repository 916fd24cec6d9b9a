package interval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registry's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Timers     *prometheus.GaugeVec
	Ticks      *prometheus.CounterVec
	Panics     *prometheus.CounterVec
	Operations *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Timers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intervalpool_timers",
			Help: "Registered timers by state (running or stopped)",
		}, []string{"state"}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intervalpool_ticks_total",
			Help: "Callback invocations per timer id",
		}, []string{"id"}),
		Panics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intervalpool_tick_panics_total",
			Help: "Callback panics recovered per timer id",
		}, []string{"id"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intervalpool_operations_total",
			Help: "Registry operations by kind",
		}, []string{"op"}),
	}
}

func (m *Metrics) op(name string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(name).Inc()
}

func (m *Metrics) tick(id string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(id).Inc()
}

func (m *Metrics) panicked(id string) {
	if m == nil {
		return
	}
	m.Panics.WithLabelValues(id).Inc()
}

func (m *Metrics) setCounts(running, stopped int) {
	if m == nil {
		return
	}
	m.Timers.WithLabelValues("running").Set(float64(running))
	m.Timers.WithLabelValues("stopped").Set(float64(stopped))
}

// forget drops per-id series once an id is removed.
func (m *Metrics) forget(id string) {
	if m == nil {
		return
	}
	m.Ticks.DeleteLabelValues(id)
	m.Panics.DeleteLabelValues(id)
}
