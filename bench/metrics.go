package bench

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the bench's prometheus collectors, on their own registry
type Metrics struct {
	Measurements    *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	Runs            *prometheus.CounterVec
	BatchIterations prometheus.Counter
	Monitor         prometheus.Gauge

	reg *prometheus.Registry
}

// NewMetrics registers the collectors.  connected reports whether a scope
// session is open
func NewMetrics(connected func() bool) *Metrics {
	m := &Metrics{
		Measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scopebench",
			Name:      "measurements_total",
			Help:      "Measurements taken, by kind.",
		}, []string{"kind"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scopebench",
			Name:      "measurement_failures_total",
			Help:      "Measurements which failed, by kind.",
		}, []string{"kind"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scopebench",
			Name:      "runs_total",
			Help:      "Script runs, by outcome.",
		}, []string{"outcome"}),
		BatchIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "scopebench",
			Name:      "batch_iterations_total",
			Help:      "Completed batch iterations.",
		}),
		Monitor: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "scopebench",
			Name:      "monitor_value",
			Help:      "Latest value of the home page monitor measurement.",
		}),
		reg: prometheus.NewRegistry(),
	}
	m.reg.MustRegister(m.Measurements, m.Failures, m.Runs, m.BatchIterations, m.Monitor)
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "scopebench",
		Name:      "connected",
		Help:      "1 if a scope session is open.",
	}, func() float64 {
		if connected() {
			return 1
		}
		return 0
	}))
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
