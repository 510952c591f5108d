// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "flashexec"

// Metrics holds every collector the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	detected    *prometheus.CounterVec
	evaluated   *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	retries     prometheus.Counter
	inFlight    prometheus.Gauge
	realized    *prometheus.CounterVec
	submitDur   prometheus.Histogram
	loopErrors  *prometheus.CounterVec
	haltedGauge prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunities_detected_total",
			Help: "Opportunities emitted by the detector.",
		}, []string{"kind"}),
		evaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunities_evaluated_total",
			Help: "Evaluation results by kind and viability.",
		}, []string{"kind", "viable"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Terminal execution outcomes.",
		}, []string{"kind", "state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "opportunities_dropped_total",
			Help: "Opportunities dropped before execution.",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submission_retries_total",
			Help: "Bundle submissions retried after a transient failure.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "executions_in_flight",
			Help: "Executions currently running.",
		}),
		realized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realized_profit_total",
			Help: "Sum of positive realized profit in the quote currency.",
		}, []string{"kind"}),
		submitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "submission_duration_seconds",
			Help:    "Latency of one bundle submission attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_errors_total",
			Help: "Recovered scheduler loop failures.",
		}, []string{"loop"}),
		haltedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "halted",
			Help: "1 when the engine has halted.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.detected, m.evaluated, m.outcomes, m.dropped, m.retries,
		m.inFlight, m.realized, m.submitDur, m.loopErrors, m.haltedGauge,
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

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Detected(kind string) {
	if m != nil {
		m.detected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Evaluated(kind string, viable bool) {
	if m == nil {
		return
	}
	v := "false"
	if viable {
		v = "true"
	}
	m.evaluated.WithLabelValues(kind, v).Inc()
}

func (m *Metrics) Outcome(kind, state string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind, state).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) InFlight(delta float64) {
	if m != nil {
		m.inFlight.Add(delta)
	}
}

// Realized adds a positive realized profit. Losses are not counted.
func (m *Metrics) Realized(kind string, profit decimal.Decimal) {
	if m == nil || !profit.IsPositive() {
		return
	}
	m.realized.WithLabelValues(kind).Add(profit.InexactFloat64())
}

func (m *Metrics) ObserveSubmit(seconds float64) {
	if m != nil {
		m.submitDur.Observe(seconds)
	}
}

func (m *Metrics) LoopError(loop string) {
	if m != nil {
		m.loopErrors.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.haltedGauge.Set(1)
		return
	}
	m.haltedGauge.Set(0)
}
