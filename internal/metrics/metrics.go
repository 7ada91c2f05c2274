// Package metrics exposes Prometheus collectors for recursion runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rlm"

// Run and call outcome labels.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"

	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the controller's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	runs            *prometheus.CounterVec
	runDepth        prometheus.Histogram
	modelCalls      *prometheus.CounterVec
	modelLatency    prometheus.Histogram
	snippets        *prometheus.CounterVec
	snippetDuration *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
}

// MustNewMetrics builds the collectors and registers them with reg, reusing
// collectors that are already registered under the same name. Any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Processed tasks by final status.",
		}, []string{"status"}),
		runDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_depth",
			Help:      "Recursion depth reached by finished runs.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model gateway calls by outcome.",
		}, []string{"outcome"}),
		modelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Latency of model gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		snippets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snippet",
			Name:      "executions_total",
			Help:      "Executed snippets by dialect and outcome.",
		}, []string{"dialect", "outcome"}),
		snippetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snippet",
			Name:      "duration_seconds",
			Help:      "Snippet execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"dialect"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Tasks currently being processed.",
		}),
	}

	m.runs = register(reg, m.runs)
	m.runDepth = register(reg, m.runDepth)
	m.modelCalls = register(reg, m.modelCalls)
	m.modelLatency = register(reg, m.modelLatency)
	m.snippets = register(reg, m.snippets)
	m.snippetDuration = register(reg, m.snippetDuration)
	m.activeRuns = register(reg, m.activeRuns)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RunStarted marks a task as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a finished task with its status and the depth it reached.
func (m *Metrics) RunFinished(status string, depth int) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status).Inc()
	m.runDepth.Observe(float64(depth))
}

// ObserveModelCall records one gateway call.
func (m *Metrics) ObserveModelCall(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.modelCalls.WithLabelValues(outcome).Inc()
	m.modelLatency.Observe(d.Seconds())
}

// ObserveSnippet records one snippet execution.
func (m *Metrics) ObserveSnippet(dialect string, succeeded bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !succeeded {
		outcome = OutcomeError
	}
	m.snippets.WithLabelValues(dialect, outcome).Inc()
	m.snippetDuration.WithLabelValues(dialect).Observe(d.Seconds())
}
