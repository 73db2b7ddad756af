// Package metrics exposes the taskserver's Prometheus collectors, mirroring
// the package-level-singleton style the rest of the corpus uses for its own
// metrics packages: Init builds a dedicated registry, and every Record*/Set*
// function below no-ops until Init has run so callers never need a nil
// check of their own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	registry *prometheus.Registry

	executorsConnected    prometheus.Gauge
	registrationsTotal    *prometheus.CounterVec
	tasksDispatchedTotal  *prometheus.CounterVec
	tasksInFlight         prometheus.Gauge
	replayRejectionsTotal prometheus.Counter
	dispatchLatency       prometheus.Histogram
}

var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var m *collectors

// Init builds the metrics registry under namespace. It must be called once
// before Handler or any Record*/Set* use, typically from cmd/taskserver's
// startup path; calling any recorder before Init is a harmless no-op.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &collectors{
		registry: registry,
		executorsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executors_connected",
			Help:      "Number of executors with a live GetTasks stream.",
		}),
		registrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Executor registration attempts by outcome.",
		}, []string{"outcome"}),
		tasksDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "LaunchTask dispatch attempts by outcome.",
		}, []string{"outcome"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks still awaiting a terminal result from at least one executor.",
		}),
		replayRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Envelopes rejected because their (key_id, nonce) pair was already observed.",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Milliseconds from LaunchTask receipt to the executor snapshot/match pass completing.",
			Buckets:   defaultLatencyBuckets,
		}),
	}

	registry.MustRegister(
		c.executorsConnected,
		c.registrationsTotal,
		c.tasksDispatchedTotal,
		c.tasksInFlight,
		c.replayRejectionsTotal,
		c.dispatchLatency,
	)
	m = c
}

// SetExecutorsConnected records the current live-connection count.
func SetExecutorsConnected(n int) {
	if m == nil {
		return
	}
	m.executorsConnected.Set(float64(n))
}

// RecordRegistration records a Register outcome: "ok", "pending", or
// "key_mismatch".
func RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a LaunchTask dispatch outcome: "matched",
// "broadcast", or "no_match".
func RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.tasksDispatchedTotal.WithLabelValues(outcome).Inc()
}

// SetTasksInFlight records the current InFlightTask registry size.
func SetTasksInFlight(n int) {
	if m == nil {
		return
	}
	m.tasksInFlight.Set(float64(n))
}

// RecordReplayRejection records one envelope rejected as a replay.
func RecordReplayRejection() {
	if m == nil {
		return
	}
	m.replayRejectionsTotal.Inc()
}

// RecordDispatchLatency records the LaunchTask-to-match-pass duration.
func RecordDispatchLatency(ms float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(ms)
}

// Handler returns an http.Handler serving the registry in the Prometheus
// text exposition format. It initializes a default registry if Init was
// never called.
func Handler() http.Handler {
	if m == nil {
		Init("funtonic")
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
