package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodehost"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	nodeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "starts_total",
			Help:      "Number of node starts that survived the settle window.",
		}, []string{"node"},
	)
	nodeStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "start_failures_total",
			Help:      "Number of node starts that failed within the settle window.",
		}, []string{"node"},
	)
	nodeStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "stops_total",
			Help:      "Number of stop requests.",
		}, []string{"node"},
	)
	nodeExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "exits_total",
			Help:      "Number of observed worker exits.",
		}, []string{"node"},
	)
	settleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "settle_duration_seconds",
			Help:      "Time until a start was decided (failure or end of settle window).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"},
	)
	runningNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "running",
			Help:      "Number of nodes with a registered worker process.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"node", "from", "to"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the worker process.",
		}, []string{"node"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the worker process.",
		}, []string{"node"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{nodeStarts, nodeStartFailures, nodeStops, nodeExits, settleDuration, runningNodes, stateTransitions, cpuPercent, memoryRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer, keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(node string) {
	if regOK.Load() {
		nodeStarts.WithLabelValues(node).Inc()
	}
}

func IncStartFailure(node string) {
	if regOK.Load() {
		nodeStartFailures.WithLabelValues(node).Inc()
	}
}

func IncStop(node string) {
	if regOK.Load() {
		nodeStops.WithLabelValues(node).Inc()
	}
}

func IncExit(node string) {
	if regOK.Load() {
		nodeExits.WithLabelValues(node).Inc()
	}
}

func ObserveSettle(node string, seconds float64) {
	if regOK.Load() {
		settleDuration.WithLabelValues(node).Observe(seconds)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningNodes.Set(float64(n))
	}
}

func RecordStateTransition(node, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(node, from, to).Inc()
	}
}

func SetResourceUsage(node string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(node).Set(cpu)
		memoryRSS.WithLabelValues(node).Set(float64(rss))
	}
}

// Forget drops the per-node series of a deleted node.
func Forget(node string) {
	if !regOK.Load() {
		return
	}
	labels := prometheus.Labels{"node": node}
	nodeStarts.DeletePartialMatch(labels)
	nodeStartFailures.DeletePartialMatch(labels)
	nodeStops.DeletePartialMatch(labels)
	nodeExits.DeletePartialMatch(labels)
	settleDuration.DeletePartialMatch(labels)
	stateTransitions.DeletePartialMatch(labels)
	cpuPercent.DeletePartialMatch(labels)
	memoryRSS.DeletePartialMatch(labels)
}
