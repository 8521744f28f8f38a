// Package metrics exposes the monitor's Prometheus metrics, a domain-stack
// addition grounded on the cuemby-warren pack entry's client_golang wiring
// (other_examples references aside, warren's own go.mod pulls in
// github.com/prometheus/client_golang the same way this package does:
// promauto-registered collectors served over an HTTP handler), adapted
// here to this monitor's own container lifecycle counters/gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the monitor's process-wide metric set.
type Metrics struct {
	ContainersCreatedTotal   prometheus.Counter
	ContainersRunning        prometheus.Gauge
	ContainerExitsTotal      *prometheus.CounterVec
	OOMKillsTotal            prometheus.Counter
	AttachSessionsActive     prometheus.Gauge
	LogDriverDegradedTotal   prometheus.Counter
	RPCRequestDuration       *prometheus.HistogramVec
}

// New registers every collector against reg and returns the set.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContainersCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conmon_go",
			Name:      "containers_created_total",
			Help:      "Total number of CreateContainer calls that succeeded.",
		}),
		ContainersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conmon_go",
			Name:      "containers_running",
			Help:      "Number of containers currently tracked by the registry.",
		}),
		ContainerExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conmon_go",
			Name:      "container_exits_total",
			Help:      "Total number of reaped container exits, labeled by outcome.",
		}, []string{"outcome"}),
		OOMKillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conmon_go",
			Name:      "oom_kills_total",
			Help:      "Total number of containers observed to have been OOM killed.",
		}),
		AttachSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conmon_go",
			Name:      "attach_sessions_active",
			Help:      "Number of containers with an open attach socket.",
		}),
		LogDriverDegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conmon_go",
			Name:      "log_driver_degraded_total",
			Help:      "Total number of log drivers that transitioned to degraded.",
		}),
		RPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conmon_go",
			Name:      "rpc_request_duration_seconds",
			Help:      "RPC request latency in seconds, labeled by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler returns the HTTP handler to mount at the monitor's metrics
// endpoint, serving exactly the collectors registered against reg (the
// same registry passed to New) rather than the global default registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
