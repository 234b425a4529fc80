// Package metrics holds the Prometheus collectors shared by the registry and
// the plugin endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "image_volume"

var (
	// Registry is the collector registry served on /metrics.
	Registry = prometheus.NewRegistry()

	// RegistryLockWait observes how long opening the volume registry waited
	// for its file lock.
	RegistryLockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the volume registry lock.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"mode"})

	// PluginRequests counts volume plugin requests by endpoint and status code.
	PluginRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "requests_total",
		Help:      "Volume plugin requests handled.",
	}, []string{"endpoint", "code"})

	// ImageResolutions counts image path lookups by runtime and outcome.
	ImageResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Image layer path resolutions by outcome.",
	}, []string{"runtime", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RegistryLockWait,
		PluginRequests,
		ImageResolutions,
	)
}
