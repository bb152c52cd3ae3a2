package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the metrics registry
// that orchestration collectors are registered on. This allows consumers to
// expose metrics via their chosen method (e.g., a Prometheus HTTP endpoint).
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing Lightning metrics.
	Registry() *prometheus.Registry
}
