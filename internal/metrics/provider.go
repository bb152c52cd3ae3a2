package metrics

import (
	lmetrics "github.com/gxo-labs/lightning/pkg/lightning/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusRegistryProvider implements the RegistryProvider interface
// using a dedicated Prometheus registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider creates a provider with an empty registry.
// When withRuntime is set, the Go runtime and process collectors are
// registered as well.
func NewPrometheusRegistryProvider(withRuntime bool) *PrometheusRegistryProvider {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return &PrometheusRegistryProvider{registry: reg}
}

// Registry returns the underlying Prometheus registry.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Ensure implementation satisfies the interface.
var _ lmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
