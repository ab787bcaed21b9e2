package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages Prometheus metric registration
type Registry struct {
	registry *prometheus.Registry
	metrics  *GPSDOMetrics
}

// NewRegistry creates a new metrics registry with the frequency standard metrics
// Uses default namespace "gpsdo" and empty subsystem
func NewRegistry() *Registry {
	return NewRegistryWithConfig("gpsdo", "")
}

// NewRegistryWithConfig creates a new metrics registry with custom namespace and subsystem
func NewRegistryWithConfig(namespace, subsystem string) *Registry {
	return &Registry{
		registry: prometheus.NewRegistry(),
		metrics:  NewGPSDOMetricsWithConfig(namespace, subsystem),
	}
}

// Register registers all metrics
func (r *Registry) Register() error {
	if err := r.registry.Register(r.metrics); err != nil {
		return err
	}

	// Register Go runtime metrics
	r.registry.MustRegister(collectors.NewGoCollector())
	r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return nil
}

// GetRegistry returns the underlying Prometheus registry
func (r *Registry) GetRegistry() *prometheus.Registry {
	return r.registry
}

// GetMetrics returns the metrics instance
func (r *Registry) GetMetrics() *GPSDOMetrics {
	return r.metrics
}

// MustRegister registers all metrics and panics on error
func (r *Registry) MustRegister() {
	if err := r.Register(); err != nil {
		panic(err)
	}
}
