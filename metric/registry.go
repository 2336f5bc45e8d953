package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/rtstreams/errors"
)

// MetricsRegistrar is what a stage needs to publish its own series
type MetricsRegistrar interface {
	Register(stage, name string, c prometheus.Collector) error
	Unregister(stage, name string) bool
}

type metricKey struct {
	stage, name string
}

// MetricsRegistry wraps a private Prometheus registry. Each pipeline Manager
// owns one, so independent managers never collide.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[metricKey]prometheus.Collector
}

// NewMetricsRegistry creates a registry holding the core runtime metrics and
// the Go and process collectors
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[metricKey]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the core runtime metrics; nil-safe
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Register adds a stage-owned collector. A stage may hold each name once.
func (r *MetricsRegistry) Register(stage, name string, c prometheus.Collector) error {
	key := metricKey{stage, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owned[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for stage %s", name, stage),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register collector")
	}

	r.owned[key] = c
	return nil
}

// Unregister removes a collector added with Register
func (r *MetricsRegistry) Unregister(stage, name string) bool {
	key := metricKey{stage, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.owned[key]
	if !exists || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}

// Owned lists the metric names stage currently holds
func (r *MetricsRegistry) Owned(stage string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for k := range r.owned {
		if k.stage == stage {
			names = append(names, k.name)
		}
	}
	return names
}
