package observability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsClient records operational metrics. Implementations must be safe
// for concurrent use.
type MetricsClient interface {
	IncrementCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
}

// PrometheusMetricsClient implements MetricsClient with lazily registered
// Prometheus collectors.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a metrics client registering collectors
// under the given namespace and subsystem.
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IncrementCounter adds value to the named counter.
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		counter = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      fmt.Sprintf("Counter for %s", name),
		}, labelNames(labels))
		c.counters[name] = counter
	}
	c.mu.Unlock()
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets the named gauge to value.
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      fmt.Sprintf("Gauge for %s", name),
		}, labelNames(labels))
		c.gauges[name] = gauge
	}
	c.mu.Unlock()
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes value on the named histogram.
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	histogram, ok := c.histograms[name]
	if !ok {
		histogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      fmt.Sprintf("Histogram for %s", name),
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		c.histograms[name] = histogram
	}
	c.mu.Unlock()
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

// NewNoopMetricsClient returns a metrics client that records nothing.
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (n *NoopMetricsClient) IncrementCounter(name string, value float64, labels map[string]string) {}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)      {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string)  {}
