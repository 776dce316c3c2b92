package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient on a prometheus registry.
// Collectors are created lazily on first use; the label set seen on the first
// call for a name becomes the label schema for that collector.
type PrometheusMetricsClient struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	latencies  *prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client with its own registry
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	registry := prometheus.NewRegistry()
	latencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_latency_seconds",
		Help:      "Latency of named operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	registry.MustRegister(latencies)

	return &PrometheusMetricsClient{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		latencies:  latencies,
	}
}

// Registry exposes the underlying registry for the /metrics endpoint
func (m *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)

	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Help:      name,
		}, keys)
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()

	if c, err := vec.GetMetricWithLabelValues(values...); err == nil {
		c.Add(value)
	}
}

func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)

	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Help:      name,
		}, keys)
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()

	if g, err := vec.GetMetricWithLabelValues(values...); err == nil {
		g.Set(value)
	}
}

func (m *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)

	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()

	if h, err := vec.GetMetricWithLabelValues(values...); err == nil {
		h.Observe(value)
	}
}

func (m *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.latencies.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *PrometheusMetricsClient) Close() error { return nil }

func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
