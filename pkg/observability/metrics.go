package observability

import (
	"sync"
	"time"
)

// NoopMetricsClient discards all metrics. Used in tests and when metrics are
// disabled by configuration.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)               {}
func (m *NoopMetricsClient) Close() error                                                         { return nil }

// InMemoryMetricsClient accumulates counters in memory. Handy for assertions
// in tests without pulling in a prometheus registry.
type InMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewInMemoryMetricsClient creates a metrics client backed by plain maps
func NewInMemoryMetricsClient() *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(name, value)
}

func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}

func (m *InMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {}

func (m *InMemoryMetricsClient) Close() error { return nil }

// Counter returns the accumulated value for a counter name
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last recorded value for a gauge name
func (m *InMemoryMetricsClient) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}
