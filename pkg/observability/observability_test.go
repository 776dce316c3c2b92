package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), "input %q", tt.in)
	}
}

func TestStandardLoggerFieldFormatting(t *testing.T) {
	l := &StandardLogger{prefix: "test", level: LogLevelDebug}

	assert.Equal(t, "", l.formatFields(nil))
	assert.Equal(t, " a=1 b=two", l.formatFields(map[string]interface{}{"b": "two", "a": 1}))
}

func TestStandardLoggerLevelFiltering(t *testing.T) {
	l := &StandardLogger{prefix: "test", level: LogLevelWarn}

	assert.False(t, l.levelEnabled(LogLevelDebug))
	assert.False(t, l.levelEnabled(LogLevelInfo))
	assert.True(t, l.levelEnabled(LogLevelWarn))
	assert.True(t, l.levelEnabled(LogLevelError))
}

func TestInMemoryMetricsClient(t *testing.T) {
	m := NewInMemoryMetricsClient()

	m.IncrementCounter("ops", 1)
	m.IncrementCounter("ops", 2)
	m.IncrementCounterWithLabels("ops", 1, map[string]string{"kind": "add"})
	m.RecordGauge("rooms", 3, nil)
	m.RecordGauge("rooms", 1, nil)
	m.RecordLatency("db", time.Millisecond)

	assert.Equal(t, 4.0, m.Counter("ops"))
	assert.Equal(t, 1.0, m.Gauge("rooms"))
	assert.Equal(t, 0.0, m.Counter("missing"))
}

func TestPrometheusMetricsClient(t *testing.T) {
	m := NewPrometheusMetricsClient("test")

	m.IncrementCounter("operations_total", 1)
	m.IncrementCounterWithLabels("operations_by_kind", 1, map[string]string{"kind": "add"})
	m.RecordGauge("rooms_active", 2, nil)
	m.RecordHistogram("payload_bytes", 128, nil)
	m.RecordLatency("db_get_workflow", 5*time.Millisecond)

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_operations_total"])
	assert.True(t, names["test_rooms_active"])
	assert.NoError(t, m.Close())
}
