// Package observability provides unified logging, metrics, and tracing
// for the collaboration server. All components log through the same
// structured Logger and record through the same MetricsClient so a single
// backend swap covers the whole process.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// WithPrefix returns a derived logger scoped to a component name
	WithPrefix(prefix string) Logger
}

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordLatency(operation string, duration time.Duration)

	Close() error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// StartSpanFunc starts a trace span. Components take this as a dependency so
// tracing can be disabled with NoopStartSpan in tests and minimal deploys.
type StartSpanFunc func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)

// NoopStartSpan returns the context unchanged and a span that does nothing.
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                    {}
func (noopSpan) SetAttribute(key string, v interface{})  {}
func (noopSpan) RecordError(err error)                   {}
