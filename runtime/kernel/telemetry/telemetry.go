// Package telemetry integrates the kernel runtime with structured logging,
// metrics, and tracing. Every other package in runtime/kernel depends only
// on these interfaces, never on a concrete logging or tracing library, so
// call sites stay agnostic of the underlying provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. The
// interface is intentionally small so tests can provide lightweight stubs
// instead of a full logging backend.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (queue depth, DLQ size, circuit state, quota usage).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// EventTelemetry captures observability metadata gathered while an event
// moves through the processor and middleware chain (duration, handler
// count, retry attempts). Extra holds handler-specific metadata that
// doesn't warrant a dedicated field.
type EventTelemetry struct {
	// DurationMs is the wall-clock processing time in milliseconds.
	DurationMs int64
	// Attempt is the 1-based retry attempt that produced this telemetry.
	Attempt int
	// HandlerCount is the number of handlers dispatched to for the event.
	HandlerCount int
	// Extra holds middleware- or handler-specific metadata.
	Extra map[string]any
}
