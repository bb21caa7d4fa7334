// Package engine defines the durable execution abstractions the kernel's
// agent runs can optionally be hosted on: a pluggable Engine interface so
// a kernel run (the "workflow") and its atomic operations (the
// "activities" — tool calls, planner Think calls, context-store
// flushes) can be driven either by a lightweight in-process
// implementation (engine/inmem) or by a durable backend
// (engine/temporal) without the kernel itself changing. Grounded on
// runtime/agent/engine/engine.go's Engine/WorkflowContext/Future
// abstraction, reshaped so "workflow" maps onto a kernel run and
// "activity" maps onto a kernel atomic operation rather than a
// goa-ai-specific agent run.
package engine

import (
	"context"
	"time"

	"goa.design/goa-ai/runtime/kernel/telemetry"
)

// Engine abstracts kernel-run registration and execution so adapters
// (in-memory or Temporal) can be swapped without the kernel package
// depending on either.
type Engine interface {
	// RegisterWorkflow registers a kernel-run definition. Must be called
	// during service initialization before any StartWorkflow call.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

	// RegisterActivity registers an atomic-operation handler (a tool
	// call, a planner Think call, a context-store flush). Must be
	// called during initialization before workers start.
	RegisterActivity(ctx context.Context, def ActivityDefinition) error

	// StartWorkflow launches a kernel run and returns a handle for
	// interacting with it. req.ID must be unique within the engine.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowDefinition binds a kernel-run handler to a logical name and
// default task queue.
type WorkflowDefinition struct {
	Name      string
	TaskQueue string
	Handler   WorkflowFunc
}

// WorkflowFunc is a kernel-run entry point. It must be deterministic
// under the Temporal adapter: the same inputs and activity results must
// produce the same execution sequence on replay.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// WorkflowContext exposes engine operations to a kernel-run handler.
// Implementations must keep ExecuteActivity/SignalChannel
// replay-deterministic; direct I/O, randomness, or wall-clock reads
// inside a WorkflowFunc violate that under the Temporal adapter.
//
// WorkflowContext is bound to a single run and must not be shared
// across goroutines.
type WorkflowContext interface {
	// Context returns the Go context for the run; use it for activity
	// execution and cancellation propagation.
	Context() context.Context

	WorkflowID() string
	RunID() string

	// ExecuteActivity schedules an atomic operation and blocks for its
	// result.
	ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

	// ExecuteActivityAsync schedules an atomic operation without
	// blocking, returning a Future resolved later via Get.
	ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

	// SignalChannel returns the channel for name — used to deliver
	// pause/resume requests and external tool results into a running
	// kernel run.
	SignalChannel(name string) SignalChannel

	Logger() telemetry.Logger
	Metrics() telemetry.Metrics
	Tracer() telemetry.Tracer

	// Now returns the current time in a replay-safe manner.
	Now() time.Time
}

// Future represents a pending atomic-operation result.
//
// Calling Get multiple times is safe and returns the same result/error
// each time.
type Future interface {
	Get(ctx context.Context, result any) error
	IsReady() bool
}

// ActivityDefinition registers an atomic-operation handler.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
	Options ActivityOptions
}

// ActivityFunc handles one atomic operation. Unlike a WorkflowFunc, it
// may perform side effects (tool I/O, model calls, persistor writes).
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions configures retry and timeout behavior for an
// activity.
type ActivityOptions struct {
	Queue       string
	RetryPolicy RetryPolicy
	// Timeout bounds total execution time including retries. Zero means
	// no timeout.
	Timeout time.Duration
}

// WorkflowStartRequest describes how to launch a kernel run.
type WorkflowStartRequest struct {
	ID               string
	Workflow         string
	TaskQueue        string
	Input            any
	Memo             map[string]any
	SearchAttributes map[string]any
	RetryPolicy      RetryPolicy
}

// ActivityRequest contains the info needed to schedule one atomic
// operation from a kernel run.
type ActivityRequest struct {
	Name        string
	Input       any
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowHandle lets callers interact with a running kernel run.
type WorkflowHandle interface {
	// Wait blocks until the run completes, populating result with its
	// return value.
	Wait(ctx context.Context, result any) error

	// Signal sends name/payload into the run's SignalChannel(name).
	Signal(ctx context.Context, name string, payload any) error

	// Cancel requests cancellation of the run.
	Cancel(ctx context.Context) error
}

// RetryPolicy defines retry semantics shared by workflows and
// activities. Zero-valued fields mean the engine applies its defaults.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// SignalChannel exposes engine-agnostic signal delivery into a kernel
// run (pause/resume requests, externally supplied tool results).
type SignalChannel interface {
	// Receive blocks until a signal arrives and decodes it into dest.
	Receive(ctx context.Context, dest any) error
	// ReceiveAsync attempts a non-blocking receive, reporting whether
	// dest was populated.
	ReceiveAsync(dest any) bool
}
