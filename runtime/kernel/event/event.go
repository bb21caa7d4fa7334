// Package event defines the immutable event envelope shared by both kernels
// and the namespace convention used to route events between them.
package event

import (
	"errors"
	"regexp"
	"strings"
)

// Metadata carries optional correlation data attached to an Event. Any field
// may be empty; callers populate only what they have.
type Metadata struct {
	// CorrelationID links related events across kernels and bridges (e.g. a
	// request/response pair routed through the Multi-Kernel Manager).
	CorrelationID string
	// TenantID stamps the event with its owning tenant when tenant isolation
	// is enabled on the originating Kernel.
	TenantID string
	// OperationID ties the event to an atomic operation tracked by the
	// Kernel's Atomic Operation Manager, enabling idempotent re-submission.
	OperationID string
}

// Event is an immutable record produced at an emit site and consumed at
// most once by the Bounded Event Queue (ack) or routed to the Dead-Letter
// Queue once retries are exhausted. Type is frozen after creation; handlers
// may produce new events but must never mutate the Event they received.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string
	// Type is a dotted namespace string (e.g. "agent.tool.call") used for
	// handler matching and for routing between the agent and observability
	// kernels. See Namespace.
	Type string
	// ThreadID groups events that must be processed strictly in order. The
	// Bounded Event Queue and Event Processor preserve FIFO ordering within
	// a ThreadID but make no ordering guarantee across threads.
	ThreadID string
	// TS is a monotonic-ish epoch-millisecond timestamp assigned at
	// creation.
	TS int64
	// Data is the opaque event payload. Handlers interpret Data according
	// to Type; the bus itself never inspects it.
	Data any
	// Metadata carries optional correlation data. The zero value means no
	// correlation data was supplied.
	Metadata Metadata
}

// typeNamePattern validates the dotted, ASCII, 1-128 char event type
// namespace required by the event type contract.
var typeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// ErrInvalidType indicates an event type does not satisfy the namespace
// contract (dot-delimited, ASCII, 1-128 characters).
var ErrInvalidType = errors.New("event: invalid type namespace")

// ValidateType reports whether typ is a well-formed dotted event type.
func ValidateType(typ string) error {
	if len(typ) == 0 || len(typ) > 128 {
		return ErrInvalidType
	}
	if !typeNamePattern.MatchString(typ) {
		return ErrInvalidType
	}
	return nil
}

// Kernel identifies which logical kernel owns a given event type.
type Kernel string

const (
	// KernelAgent is the default kernel: business/agent events with
	// persistence, snapshots, and pause/resume.
	KernelAgent Kernel = "agent"
	// KernelObservability is the fire-and-forget kernel for logs, metrics,
	// traces, alerts, and health events.
	KernelObservability Kernel = "observability"
)

// reservedPrefixes lists the dotted prefixes that route to the
// observability kernel.
var reservedPrefixes = []string{"obs.", "log.", "metric.", "trace.", "alert.", "health."}

// reservedInfixes lists substrings that, when present anywhere in the type,
// also route to the observability kernel (e.g. "agent.tool.log.emitted").
var reservedInfixes = []string{".log.", ".metric.", ".trace."}

// Namespace classifies an event type into the kernel responsible for it.
// Types beginning with a reserved prefix, or containing a reserved infix,
// belong to the observability kernel; everything else belongs to the agent
// kernel. This function is pure and is shared by the Multi-Kernel Manager
// and the cross-kernel Bridge so classification never drifts between call
// sites.
func Namespace(typ string) Kernel {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(typ, p) {
			return KernelObservability
		}
	}
	for _, infix := range reservedInfixes {
		if strings.Contains(typ, infix) {
			return KernelObservability
		}
	}
	return KernelAgent
}
