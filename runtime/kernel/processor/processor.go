// Package processor implements the Event Processor: it pulls events off
// the queue, guards against runaway recursion and event loops, runs the
// middleware chain, dispatches to matched handlers with all-settled batch
// semantics, and resubmits handler-produced follow-up events through
// itself rather than the queue. Grounded on runtime/agent/hooks/bus.go's
// synchronous dispatch loop, generalized with the admission/chain-loop
// guards and middleware partition spec.md §4.E requires.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/handlers"
	"goa.design/goa-ai/runtime/kernel/middleware"
)

// ErrDepthExceeded is returned when a recursively-resubmitted event would
// push processing depth past Config.MaxEventDepth.
var ErrDepthExceeded = errors.New("processor: depth exceeded")

// ErrEventLoopDetected is returned when an event type reappears in the
// current invocation's type chain, indicating a handler cycle.
var ErrEventLoopDetected = errors.New("processor: event loop detected")

// MiddlewareError wraps a handler or middleware failure with the
// middleware name and execution time, so NACK reasons carry enough
// context for the DLQ to be actionable.
type MiddlewareError struct {
	Middleware    string
	OriginalError error
	ExecutionTime time.Duration
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("processor: middleware %q failed after %s: %v", e.Middleware, e.ExecutionTime, e.OriginalError)
}

func (e *MiddlewareError) Unwrap() error { return e.OriginalError }

// Acker is the subset of the Bounded Event Queue the processor needs:
// ack on success, nack (with reschedule/DLQ semantics) on failure.
type Acker interface {
	Ack(eventID string)
	Nack(ctx context.Context, eventID string, cause error) error
}

// Config bounds recursion and batching.
type Config struct {
	// MaxEventDepth caps how deep a chain of handler-resubmitted events
	// may recurse before admission fails.
	MaxEventDepth int
	// MaxEventChainLength bounds the circular buffer of recently-seen
	// event types used for loop detection.
	MaxEventChainLength int
	// BatchSize is the handler-count threshold above which dispatch
	// switches from sequential to concurrent all-settled batches.
	BatchSize int
}

// Processor runs events from a queue through the middleware chain and
// matched handlers.
type Processor struct {
	cfg      Config
	registry *handlers.Registry
	queue    Acker
	pipeline []middleware.Middleware
	handler  []middleware.Middleware
}

// New constructs a Processor. mws is partitioned internally into
// pipeline and handler buckets via middleware.Partition.
func New(cfg Config, registry *handlers.Registry, queue Acker, mws []middleware.Middleware) *Processor {
	if cfg.MaxEventDepth <= 0 {
		cfg.MaxEventDepth = 25
	}
	if cfg.MaxEventChainLength <= 0 {
		cfg.MaxEventChainLength = 50
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	pipeline, handler := middleware.Partition(mws)
	return &Processor{cfg: cfg, registry: registry, queue: queue, pipeline: pipeline, handler: handler}
}

type invocationState struct {
	depth int
	chain []string
}

type invocationStateKey struct{}

func stateFromContext(ctx context.Context) invocationState {
	if v, ok := ctx.Value(invocationStateKey{}).(invocationState); ok {
		return v
	}
	return invocationState{}
}

func withState(ctx context.Context, s invocationState) context.Context {
	return context.WithValue(ctx, invocationStateKey{}, s)
}

// Process admits evt, runs it through the pipeline middlewares and matched
// handlers, and ACKs or NACKs it on the configured Acker. It is the entry
// point both for events pulled off the queue and for follow-up events a
// handler produces, which re-enter here rather than the queue.
func (p *Processor) Process(ctx context.Context, evt event.Event) error {
	state := stateFromContext(ctx)

	if state.depth >= p.cfg.MaxEventDepth {
		_ = p.queue.Nack(ctx, evt.ID, ErrDepthExceeded)
		return ErrDepthExceeded
	}
	if len(state.chain) > 1 && containsType(state.chain, evt.Type) {
		_ = p.queue.Nack(ctx, evt.ID, ErrEventLoopDetected)
		return ErrEventLoopDetected
	}

	next := invocationState{
		depth: state.depth + 1,
		chain: pushBounded(state.chain, evt.Type, p.cfg.MaxEventChainLength),
	}
	ctx = withState(ctx, next)

	dispatch := middleware.EventHandler(p.dispatch)
	run := middleware.Compose(p.pipeline, dispatch)

	start := time.Now()
	followUp, err := run(ctx, evt)
	if err != nil {
		wrapped := &MiddlewareError{Middleware: "pipeline", OriginalError: err, ExecutionTime: time.Since(start)}
		_ = p.queue.Nack(ctx, evt.ID, wrapped)
		return wrapped
	}
	p.queue.Ack(evt.ID)

	if followUp != nil {
		return p.Process(ctx, *followUp)
	}
	return nil
}

// dispatch looks up matched handlers and invokes them, each wrapped by the
// handler-kind middlewares. It is the innermost link of the pipeline
// chain, so pipeline middlewares (retry, timeout, concurrency) see the
// full batch as one unit of work.
func (p *Processor) dispatch(ctx context.Context, evt event.Event) (*event.Event, error) {
	matched := p.registry.Match(evt)
	if len(matched) == 0 {
		return nil, nil
	}

	if len(matched) <= p.cfg.BatchSize {
		return p.runSequential(ctx, evt, matched)
	}
	return p.runAllSettled(ctx, evt, matched)
}

func (p *Processor) runSequential(ctx context.Context, evt event.Event, hs []handlers.Handler) (*event.Event, error) {
	var firstFollowUp *event.Event
	for _, h := range hs {
		wrapped := middleware.Compose(p.handler, toEventHandler(h))
		followUp, err := wrapped(ctx, evt)
		if err != nil {
			return nil, err
		}
		if followUp != nil && firstFollowUp == nil {
			firstFollowUp = followUp
		}
	}
	return firstFollowUp, nil
}

// runAllSettled dispatches to hs concurrently and waits for every handler
// to finish (success or failure) before reporting, per spec.md's
// all-settled batch semantics: one handler's error does not cancel the
// others' delivery.
func (p *Processor) runAllSettled(ctx context.Context, evt event.Event, hs []handlers.Handler) (*event.Event, error) {
	type result struct {
		followUp *event.Event
		err      error
	}
	results := make(chan result, len(hs))
	for _, h := range hs {
		h := h
		go func() {
			wrapped := middleware.Compose(p.handler, toEventHandler(h))
			followUp, err := wrapped(ctx, evt)
			results <- result{followUp, err}
		}()
	}

	var firstErr error
	var firstFollowUp *event.Event
	for i := 0; i < len(hs); i++ {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		if r.followUp != nil && firstFollowUp == nil {
			firstFollowUp = r.followUp
		}
	}
	return firstFollowUp, firstErr
}

func toEventHandler(h handlers.Handler) middleware.EventHandler {
	return middleware.EventHandler(h)
}

func containsType(chain []string, typ string) bool {
	for _, t := range chain {
		if t == typ {
			return true
		}
	}
	return false
}

func pushBounded(chain []string, typ string, max int) []string {
	out := append(append([]string{}, chain...), typ)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
