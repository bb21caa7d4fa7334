// Package middleware implements the composable middleware chain that
// wraps event dispatch: pipeline middlewares (retry, timeout, concurrency)
// wrap the whole invocation, handler middlewares (validation) wrap only
// the handler call. Grounded on the Client-wrapping middleware shape in
// features/model/middleware/ratelimit.go (func(next T) T composition),
// generalized from a single rate limiter to a prioritized, partitioned
// chain over event.Event handlers.
package middleware

import (
	"context"
	"sort"

	"goa.design/goa-ai/runtime/kernel/event"
)

// EventHandler processes a single event, optionally producing a follow-up
// event (e.g. a tool-result event emitted while handling a tool-call).
// Middlewares wrap one EventHandler to produce another.
type EventHandler func(ctx context.Context, evt event.Event) (*event.Event, error)

// Kind distinguishes where in the chain a Middleware applies.
type Kind int

const (
	// Pipeline middlewares wrap the whole per-event invocation: retry,
	// timeout, concurrency, scheduling.
	Pipeline Kind = iota
	// HandlerKind middlewares wrap only the matched handler call:
	// validation, transform.
	HandlerKind
)

// Middleware wraps an EventHandler. Priority orders middlewares of the
// same Kind: lower values run first (closer to the caller).
type Middleware struct {
	Kind     Kind
	Name     string
	Priority int
	Wrap     func(EventHandler) EventHandler
	// Predicate, when set, gates whether Wrap applies to a given event;
	// a false predicate makes this middleware a pass-through for that
	// event rather than skipping the rest of the chain.
	Predicate func(event.Event) bool
}

func (m Middleware) wrapGated() func(EventHandler) EventHandler {
	if m.Predicate == nil {
		return m.Wrap
	}
	pred := m.Predicate
	wrap := m.Wrap
	return func(next EventHandler) EventHandler {
		wrapped := wrap(next)
		return func(ctx context.Context, evt event.Event) (*event.Event, error) {
			if !pred(evt) {
				return next(ctx, evt)
			}
			return wrapped(ctx, evt)
		}
	}
}

// Conditional wraps mw so it only applies to events matching predicate;
// events that don't match pass straight through to the next handler.
func Conditional(mw Middleware, predicate func(event.Event) bool) Middleware {
	mw.Predicate = predicate
	return mw
}

// sortedByPriority returns mws sorted by ascending Priority, stable so
// equal-priority middlewares preserve registration order.
func sortedByPriority(mws []Middleware) []Middleware {
	out := make([]Middleware, len(mws))
	copy(out, mws)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Compose right-folds mws around final: compose([m1,m2,m3], h) =
// m1(m2(m3(h))). mws should already be in application order (lowest
// priority first); Compose does not sort.
func Compose(mws []Middleware, final EventHandler) EventHandler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i].wrapGated()(h)
	}
	return h
}

// Partition splits mws into pipeline and handler buckets, each sorted by
// ascending priority, matching the Event Processor's composition order:
// pipeline middlewares outermost, handler middlewares innermost, around
// the matched handler.
func Partition(mws []Middleware) (pipeline, handler []Middleware) {
	var p, h []Middleware
	for _, m := range mws {
		switch m.Kind {
		case Pipeline:
			p = append(p, m)
		case HandlerKind:
			h = append(h, m)
		}
	}
	return sortedByPriority(p), sortedByPriority(h)
}
