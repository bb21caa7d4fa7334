// Package handlers implements the Handler Registry: exact, wildcard, and
// pattern-matched handler buckets with a background sweeper that evicts
// stale or deactivated handlers. Grounded on the registration/removal
// bookkeeping in runtime/agent/hooks/bus.go, extended from a single
// fan-out list into the three-bucket match scheme spec.md §4.D requires.
package handlers

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-ai/runtime/kernel/event"
)

// Handler processes a matched event. An error return NACKs the event at
// the processor. A non-nil returned event is a well-formed new event the
// handler wants submitted back through the processor (not the queue),
// e.g. a tool-result event produced while handling a tool-call event.
type Handler func(ctx context.Context, evt event.Event) (*event.Event, error)

// Registration identifies one handler registered with the registry. It is
// used to unregister.
type Registration struct {
	ID string
}

type entry struct {
	id       string
	handler  Handler
	lastUsed atomic64
	active   atomicBool
}

func newEntry(h Handler) *entry {
	e := &entry{id: uuid.NewString(), handler: h}
	e.touch()
	e.active.set(true)
	return e
}

func (e *entry) touch() { e.lastUsed.set(time.Now().UnixNano()) }

// Config tunes the stale-handler sweeper.
type Config struct {
	// CleanupInterval is how often the sweeper runs. Defaults to 1 minute.
	CleanupInterval time.Duration
	// StaleThreshold marks a handler stale once it has gone unused this
	// long. Defaults to 30 minutes. A zero handler catching every event
	// type never goes stale in practice since every dispatch touches it.
	StaleThreshold time.Duration
}

// Registry holds handlers bucketed by exact type, wildcard (match-all),
// and regex pattern. It is safe for concurrent use; the sweeper runs in
// its own goroutine until Close is called.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string][]*entry
	wildcard []*entry
	patterns []patternEntry

	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

type patternEntry struct {
	re *regexp.Regexp
	e  *entry
}

// New constructs a Registry and starts its sweeper goroutine.
func New(cfg Config) *Registry {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}
	r := &Registry{
		exact:  make(map[string][]*entry),
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// OnType registers h for exact-match dispatch against typ.
func (r *Registry) OnType(typ string, h Handler) Registration {
	e := newEntry(h)
	r.mu.Lock()
	r.exact[typ] = append(r.exact[typ], e)
	r.mu.Unlock()
	return Registration{ID: e.id}
}

// OnAny registers h for wildcard dispatch: it receives every event.
func (r *Registry) OnAny(h Handler) Registration {
	e := newEntry(h)
	r.mu.Lock()
	r.wildcard = append(r.wildcard, e)
	r.mu.Unlock()
	return Registration{ID: e.id}
}

// OnPattern registers h against events whose type matches the compiled
// regular expression pattern.
func (r *Registry) OnPattern(pattern string, h Handler) (Registration, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Registration{}, fmt.Errorf("handlers: compile pattern %q: %w", pattern, err)
	}
	e := newEntry(h)
	r.mu.Lock()
	r.patterns = append(r.patterns, patternEntry{re: re, e: e})
	r.mu.Unlock()
	return Registration{ID: e.id}, nil
}

// Remove deactivates the handler identified by reg; the next sweep
// evicts it. Remove is idempotent.
func (r *Registry) Remove(reg Registration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, es := range r.exact {
		for _, e := range es {
			if e.id == reg.ID {
				e.active.set(false)
			}
		}
	}
	for _, e := range r.wildcard {
		if e.id == reg.ID {
			e.active.set(false)
		}
	}
	for _, p := range r.patterns {
		if p.e.id == reg.ID {
			p.e.active.set(false)
		}
	}
}

// Match returns every active handler that should receive evt: exact-type
// matches, wildcard handlers, and pattern matches, in that order. Each
// matched handler's last-used stamp is bumped.
func (r *Registry) Match(evt event.Event) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, e := range r.exact[evt.Type] {
		if e.active.get() {
			e.touch()
			out = append(out, e.handler)
		}
	}
	for _, e := range r.wildcard {
		if e.active.get() {
			e.touch()
			out = append(out, e.handler)
		}
	}
	for _, p := range r.patterns {
		if p.e.active.get() && p.re.MatchString(evt.Type) {
			p.e.touch()
			out = append(out, p.e.handler)
		}
	}
	return out
}

// Close stops the sweeper goroutine and waits for it to exit.
func (r *Registry) Close() {
	select {
	case <-r.stopCh:
		// already closed
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

func (r *Registry) sweepLoop() {
	defer close(r.doneCh)
	t := time.NewTicker(r.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweep()
		}
	}
}

// sweep removes handlers that are inactive or have gone unused past
// StaleThreshold, preventing unbounded growth from callers that forget to
// unregister.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.StaleThreshold).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()

	for typ, es := range r.exact {
		r.exact[typ] = filterEntries(es, cutoff)
		if len(r.exact[typ]) == 0 {
			delete(r.exact, typ)
		}
	}
	r.wildcard = filterEntries(r.wildcard, cutoff)

	kept := r.patterns[:0:0]
	for _, p := range r.patterns {
		if p.e.active.get() && p.e.lastUsed.get() > cutoff {
			kept = append(kept, p)
		}
	}
	r.patterns = kept
}

func filterEntries(es []*entry, cutoff int64) []*entry {
	kept := es[:0:0]
	for _, e := range es {
		if e.active.get() && e.lastUsed.get() > cutoff {
			kept = append(kept, e)
		}
	}
	return kept
}
