// Package queue implements the bounded, backpressured event queue that sits
// between emit sites and the Event Processor: FIFO ordering, ACK/NACK,
// capped exponential-backoff retry, and a Dead-Letter Queue for events that
// exhaust their retry budget. Grounded on the fan-out Bus in
// runtime/agent/hooks/bus.go, generalized from synchronous fan-out to a
// durable, retryable mailbox.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/goa-ai/runtime/kernel/event"
)

// ErrQueueFull is returned by Enqueue when the queue has reached its
// configured capacity (pending + in-flight).
var ErrQueueFull = errors.New("queue: full")

// Config bounds and tunes queue behavior.
type Config struct {
	// Size caps the number of events the queue will hold, counting both
	// pending and in-flight entries. Required, must be > 0.
	Size int
	// MaxRetries is the number of NACKs an event tolerates before moving
	// to the DLQ. A NACK past this count is the one that DLQs the event.
	MaxRetries int
	// BaseBackoff is the initial retry delay. Defaults to 100ms.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay. Defaults to 30s.
	MaxBackoff time.Duration
	// EnableIdempotency rejects Enqueue calls for event ids already seen
	// by this queue instance, even after the original has been ACKed.
	EnableIdempotency bool
	// DLQSink optionally persists DLQ entries so they survive a process
	// restart. Nil means the DLQ lives only in memory.
	DLQSink DLQSink
}

// EnqueueResult reports whether an event was actually admitted to the queue.
type EnqueueResult struct {
	Queued bool
}

// DLQItem is an event that exhausted its retry budget.
type DLQItem struct {
	Event    event.Event
	Reason   string
	Attempts int
	FailedAt time.Time
}

// ReprocessCriteria filters which DLQ items ReprocessDLQByCriteria moves
// back onto the live queue. Zero-value fields impose no filter.
type ReprocessCriteria struct {
	MaxAge    time.Duration
	Limit     int
	EventType string
}

// ReprocessResult reports the outcome of a DLQ reprocessing pass.
type ReprocessResult struct {
	ReprocessedCount int
	Events           []event.Event
}

// DLQSink persists dead-lettered events to an external store so they are
// not lost on restart, and loads them back for requeueing.
type DLQSink interface {
	Persist(ctx context.Context, item DLQItem) error
	Load(ctx context.Context) ([]DLQItem, error)
}

type entry struct {
	event     event.Event
	attempts  int
	notBefore time.Time
}

// Queue is a bounded, FIFO, retryable event mailbox. It is safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	pending  []*entry
	inFlight map[string]*entry
	dlq      []DLQItem
	seen     map[string]struct{}
}

// New constructs a Queue from cfg, applying defaults for zero-valued
// backoff bounds.
func New(cfg Config) (*Queue, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("queue: Size must be > 0")
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Queue{
		cfg:      cfg,
		inFlight: make(map[string]*entry),
		seen:     make(map[string]struct{}),
	}, nil
}

// Enqueue admits ev to the tail of the queue. It fails with ErrQueueFull
// once pending+in-flight reaches cfg.Size. With EnableIdempotency on, a
// previously-seen event id is silently dropped: Queued is false, err is nil.
func (q *Queue) Enqueue(_ context.Context, ev event.Event) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.EnableIdempotency {
		if _, ok := q.seen[ev.ID]; ok {
			return EnqueueResult{Queued: false}, nil
		}
	}
	if len(q.pending)+len(q.inFlight) >= q.cfg.Size {
		return EnqueueResult{}, ErrQueueFull
	}

	q.seen[ev.ID] = struct{}{}
	q.pending = append(q.pending, &entry{event: ev})
	return EnqueueResult{Queued: true}, nil
}

// DequeueBatch removes up to n ready events from the head of the queue,
// preserving FIFO order, and moves them to in-flight. Entries whose retry
// backoff has not yet elapsed are left in place rather than returned.
func (q *Queue) DequeueBatch(n int) []event.Event {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	out := make([]event.Event, 0, n)
	remaining := q.pending[:0:0]
	taken := 0
	for _, e := range q.pending {
		if taken < n && !e.notBefore.After(now) {
			out = append(out, e.event)
			q.inFlight[e.event.ID] = e
			taken++
			continue
		}
		remaining = append(remaining, e)
	}
	q.pending = remaining
	return out
}

// Ack marks eventID as successfully processed, removing it from in-flight
// bookkeeping.
func (q *Queue) Ack(eventID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, eventID)
}

// Nack reports that processing eventID failed. If the event has remaining
// retry budget it is rescheduled with capped exponential backoff; otherwise
// it is moved to the Dead-Letter Queue and, if a DLQSink is configured,
// persisted there.
func (q *Queue) Nack(ctx context.Context, eventID string, cause error) error {
	q.mu.Lock()
	e, ok := q.inFlight[eventID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inFlight, eventID)
	e.attempts++

	if e.attempts > q.cfg.MaxRetries {
		item := DLQItem{
			Event:    e.event,
			Reason:   causeString(cause),
			Attempts: e.attempts,
			FailedAt: time.Now(),
		}
		q.dlq = append(q.dlq, item)
		sink := q.cfg.DLQSink
		q.mu.Unlock()
		if sink != nil {
			if err := sink.Persist(ctx, item); err != nil {
				return fmt.Errorf("queue: persist dlq item %q: %w", eventID, err)
			}
		}
		return nil
	}

	e.notBefore = time.Now().Add(q.backoffFor(e.attempts))
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	return nil
}

// backoffFor computes the capped exponential delay for the given attempt
// count using cenkalti/backoff's exponential policy, seeded from cfg.
func (q *Queue) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BaseBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // never give up on its own; MaxRetries governs that
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d
}

// ReprocessDLQByCriteria moves DLQ items matching criteria back onto the
// live queue, in DLQ order, up to criteria.Limit (0 means unlimited).
func (q *Queue) ReprocessDLQByCriteria(_ context.Context, criteria ReprocessCriteria) (ReprocessResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var kept []DLQItem
	var result ReprocessResult
	for _, item := range q.dlq {
		if result.ReprocessedCount >= criteria.Limit && criteria.Limit > 0 {
			kept = append(kept, item)
			continue
		}
		if criteria.EventType != "" && item.Event.Type != criteria.EventType {
			kept = append(kept, item)
			continue
		}
		if criteria.MaxAge > 0 && now.Sub(item.FailedAt) > criteria.MaxAge {
			kept = append(kept, item)
			continue
		}
		if len(q.pending)+len(q.inFlight) >= q.cfg.Size {
			kept = append(kept, item)
			continue
		}
		q.pending = append(q.pending, &entry{event: item.Event})
		result.Events = append(result.Events, item.Event)
		result.ReprocessedCount++
	}
	q.dlq = kept
	return result, nil
}

// Shutdown NACKs every in-flight event: one with retry budget left goes
// back to pending for the next DequeueBatch, and one whose budget is
// exhausted moves to the DLQ (and to the DLQ sink, if one is configured).
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.inFlight))
	for id := range q.inFlight {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.Nack(ctx, id, errors.New("queue: shutdown")); err != nil {
			return err
		}
	}
	return nil
}

// Len reports pending and in-flight counts, used by quota monitoring and
// tests.
func (q *Queue) Len() (pending, inFlight, dlq int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inFlight), len(q.dlq)
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
