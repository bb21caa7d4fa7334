package middleware

import (
	"context"
	"errors"
	"sync"

	"goa.design/goa-ai/runtime/kernel/event"
)

// ErrConcurrencyLimitExceeded is returned when a key's semaphore is
// already at maxConcurrent and the caller does not wait.
var ErrConcurrencyLimitExceeded = errors.New("middleware: concurrency limit exceeded")

// KeyFunc extracts the concurrency-limiting key from an event. The
// default groups by ThreadID.
type KeyFunc func(event.Event) string

func defaultKeyFunc(evt event.Event) string { return evt.ThreadID }

// NewConcurrency returns a Pipeline middleware enforcing a per-key
// semaphore bounded by maxConcurrent: a dispatch for a key already at
// capacity fails immediately with ErrConcurrencyLimitExceeded rather than
// queuing, so backpressure surfaces to the caller instead of piling up
// goroutines.
func NewConcurrency(maxConcurrent int, keyFn KeyFunc) Middleware {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if keyFn == nil {
		keyFn = defaultKeyFunc
	}

	var mu sync.Mutex
	inUse := make(map[string]int)

	return Middleware{
		Kind:     Pipeline,
		Name:     "concurrency",
		Priority: 30,
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				key := keyFn(evt)

				mu.Lock()
				if inUse[key] >= maxConcurrent {
					mu.Unlock()
					return nil, ErrConcurrencyLimitExceeded
				}
				inUse[key]++
				mu.Unlock()

				defer func() {
					mu.Lock()
					inUse[key]--
					if inUse[key] <= 0 {
						delete(inUse, key)
					}
					mu.Unlock()
				}()

				return next(ctx, evt)
			}
		},
	}
}
