package middleware

import (
	"context"
	"errors"
	"time"

	"goa.design/goa-ai/runtime/kernel/event"
)

// ErrTimeout is returned when a handler does not complete within the
// configured timeout.
var ErrTimeout = errors.New("middleware: handler timed out")

// NewTimeout returns a Pipeline middleware that races the handler against
// timeoutMs and fails with ErrTimeout if it does not complete in time. The
// handler goroutine is not forcibly cancelled; its context is cancelled so
// well-behaved handlers can unwind promptly.
func NewTimeout(timeoutMs int) Middleware {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	d := time.Duration(timeoutMs) * time.Millisecond

	return Middleware{
		Kind:     Pipeline,
		Name:     "timeout",
		Priority: 20,
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				ctx, cancel := context.WithTimeout(ctx, d)
				defer cancel()

				type outcome struct {
					followUp *event.Event
					err      error
				}
				done := make(chan outcome, 1)
				go func() {
					followUp, err := next(ctx, evt)
					done <- outcome{followUp, err}
				}()

				select {
				case o := <-done:
					return o.followUp, o.err
				case <-ctx.Done():
					return nil, ErrTimeout
				}
			}
		},
	}
}
