package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/goa-ai/runtime/kernel/event"
)

// RetryConfig tunes the retry middleware.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// NonRetryableErrors names error strings (exact match) that should
	// fail fast instead of retrying, e.g. validation errors.
	NonRetryableErrors []string
}

// NewRetry returns a Pipeline middleware that retries a failing handler up
// to cfg.MaxAttempts times with capped exponential backoff, skipping
// errors listed in cfg.NonRetryableErrors.
func NewRetry(cfg RetryConfig) Middleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	nonRetryable := make(map[string]struct{}, len(cfg.NonRetryableErrors))
	for _, s := range cfg.NonRetryableErrors {
		nonRetryable[s] = struct{}{}
	}

	return Middleware{
		Kind:     Pipeline,
		Name:     "retry",
		Priority: 10,
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				b := backoff.NewExponentialBackOff()
				b.InitialInterval = cfg.BaseBackoff
				b.MaxInterval = cfg.MaxBackoff
				b.MaxElapsedTime = 0

				var lastErr error
				for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
					followUp, err := next(ctx, evt)
					if err == nil {
						return followUp, nil
					}
					lastErr = err
					if _, skip := nonRetryable[err.Error()]; skip {
						return nil, err
					}
					if attempt == cfg.MaxAttempts {
						break
					}
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(b.NextBackOff()):
					}
				}
				return nil, lastErr
			}
		},
	}
}
