package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/event"
)

func TestComposeRightFoldOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return Middleware{
			Name: name,
			Wrap: func(next EventHandler) EventHandler {
				return func(ctx context.Context, evt event.Event) (*event.Event, error) {
					order = append(order, name)
					return next(ctx, evt)
				}
			},
		}
	}
	final := func(context.Context, event.Event) (*event.Event, error) {
		order = append(order, "final")
		return nil, nil
	}

	h := Compose([]Middleware{trace("m1"), trace("m2"), trace("m3")}, final)
	_, err := h(context.Background(), event.Event{})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3", "final"}, order)
}

func TestPartitionSortsByPriority(t *testing.T) {
	mws := []Middleware{
		{Kind: Pipeline, Name: "b", Priority: 20},
		{Kind: HandlerKind, Name: "v", Priority: 5},
		{Kind: Pipeline, Name: "a", Priority: 10},
	}
	pipeline, handler := Partition(mws)
	require.Len(t, pipeline, 2)
	require.Equal(t, "a", pipeline[0].Name)
	require.Equal(t, "b", pipeline[1].Name)
	require.Len(t, handler, 1)
	require.Equal(t, "v", handler[0].Name)
}

func TestConditionalSkipsWhenPredicateFalse(t *testing.T) {
	called := false
	mw := Conditional(Middleware{
		Wrap: func(next EventHandler) EventHandler {
			return func(ctx context.Context, evt event.Event) (*event.Event, error) {
				called = true
				return next(ctx, evt)
			}
		},
	}, func(evt event.Event) bool { return evt.Type == "match.me" })

	noop := func(context.Context, event.Event) (*event.Event, error) { return nil, nil }
	h := Compose([]Middleware{mw}, noop)

	_, err := h(context.Background(), event.Event{Type: "no.match"})
	require.NoError(t, err)
	require.False(t, called)

	_, err = h(context.Background(), event.Event{Type: "match.me"})
	require.NoError(t, err)
	require.True(t, called)
}

func TestRetryRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	mw := NewRetry(RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	h := Compose([]Middleware{mw}, func(context.Context, event.Event) (*event.Event, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	_, err := h(context.Background(), event.Event{})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetrySkipsNonRetryableErrors(t *testing.T) {
	attempts := 0
	mw := NewRetry(RetryConfig{MaxAttempts: 5, NonRetryableErrors: []string{"bad input"}, BaseBackoff: time.Millisecond})
	h := Compose([]Middleware{mw}, func(context.Context, event.Event) (*event.Event, error) {
		attempts++
		return nil, errors.New("bad input")
	})
	_, err := h(context.Background(), event.Event{})
	require.EqualError(t, err, "bad input")
	require.Equal(t, 1, attempts)
}

func TestTimeoutFailsSlowHandler(t *testing.T) {
	mw := NewTimeout(5)
	h := Compose([]Middleware{mw}, func(ctx context.Context, evt event.Event) (*event.Event, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_, err := h(context.Background(), event.Event{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestConcurrencyLimitPerKey(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	mw := NewConcurrency(1, nil)
	h := Compose([]Middleware{mw}, func(ctx context.Context, evt event.Event) (*event.Event, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})

	go h(context.Background(), event.Event{ThreadID: "t1"})
	<-started

	_, err := h(context.Background(), event.Event{ThreadID: "t1"})
	require.ErrorIs(t, err, ErrConcurrencyLimitExceeded)

	close(release)
}

func TestValidationRejectsInvalidPayload(t *testing.T) {
	mw, err := NewValidation("tool-args", []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`))
	require.NoError(t, err)

	noop := func(context.Context, event.Event) (*event.Event, error) { return nil, nil }
	h := Compose([]Middleware{mw}, noop)

	_, err = h(context.Background(), event.Event{Data: map[string]any{"name": "ok"}})
	require.NoError(t, err)
	_, err = h(context.Background(), event.Event{Data: map[string]any{}})
	require.Error(t, err)
}
