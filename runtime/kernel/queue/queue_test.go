package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/event"
)

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, err := New(Config{Size: 2})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, event.Event{ID: "e1", Type: "agent.tick"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	_, err = q.Enqueue(ctx, event.Event{ID: "e2", Type: "agent.tick"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, event.Event{ID: "e3", Type: "agent.tick"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueIdempotencyDropsDuplicate(t *testing.T) {
	q, err := New(Config{Size: 10, EnableIdempotency: true})
	require.NoError(t, err)
	ctx := context.Background()

	res1, err := q.Enqueue(ctx, event.Event{ID: "dup", Type: "agent.tick"})
	require.NoError(t, err)
	require.True(t, res1.Queued)

	res2, err := q.Enqueue(ctx, event.Event{ID: "dup", Type: "agent.tick"})
	require.NoError(t, err)
	require.False(t, res2.Queued)
}

func TestDequeueBatchFIFOOrder(t *testing.T) {
	q, err := New(Config{Size: 10})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, event.Event{ID: id, Type: "agent.tick"})
		require.NoError(t, err)
	}

	batch := q.DequeueBatch(2)
	require.Len(t, batch, 2)
	require.Equal(t, "a", batch[0].ID)
	require.Equal(t, "b", batch[1].ID)

	pending, inFlight, _ := q.Len()
	require.Equal(t, 1, pending)
	require.Equal(t, 2, inFlight)
}

func TestAckRemovesInFlight(t *testing.T) {
	q, err := New(Config{Size: 10})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = q.Enqueue(ctx, event.Event{ID: "a", Type: "agent.tick"})
	require.NoError(t, err)
	q.DequeueBatch(1)
	q.Ack("a")
	_, inFlight, _ := q.Len()
	require.Equal(t, 0, inFlight)
}

func TestNackReschedulesUntilRetriesExhausted(t *testing.T) {
	q, err := New(Config{Size: 10, MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = q.Enqueue(ctx, event.Event{ID: "a", Type: "agent.tick"})
	require.NoError(t, err)

	q.DequeueBatch(1)
	require.NoError(t, q.Nack(ctx, "a", errors.New("boom")))
	pending, inFlight, dlq := q.Len()
	require.Equal(t, 1, pending)
	require.Equal(t, 0, inFlight)
	require.Equal(t, 0, dlq)

	time.Sleep(10 * time.Millisecond)
	batch := q.DequeueBatch(1)
	require.Len(t, batch, 1)
	require.NoError(t, q.Nack(ctx, "a", errors.New("boom again")))

	_, _, dlq = q.Len()
	require.Equal(t, 1, dlq)
}

func TestReprocessDLQByCriteriaFiltersByType(t *testing.T) {
	q, err := New(Config{Size: 10, MaxRetries: 0})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, event.Event{ID: "a", Type: "agent.tool.call"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, event.Event{ID: "b", Type: "agent.other"})
	require.NoError(t, err)

	q.DequeueBatch(2)
	require.NoError(t, q.Nack(ctx, "a", errors.New("x")))
	require.NoError(t, q.Nack(ctx, "b", errors.New("x")))

	_, _, dlq := q.Len()
	require.Equal(t, 2, dlq)

	result, err := q.ReprocessDLQByCriteria(ctx, ReprocessCriteria{EventType: "agent.tool.call"})
	require.NoError(t, err)
	require.Equal(t, 1, result.ReprocessedCount)
	require.Equal(t, "a", result.Events[0].ID)

	pending, _, dlq := q.Len()
	require.Equal(t, 1, pending)
	require.Equal(t, 1, dlq)
}

func TestShutdownNacksInFlight(t *testing.T) {
	q, err := New(Config{Size: 10, MaxRetries: 3, BaseBackoff: time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = q.Enqueue(ctx, event.Event{ID: "a", Type: "agent.tick"})
	require.NoError(t, err)
	q.DequeueBatch(1)

	require.NoError(t, q.Shutdown(ctx))
	pending, inFlight, _ := q.Len()
	require.Equal(t, 1, pending)
	require.Equal(t, 0, inFlight)
}
