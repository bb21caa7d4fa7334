package handlers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/event"
)

func TestOnTypeExactMatch(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	var calls int32
	r.OnType("agent.tick", func(context.Context, event.Event) (*event.Event, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	matched := r.Match(event.Event{Type: "agent.tick"})
	require.Len(t, matched, 1)
	_, err := matched[0](context.Background(), event.Event{Type: "agent.tick"})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.Empty(t, r.Match(event.Event{Type: "agent.other"}))
}

func TestOnAnyMatchesEveryType(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	r.OnAny(func(context.Context, event.Event) (*event.Event, error) { return nil, nil })

	require.Len(t, r.Match(event.Event{Type: "anything.goes"}), 1)
	require.Len(t, r.Match(event.Event{Type: "literally.anything"}), 1)
}

func TestOnPatternMatchesRegex(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	_, err := r.OnPattern(`^agent\.tool\..+$`, func(context.Context, event.Event) (*event.Event, error) { return nil, nil })
	require.NoError(t, err)

	require.Len(t, r.Match(event.Event{Type: "agent.tool.call"}), 1)
	require.Empty(t, r.Match(event.Event{Type: "agent.other"}))
}

func TestRemoveDeactivatesHandler(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	reg := r.OnType("agent.tick", func(context.Context, event.Event) (*event.Event, error) { return nil, nil })
	require.Len(t, r.Match(event.Event{Type: "agent.tick"}), 1)

	r.Remove(reg)
	require.Empty(t, r.Match(event.Event{Type: "agent.tick"}))
}

func TestSweepEvictsStaleHandlers(t *testing.T) {
	r := New(Config{CleanupInterval: 5 * time.Millisecond, StaleThreshold: 10 * time.Millisecond})
	defer r.Close()

	r.OnType("agent.tick", func(context.Context, event.Event) (*event.Event, error) { return nil, nil })
	require.Len(t, r.Match(event.Event{Type: "agent.tick"}), 1)

	time.Sleep(50 * time.Millisecond)

	r.mu.RLock()
	remaining := len(r.exact["agent.tick"])
	r.mu.RUnlock()
	require.Equal(t, 0, remaining)
}
