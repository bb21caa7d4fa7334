package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/event"
)

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	if cfg.TenantID == "" {
		cfg.TenantID = "tenant-1"
	}
	if cfg.JobID == "" {
		cfg.JobID = "job-1"
	}
	if cfg.QueueConfig.Size == 0 {
		cfg.QueueConfig.Size = 16
	}
	k, err := New(cfg)
	require.NoError(t, err)
	return k
}

func TestInitializeTransitionsToRunning(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.Equal(t, StateInitialized, k.Status())
	require.NoError(t, k.Initialize(context.Background()))
	require.Equal(t, StateRunning, k.Status())
	require.NoError(t, k.Complete(context.Background()))
}

func TestInitializeTwiceFails(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())
	err := k.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	k.SetState(map[string]any{"step": 1})
	hash, err := k.Pause(context.Background(), "manual")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	require.Equal(t, StatePaused, k.Status())

	k.SetState(nil)
	require.NoError(t, k.Resume(context.Background(), hash))
	require.Equal(t, StateRunning, k.Status())
	require.NotNil(t, k.GetState())
}

func TestResumeFromRunningFails(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())
	err := k.Resume(context.Background(), "whatever")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEmitAndDrainDispatchesToHandler(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	var handled bool
	_, err := k.RegisterHandler("tenant-1", "agent.tick", func(context.Context, event.Event) (*event.Event, error) {
		handled = true
		return nil, nil
	})
	require.NoError(t, err)

	res, err := k.Emit(context.Background(), event.Event{ID: "e1", Type: "agent.tick"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	require.NoError(t, k.Drain(context.Background(), 10))
	require.True(t, handled)
}

func TestRegisterHandlerRejectsForeignTenantWhenIsolated(t *testing.T) {
	k := newTestKernel(t, Config{EnableTenantIsolation: true})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	_, err := k.RegisterHandler("tenant-2", "agent.tick", func(context.Context, event.Event) (*event.Event, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestEmitIdempotencyDropsDuplicateOperationID(t *testing.T) {
	k := newTestKernel(t, Config{EnableEventIdempotency: true})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	evt := event.Event{ID: "e1", Type: "agent.tick", Metadata: event.Metadata{OperationID: "op-1"}}
	res1, err := k.Emit(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, res1.Queued)

	res2, err := k.Emit(context.Background(), event.Event{ID: "e2", Type: "agent.tick", Metadata: event.Metadata{OperationID: "op-1"}})
	require.NoError(t, err)
	require.False(t, res2.Queued)
}

func TestExecuteAtomicOperationRejectsReentry(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = k.ExecuteAtomicOperation(context.Background(), "op-1", 0, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "done", nil
		})
	}()
	<-started

	_, err := k.ExecuteAtomicOperation(context.Background(), "op-1", 0, func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOperationPending)
	close(release)
}

func TestExecuteAtomicOperationEnforcesConcurrencyLimit(t *testing.T) {
	k := newTestKernel(t, Config{MaxConcurrentOperations: 1})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = k.ExecuteAtomicOperation(context.Background(), "op-a", 0, func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := k.ExecuteAtomicOperation(context.Background(), "op-b", 0, func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrTooManyOperations)
	close(release)
}

func TestExecuteAtomicOperationTimesOut(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	_, err := k.ExecuteAtomicOperation(context.Background(), "op-slow", 10*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
}

func TestExecuteAtomicOperationPropagatesError(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	want := errors.New("boom")
	_, err := k.ExecuteAtomicOperation(context.Background(), "op-err", 0, func(context.Context) (any, error) {
		return nil, want
	})
	require.ErrorIs(t, err, want)
}

func TestMaxEventsQuotaAutoPauses(t *testing.T) {
	k := newTestKernel(t, Config{Quotas: Quotas{MaxEvents: 2}})
	require.NoError(t, k.Initialize(context.Background()))
	defer k.Complete(context.Background())

	k.registry.OnAny(func(context.Context, event.Event) (*event.Event, error) { return nil, nil })

	for i := 0; i < 3; i++ {
		_, err := k.Emit(context.Background(), event.Event{ID: string(rune('a' + i)), Type: "agent.tick"})
		require.NoError(t, err)
	}
	require.NoError(t, k.Drain(context.Background(), 10))

	require.Equal(t, StatePaused, k.Status())
}

func TestFailForceTransitions(t *testing.T) {
	k := newTestKernel(t, Config{})
	require.NoError(t, k.Initialize(context.Background()))
	k.Fail(context.Background(), errors.New("fatal"))
	require.Equal(t, StateFailed, k.Status())
}
