package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/engine"
)

func TestStartWorkflowRunsHandlerAndReturnsResult(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
				Name:  "double",
				Input: input,
			}, &out)
			return out, err
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "doubler",
		Input:    21,
	})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	require.Equal(t, 42, result)
}

func TestStartWorkflowPropagatesActivityError(t *testing.T) {
	e := New()
	ctx := context.Background()

	boom := errors.New("boom")
	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "fail",
		Handler: func(context.Context, any) (any, error) {
			return nil, boom
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "failer",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var out string
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "fail"}, &out)
			return nil, err
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "failer"})
	require.NoError(t, err)

	err = h.Wait(ctx, nil)
	require.ErrorIs(t, err, boom)
}

func TestStartWorkflowUnregisteredNameFails(t *testing.T) {
	e := New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "x", Workflow: "missing"})
	require.Error(t, err)
}

func TestExecuteActivityAsyncFutureIsReady(t *testing.T) {
	e := New().(*eng)
	ctx := context.Background()
	unblock := make(chan struct{})

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "slow",
		Handler: func(context.Context, any) (any, error) {
			<-unblock
			return "done", nil
		},
	}))

	wctx := &wfCtx{ctx: ctx, id: "wf", runID: "wf", eng: e, sigMu: &sync.Mutex{}, sigs: map[string]*signalChan{}}
	fut, err := wctx.ExecuteActivityAsync(ctx, engine.ActivityRequest{Name: "slow"})
	require.NoError(t, err)
	require.False(t, fut.IsReady())

	close(unblock)
	var out string
	require.NoError(t, fut.Get(ctx, &out))
	require.Equal(t, "done", out)
	require.True(t, fut.IsReady())
}

func TestSignalDeliversToWorkflowBeforeCompletion(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var msg string
			if err := wctx.SignalChannel("resume").Receive(wctx.Context(), &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "waiter"})
	require.NoError(t, err)

	// Give the handler goroutine a chance to start waiting on the signal.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Signal(ctx, "resume", "go"))

	var out string
	require.NoError(t, h.Wait(ctx, &out))
	require.Equal(t, "go", out)
}
