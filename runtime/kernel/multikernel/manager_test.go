package multikernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/kernel"
	"goa.design/goa-ai/runtime/kernel/queue"
)

func baseKernelConfig(tenant, job string) kernel.Config {
	return kernel.Config{
		TenantID:    tenant,
		JobID:       job,
		QueueConfig: queue.Config{Size: 16},
	}
}

func TestInitializeBuildsAllKernelsInParallel(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", Config: baseKernelConfig("t1", "agent-1")})
	m.AddKernelSpec(KernelSpec{KernelID: "obs-1", Namespace: event.KernelObservability, TenantID: "t1", Config: baseKernelConfig("t1", "obs-1")})

	require.NoError(t, m.Initialize(context.Background()))

	status := m.Status()
	require.Equal(t, kernel.StateRunning, status["agent-1"])
	require.Equal(t, kernel.StateRunning, status["obs-1"])
}

func TestInitializeKeepsFailedKernelInRegistry(t *testing.T) {
	m := New(nil)
	// JobID left empty: kernel.New rejects this config.
	m.AddKernelSpec(KernelSpec{KernelID: "broken", Namespace: event.KernelAgent, TenantID: "t1", Config: kernel.Config{TenantID: "t1"}})
	m.AddKernelSpec(KernelSpec{KernelID: "ok", Namespace: event.KernelObservability, TenantID: "t1", Config: baseKernelConfig("t1", "ok")})

	err := m.Initialize(context.Background())
	require.NoError(t, err)

	status := m.Status()
	require.Equal(t, kernel.StateFailed, status["broken"])
	require.Equal(t, kernel.StateRunning, status["ok"])

	_, kErr := m.Kernel("broken")
	require.ErrorIs(t, kErr, ErrKernelNotFound)
}

func TestBridgeForwardsMatchingEventPreservingCorrelationID(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", Config: baseKernelConfig("t1", "agent-1")})
	m.AddKernelSpec(KernelSpec{KernelID: "obs-1", Namespace: event.KernelObservability, TenantID: "t1", Config: baseKernelConfig("t1", "obs-1")})
	m.AddBridge(Bridge{FromNamespace: event.KernelAgent, ToNamespace: event.KernelObservability, EventPattern: "agent.tool.*", EnableLogging: true})

	require.NoError(t, m.Initialize(context.Background()))

	agentK, err := m.Kernel("agent-1")
	require.NoError(t, err)
	obsK, err := m.Kernel("obs-1")
	require.NoError(t, err)

	var received event.Event
	received.ID = ""
	_, err = obsK.RegisterHandler("t1", "agent.tool.call", func(_ context.Context, evt event.Event) (*event.Event, error) {
		received = evt
		return nil, nil
	})
	require.NoError(t, err)

	_, err = agentK.Emit(context.Background(), event.Event{ID: "e1", Type: "agent.tool.call", Metadata: event.Metadata{CorrelationID: "corr-1"}})
	require.NoError(t, err)
	require.NoError(t, agentK.Drain(context.Background(), 10))
	require.NoError(t, obsK.Drain(context.Background(), 10))

	require.Equal(t, "agent.tool.call", received.Type)
	require.Equal(t, "corr-1", received.Metadata.CorrelationID)

	log := m.PropagationLog()
	require.Len(t, log, 1)
	require.Equal(t, "corr-1", log[0].CorrelationID)
}

func TestBridgeSkipsNonMatchingPattern(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", Config: baseKernelConfig("t1", "agent-1")})
	m.AddKernelSpec(KernelSpec{KernelID: "obs-1", Namespace: event.KernelObservability, TenantID: "t1", Config: baseKernelConfig("t1", "obs-1")})
	m.AddBridge(Bridge{FromNamespace: event.KernelAgent, ToNamespace: event.KernelObservability, EventPattern: "agent.tool.*"})

	require.NoError(t, m.Initialize(context.Background()))
	agentK, _ := m.Kernel("agent-1")

	_, err := agentK.Emit(context.Background(), event.Event{ID: "e1", Type: "agent.tick"})
	require.NoError(t, err)
	require.NoError(t, agentK.Drain(context.Background(), 10))

	require.Empty(t, m.PropagationLog())
}

func TestPauseAllOnlyReportsHashForSnapshotKernels(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", NeedsSnapshots: true, Config: baseKernelConfig("t1", "agent-1")})
	m.AddKernelSpec(KernelSpec{KernelID: "obs-1", Namespace: event.KernelObservability, TenantID: "t1", NeedsSnapshots: false, Config: baseKernelConfig("t1", "obs-1")})
	require.NoError(t, m.Initialize(context.Background()))

	results := m.PauseAll(context.Background())
	require.Len(t, results, 2)

	byID := make(map[string]PauseResult, len(results))
	for _, r := range results {
		byID[r.KernelID] = r
	}
	require.NoError(t, byID["agent-1"].Err)
	require.NotEmpty(t, byID["agent-1"].SnapshotHash)
	require.NoError(t, byID["obs-1"].Err)
	require.Empty(t, byID["obs-1"].SnapshotHash)
}

func TestResumeAllUsesProvidedHashes(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", NeedsSnapshots: true, Config: baseKernelConfig("t1", "agent-1")})
	require.NoError(t, m.Initialize(context.Background()))

	results := m.PauseAll(context.Background())
	require.Len(t, results, 1)
	hash := results[0].SnapshotHash
	require.NotEmpty(t, hash)

	errs := m.ResumeAll(context.Background(), map[string]string{"agent-1": hash})
	require.NoError(t, errs["agent-1"])

	status := m.Status()
	require.Equal(t, kernel.StateRunning, status["agent-1"])
}

func TestRequestResolvesOnMatchingResponse(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", Config: baseKernelConfig("t1", "agent-1")})
	require.NoError(t, m.Initialize(context.Background()))

	agentK, err := m.Kernel("agent-1")
	require.NoError(t, err)

	_, err = agentK.RegisterHandler("t1", "agent.ping", func(ctx context.Context, evt event.Event) (*event.Event, error) {
		resp := event.Event{
			ID:       "resp-1",
			Type:     "agent.pong",
			Metadata: event.Metadata{CorrelationID: evt.Metadata.CorrelationID},
		}
		return &resp, nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = agentK.Drain(context.Background(), 10)
	}()

	resp, err := m.Request(context.Background(), "agent.ping", "agent.pong", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "agent.pong", resp.Type)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	m := New(nil)
	m.AddKernelSpec(KernelSpec{KernelID: "agent-1", Namespace: event.KernelAgent, TenantID: "t1", Config: baseKernelConfig("t1", "agent-1")})
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Request(context.Background(), "agent.ping", "agent.pong", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestUnknownNamespaceFails(t *testing.T) {
	m := New(nil)
	_, err := m.Request(context.Background(), "agent.ping", "agent.pong", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrKernelNotFound)
	require.True(t, errors.Is(err, ErrKernelNotFound))
}
