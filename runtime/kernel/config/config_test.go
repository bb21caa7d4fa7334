package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/config"
)

const sampleDoc = `
defaults:
  queue:
    size: 1000
    maxRetries: 3
    baseBackoff: 100ms
    maxBackoff: 30s
  registry:
    cleanupInterval: 1m
    staleThreshold: 30m
  contextStore:
    cacheSize: 1000
  processor:
    maxEventDepth: 25
    maxEventChainLength: 50
    batchSize: 10
  retry:
    maxAttempts: 3
    baseBackoff: 50ms
    maxBackoff: 10s
  loopGuard:
    windowSize: 30s
    maxEventCount: 200
    maxEventRate: 50
  circuitBreaker:
    failureThreshold: 5
    resetTimeout: 15s

kernels:
  - kernelId: acme-job-1
    namespace: planning
    tenantId: acme
    jobId: job-1
    needsPersistence: true
    quotas:
      maxEvents: 10000
      maxDuration: 10m
    queue:
      size: 5000

  - kernelId: acme-job-2
    namespace: execution
    tenantId: acme
    jobId: job-2

bridges:
  - fromNamespace: planning
    toNamespace: execution
    eventPattern: "plan.*"
    enableLogging: true
`

func TestParseSampleDocument(t *testing.T) {
	doc, err := config.Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, doc.Kernels, 2)
	require.Len(t, doc.Bridges, 1)
	require.Equal(t, 1000, doc.Defaults.Queue.Size)
}

func TestBuildAppliesDefaultsAndOverrides(t *testing.T) {
	doc, err := config.Parse([]byte(sampleDoc))
	require.NoError(t, err)

	specs, bridges, err := doc.Build()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Len(t, bridges, 1)

	first := specs[0]
	require.Equal(t, "acme-job-1", first.KernelID)
	require.Equal(t, "acme", first.TenantID)
	require.True(t, first.NeedsPersistence)
	require.Equal(t, 5000, first.Config.QueueConfig.Size, "kernel-level override should win over defaults")
	require.Equal(t, 3, first.Config.QueueConfig.MaxRetries, "unset field should fall back to defaults")
	require.Equal(t, int64(10000), first.Config.Quotas.MaxEvents)
	require.Equal(t, 10*time.Minute, first.Config.Quotas.MaxDuration)

	second := specs[1]
	require.Equal(t, 1000, second.Config.QueueConfig.Size, "kernel with no override inherits defaults")

	bridge := bridges[0]
	require.Equal(t, "plan.*", bridge.EventPattern)
	require.True(t, bridge.EnableLogging)
}

func TestBuildRejectsKernelSpecWithoutID(t *testing.T) {
	doc, err := config.Parse([]byte(`kernels:
  - tenantId: acme
`))
	require.NoError(t, err)

	_, _, err = doc.Build()
	require.Error(t, err)
}

func TestLoopGuardAndCircuitBreakerConfig(t *testing.T) {
	doc, err := config.Parse([]byte(sampleDoc))
	require.NoError(t, err)

	lg := doc.LoopGuardConfig()
	require.Equal(t, 30*time.Second, lg.WindowSize)
	require.Equal(t, 200, lg.MaxEventCount)

	cb := doc.CircuitBreakerConfig()
	require.Equal(t, 5, cb.FailureThreshold)
	require.Equal(t, 15*time.Second, cb.ResetTimeout)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := config.Load("/nonexistent/kernel.yaml")
	require.Error(t, err)
}
