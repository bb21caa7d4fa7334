// Package kernel hosts the Persistor, Context Store, Handler Registry,
// Event Queue, and Event Processor for a single tenant/job, wrapped in an
// explicit state machine, an idempotent Atomic Operation Manager, and
// quota-triggered auto-pause. Grounded on the teacher's lifecycle-bearing
// runtime.Engine/workflow abstractions (initialize/pause/resume state
// transitions, snapshot-on-pause), re-targeted at the multi-kernel event
// bus described in spec.md §4.H.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"goa.design/goa-ai/runtime/kernel/ctxstore"
	"goa.design/goa-ai/runtime/kernel/engine"
	"goa.design/goa-ai/runtime/kernel/engine/inmem"
	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/handlers"
	"goa.design/goa-ai/runtime/kernel/ksnapshot"
	"goa.design/goa-ai/runtime/kernel/loopguard"
	"goa.design/goa-ai/runtime/kernel/middleware"
	"goa.design/goa-ai/runtime/kernel/persistor"
	"goa.design/goa-ai/runtime/kernel/processor"
	"goa.design/goa-ai/runtime/kernel/queue"
	"goa.design/goa-ai/runtime/kernel/telemetry"
)

// State is a Kernel's lifecycle stage.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Quotas bound a Kernel's resource consumption before it auto-pauses.
type Quotas struct {
	MaxEvents   int64
	MaxDuration time.Duration
	// MaxMemoryBytes bounds process heap usage as sampled by
	// runtime.ReadMemStats. Zero disables the check.
	MaxMemoryBytes uint64
}

// AutoSnapshot configures periodic, non-quota-triggered snapshotting.
type AutoSnapshot struct {
	Interval     time.Duration
	EventInterval int64
}

// Config constructs a Kernel.
type Config struct {
	TenantID      string
	JobID         string
	CorrelationID string

	Quotas                  Quotas
	AutoSnapshot            AutoSnapshot
	MaxConcurrentOperations int
	EnableEventIdempotency  bool
	EnableTenantIsolation   bool

	QueueConfig     queue.Config
	RegistryConfig  handlers.Config
	ContextConfig   ctxstore.Config
	ProcessorConfig processor.Config
	Middlewares     []middleware.Middleware

	// LoopGuard tunes the rolling-window Loop Protector consulted on
	// every Emit. The zero value is usable: New applies loopguard.New's
	// own defaults (10s window, 100 events).
	LoopGuard loopguard.Config
	// CircuitBreaker tunes the breaker wrapping the enqueue side of
	// Emit. The zero value disables tripping on count thresholds
	// (FailureThreshold/RequestVolumeThreshold both zero) while still
	// usable as a passthrough.
	CircuitBreaker loopguard.BreakerConfig

	// Engine backs ExecuteAtomicOperation's scheduling. Defaults to a new
	// in-process engine/inmem.Engine for each kernel; the caller may
	// supply one explicitly (e.g. a durable engine/temporal instance for
	// production use).
	Engine engine.Engine

	Persistor persistor.Persistor
	Telemetry telemetry.Logger
	Metrics   telemetry.Metrics

	// QuotaPollInterval governs how often maxDuration/maxMemory are
	// checked. Defaults to 5s.
	QuotaPollInterval time.Duration
}

// ID returns the Kernel State id convention, tenantId:jobId.
func (c Config) ID() string { return fmt.Sprintf("%s:%s", c.TenantID, c.JobID) }

var (
	ErrOperationPending  = errors.New("kernel: operation already pending")
	ErrTooManyOperations = errors.New("kernel: too many concurrent operations")
	ErrInvalidTransition = errors.New("kernel: invalid state transition")
	ErrTenantMismatch    = errors.New("kernel: handler registration tenant mismatch")
)

// Kernel is a single tenant/job's isolated execution context.
type Kernel struct {
	cfg Config

	mu          sync.RWMutex
	status      State
	startTime   time.Time
	eventCount  int64
	contextData map[string]any
	stateData   any

	pendingOps map[string]struct{}
	seenOps    map[string]struct{}
	lastOpHash string

	persistor persistor.Persistor
	ctxStore  *ctxstore.Store
	registry  *handlers.Registry
	queue     *queue.Queue
	processor *processor.Processor

	loopProtector *loopguard.LoopProtector
	breaker       *loopguard.CircuitBreaker

	eng         engine.Engine
	atomicRunWF string

	logger telemetry.Logger
	metric telemetry.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Kernel in state Initialized. Call Initialize to start
// running it.
func New(cfg Config) (*Kernel, error) {
	if cfg.TenantID == "" || cfg.JobID == "" {
		return nil, errors.New("kernel: TenantID and JobID are required")
	}
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = 16
	}
	if cfg.QuotaPollInterval <= 0 {
		cfg.QuotaPollInterval = 5 * time.Second
	}
	if cfg.Persistor == nil {
		cfg.Persistor = persistor.NewMemory()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Engine == nil {
		cfg.Engine = inmem.New()
	}

	q, err := queue.New(cfg.QueueConfig)
	if err != nil {
		return nil, fmt.Errorf("kernel: build queue: %w", err)
	}
	reg := handlers.New(cfg.RegistryConfig)
	ctxStore := ctxstore.New(cfg.ContextConfig)

	k := &Kernel{
		cfg:           cfg,
		status:        StateInitialized,
		contextData:   make(map[string]any),
		pendingOps:    make(map[string]struct{}),
		seenOps:       make(map[string]struct{}),
		persistor:     cfg.Persistor,
		ctxStore:      ctxStore,
		registry:      reg,
		queue:         q,
		loopProtector: loopguard.New(cfg.LoopGuard),
		breaker:       loopguard.NewCircuitBreaker(cfg.CircuitBreaker),
		eng:           cfg.Engine,
		atomicRunWF:   "kernel.atomic:" + cfg.ID(),
		logger:        cfg.Telemetry,
		metric:        cfg.Metrics,
	}
	k.processor = processor.New(cfg.ProcessorConfig, reg, k, cfg.Middlewares)

	activityName := k.atomicRunWF + ":activity"
	if err := cfg.Engine.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: activityName,
		Handler: func(ctx context.Context, input any) (any, error) {
			req, ok := input.(*atomicOperation)
			if !ok || req.fn == nil {
				return nil, fmt.Errorf("kernel: unexpected atomic operation input %T", input)
			}
			return req.fn(ctx)
		},
	}); err != nil {
		return nil, fmt.Errorf("kernel: register atomic activity: %w", err)
	}
	if err := cfg.Engine.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: k.atomicRunWF,
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			var result any
			err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{Name: activityName, Input: input}, &result)
			return result, err
		},
	}); err != nil {
		return nil, fmt.Errorf("kernel: register atomic workflow: %w", err)
	}

	return k, nil
}

// atomicOperation wraps an ExecuteAtomicOperation closure so it can be
// threaded through the Engine as a workflow/activity input. Only the
// in-process engine/inmem adapter can carry a closure like this; a
// durable engine (engine/temporal) requires serializable activity
// input, so operations destined for a durable Engine must express fn as
// a registered, named activity rather than a closure.
type atomicOperation struct {
	fn func(context.Context) (any, error)
}

// Status reports the current lifecycle state.
func (k *Kernel) Status() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}

// Initialize transitions initialized -> running and starts the quota
// monitor and auto-snapshot timer.
func (k *Kernel) Initialize(ctx context.Context) error {
	k.mu.Lock()
	if k.status != StateInitialized {
		k.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, k.status)
	}
	k.status = StateRunning
	k.startTime = time.Now()
	k.mu.Unlock()

	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})
	go k.monitorLoop(ctx)
	return nil
}

// Pause flushes staged context writes, builds and persists a snapshot of
// the current business state, and transitions running/paused -> paused.
// It returns the snapshot hash so a caller can Resume from it later.
func (k *Kernel) Pause(ctx context.Context, reason string) (string, error) {
	k.mu.Lock()
	if k.status != StateRunning && k.status != StatePaused {
		k.mu.Unlock()
		return "", fmt.Errorf("%w: pause from %s", ErrInvalidTransition, k.status)
	}
	state := k.stateData
	k.mu.Unlock()

	k.ctxStore.Flush()

	snap := ksnapshot.Freeze(ksnapshot.Snapshot{
		XCID:  k.cfg.ID(),
		TS:    time.Now().UnixMilli(),
		State: state,
	})
	if err := k.persistor.Append(ctx, snap, persistor.AppendOptions{}); err != nil {
		return "", fmt.Errorf("kernel: pause append snapshot: %w", err)
	}

	k.mu.Lock()
	k.status = StatePaused
	k.mu.Unlock()
	k.logger.Info(ctx, "kernel paused", "tenantId", k.cfg.TenantID, "jobId", k.cfg.JobID, "reason", reason, "hash", snap.Hash)
	return snap.Hash, nil
}

// Resume loads the snapshot stored under hash, swaps it in as the current
// business state, clears this tenant's context cache, and transitions
// back to running.
func (k *Kernel) Resume(ctx context.Context, hash string) error {
	k.mu.Lock()
	if k.status != StatePaused {
		k.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, k.status)
	}
	k.mu.Unlock()

	snap, err := k.persistor.GetByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("kernel: resume load snapshot: %w", err)
	}

	k.ctxStore.ClearTenant(k.cfg.TenantID)

	k.mu.Lock()
	k.stateData = snap.State
	k.status = StateRunning
	k.mu.Unlock()
	return nil
}

// Complete transitions running/paused -> completed, stopping the quota
// monitor.
func (k *Kernel) Complete(ctx context.Context) error {
	k.mu.Lock()
	if k.status != StateRunning && k.status != StatePaused {
		k.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, k.status)
	}
	k.status = StateCompleted
	k.mu.Unlock()
	k.stopMonitor()
	return k.queue.Shutdown(ctx)
}

// Fail force-transitions any state to failed.
func (k *Kernel) Fail(ctx context.Context, cause error) {
	k.mu.Lock()
	k.status = StateFailed
	k.mu.Unlock()
	k.logger.Error(ctx, "kernel failed", "tenantId", k.cfg.TenantID, "jobId", k.cfg.JobID, "cause", cause)
	k.stopMonitor()
}

func (k *Kernel) stopMonitor() {
	if k.stopCh == nil {
		return
	}
	select {
	case <-k.stopCh:
	default:
		close(k.stopCh)
	}
	<-k.doneCh
}

// SetState replaces the kernel's opaque business state, as used by a
// planner/executor integration storing its own working state.
func (k *Kernel) SetState(state any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stateData = state
}

// GetState returns the kernel's current opaque business state.
func (k *Kernel) GetState() any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stateData
}

// RegisterHandler registers h for exact-type dispatch. When tenant
// isolation is enabled, tenantID must match the kernel's own tenant.
func (k *Kernel) RegisterHandler(tenantID, eventType string, h handlers.Handler) (handlers.Registration, error) {
	if k.cfg.EnableTenantIsolation && tenantID != k.cfg.TenantID {
		return handlers.Registration{}, ErrTenantMismatch
	}
	return k.registry.OnType(eventType, h), nil
}

// OnAny registers h against every event type dispatched by this kernel,
// used by the Multi-Kernel Manager to install its cross-kernel bridge
// handler and request/response correlation watcher.
func (k *Kernel) OnAny(tenantID string, h handlers.Handler) (handlers.Registration, error) {
	if k.cfg.EnableTenantIsolation && tenantID != k.cfg.TenantID {
		return handlers.Registration{}, ErrTenantMismatch
	}
	return k.registry.OnAny(h), nil
}

// JobID returns the kernel's job identifier.
func (k *Kernel) JobID() string { return k.cfg.JobID }

// ContextStore exposes the kernel's Context Store. The store is not
// scoped to this kernel's tenant: each call names its tenant id, and any
// tenant id is accepted.
func (k *Kernel) ContextStore() *ctxstore.Store { return k.ctxStore }

// TenantID returns the kernel's owning tenant.
func (k *Kernel) TenantID() string { return k.cfg.TenantID }

// Emit stamps evt with this kernel's tenant and enqueues it. If
// EnableEventIdempotency is set and evt.Metadata.OperationID has already
// been seen, Emit short-circuits without enqueueing. Every emit is
// first admitted by the Loop Protector, which raises
// loopguard.ErrInfiniteLoopDetected once the rolling event-type buffer
// overflows MaxEventCount, and then run through the Circuit Breaker
// wrapping the enqueue call so repeated enqueue failures trip the
// breaker open.
func (k *Kernel) Emit(ctx context.Context, evt event.Event) (queue.EnqueueResult, error) {
	evt.Metadata.TenantID = k.cfg.TenantID

	if k.cfg.EnableEventIdempotency && evt.Metadata.OperationID != "" {
		k.mu.Lock()
		_, seen := k.seenOps[evt.Metadata.OperationID]
		if !seen {
			k.seenOps[evt.Metadata.OperationID] = struct{}{}
		}
		k.mu.Unlock()
		if seen {
			return queue.EnqueueResult{Queued: false}, nil
		}
	}

	warnings, err := k.loopProtector.Admit(evt.Type)
	for _, w := range warnings {
		k.logger.Warn(ctx, "kernel: loop protector warning", "tenantId", k.cfg.TenantID, "eventType", evt.Type, "warning", w)
	}
	if err != nil {
		return queue.EnqueueResult{Queued: false}, err
	}

	result, err := k.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return k.queue.Enqueue(ctx, evt)
	})
	res, _ := result.(queue.EnqueueResult)
	return res, err
}

// Drain pulls up to n ready events and runs them through the Event
// Processor, returning the first error encountered (processing continues
// for the rest of the batch regardless).
func (k *Kernel) Drain(ctx context.Context, n int) error {
	batch := k.queue.DequeueBatch(n)
	var firstErr error
	for _, evt := range batch {
		if err := k.processor.Process(ctx, evt); err != nil && firstErr == nil {
			firstErr = err
		}
		k.mu.Lock()
		k.eventCount++
		count := k.eventCount
		k.mu.Unlock()
		if k.cfg.Quotas.MaxEvents > 0 && count >= k.cfg.Quotas.MaxEvents {
			k.autoPause(ctx, "maxEvents")
		}
	}
	return firstErr
}

// Ack and Nack satisfy processor.Acker, delegating to the kernel's queue.
func (k *Kernel) Ack(eventID string) { k.queue.Ack(eventID) }
func (k *Kernel) Nack(ctx context.Context, eventID string, cause error) error {
	return k.queue.Nack(ctx, eventID, cause)
}

// ExecuteAtomicOperation runs fn under the Atomic Operation Manager:
// reentry with the same opId is rejected while the first call is still
// in flight, the number of concurrent operations is capped, and fn races
// against timeout (zero means no timeout). On success, lastOperationHash
// is updated to a content hash of (opId, result, timestamp). fn is
// scheduled through this kernel's Engine as a one-activity workflow run,
// rather than a bare goroutine, so a durable Engine (engine/temporal)
// can back the same call with replay-safe execution.
func (k *Kernel) ExecuteAtomicOperation(ctx context.Context, opID string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	k.mu.Lock()
	if _, ok := k.pendingOps[opID]; ok {
		k.mu.Unlock()
		return nil, ErrOperationPending
	}
	if len(k.pendingOps) >= k.cfg.MaxConcurrentOperations {
		k.mu.Unlock()
		return nil, ErrTooManyOperations
	}
	k.pendingOps[opID] = struct{}{}
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		delete(k.pendingOps, opID)
		k.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h, err := k.eng.StartWorkflow(runCtx, engine.WorkflowStartRequest{
		ID:       k.cfg.ID() + ":" + opID,
		Workflow: k.atomicRunWF,
		Input:    &atomicOperation{fn: fn},
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: start atomic operation %s: %w", opID, err)
	}

	var result any
	if err := h.Wait(runCtx, &result); err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.lastOpHash = hashOperation(opID, result)
	k.mu.Unlock()
	return result, nil
}

func hashOperation(opID string, result any) string {
	payload, _ := json.Marshal(struct {
		OpID   string `json:"opId"`
		Result any    `json:"result"`
		TS     int64  `json:"ts"`
	}{OpID: opID, Result: result, TS: time.Now().UnixNano()})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// monitorLoop polls maxDuration/maxMemory quotas and drives the
// auto-snapshot timer until Complete/Fail stops it.
func (k *Kernel) monitorLoop(ctx context.Context) {
	defer close(k.doneCh)

	quotaTicker := time.NewTicker(k.cfg.QuotaPollInterval)
	defer quotaTicker.Stop()

	var snapTicker *time.Ticker
	if k.cfg.AutoSnapshot.Interval > 0 {
		snapTicker = time.NewTicker(k.cfg.AutoSnapshot.Interval)
		defer snapTicker.Stop()
	}
	snapCh := func() <-chan time.Time {
		if snapTicker == nil {
			return nil
		}
		return snapTicker.C
	}()

	for {
		select {
		case <-k.stopCh:
			return
		case <-quotaTicker.C:
			k.checkDurationAndMemoryQuotas(ctx)
		case <-snapCh:
			if k.Status() == StateRunning {
				if _, err := k.Pause(ctx, "autoSnapshot"); err == nil {
					_ = k.resumeSameState(ctx)
				}
			}
		}
	}
}

// resumeSameState transitions paused back to running without loading a
// snapshot, used by the auto-snapshot timer which pauses only to capture
// state, not to actually suspend processing.
func (k *Kernel) resumeSameState(ctx context.Context) error {
	k.mu.Lock()
	if k.status != StatePaused {
		k.mu.Unlock()
		return nil
	}
	k.status = StateRunning
	k.mu.Unlock()
	return nil
}

func (k *Kernel) checkDurationAndMemoryQuotas(ctx context.Context) {
	k.mu.RLock()
	start := k.startTime
	status := k.status
	k.mu.RUnlock()
	if status != StateRunning {
		return
	}

	if k.cfg.Quotas.MaxDuration > 0 && time.Since(start) >= k.cfg.Quotas.MaxDuration {
		k.autoPause(ctx, "maxDuration")
		return
	}
	if k.cfg.Quotas.MaxMemoryBytes > 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		if mem.HeapAlloc >= k.cfg.Quotas.MaxMemoryBytes {
			k.autoPause(ctx, "maxMemory")
		}
	}
}

// autoPause pauses the kernel on quota breach and best-effort emits a
// quota-exceeded event; a full queue at this point is not itself an error
// worth propagating since the pause already captured the authoritative
// state.
func (k *Kernel) autoPause(ctx context.Context, kind string) {
	if k.Status() != StateRunning {
		return
	}
	hash, err := k.Pause(ctx, "quota:"+kind)
	if err != nil {
		k.logger.Error(ctx, "kernel: auto-pause on quota breach failed", "kind", kind, "error", err)
		return
	}
	k.logger.Warn(ctx, "kernel: quota exceeded, auto-paused", "kind", kind, "hash", hash)
	k.metric.IncCounter("kernel.quota_exceeded", 1, "kind", kind, "tenantId", k.cfg.TenantID)
	_, _ = k.Emit(ctx, event.Event{
		ID:       "quota-" + kind + "-" + hash,
		Type:     "agent.kernel.quota_exceeded",
		ThreadID: k.cfg.JobID,
		TS:       time.Now().UnixMilli(),
		Data:     map[string]any{"kind": kind, "snapshotHash": hash},
		Metadata: event.Metadata{TenantID: k.cfg.TenantID, CorrelationID: k.cfg.CorrelationID},
	})
}
