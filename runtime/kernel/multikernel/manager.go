// Package multikernel implements the Multi-Kernel Manager: it owns a
// registry of Kernel instances, a cross-kernel Bridge set that forwards
// pattern-matched events between them while preserving correlation ids,
// and correlation-keyed request/response. Grounded on the teacher's
// parallel-initialize-then-register-status pattern for multi-tenant
// engine pools, re-targeted at spec.md §4.I.
package multikernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/kernel"
	"goa.design/goa-ai/runtime/kernel/telemetry"
)

// KernelSpec describes one kernel the Manager should own.
type KernelSpec struct {
	KernelID  string
	Namespace event.Kernel
	TenantID  string

	NeedsPersistence bool
	NeedsSnapshots   bool

	Config kernel.Config
}

// Bridge is a unidirectional propagation rule: events emitted by a kernel
// in FromNamespace whose type matches EventPattern are forwarded into
// ToNamespace, optionally rewritten by Transform.
type Bridge struct {
	FromNamespace event.Kernel
	ToNamespace   event.Kernel
	// EventPattern is "*" (match everything), "prefix.*" (match any type
	// with that dotted prefix), or an exact type string.
	EventPattern string
	// Transform optionally rewrites the event before forwarding. Nil
	// means forward unchanged.
	Transform func(event.Event) event.Event
	EnableLogging bool
}

func (b Bridge) matches(sourceNamespace event.Kernel, typ string) bool {
	if b.FromNamespace != sourceNamespace {
		return false
	}
	return matchPattern(b.EventPattern, typ)
}

func matchPattern(pattern, typ string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(typ, prefix)
	}
	return pattern == typ
}

// PropagationRecord is one entry in the Manager's bounded cross-kernel
// propagation log.
type PropagationRecord struct {
	From          string
	To            string
	EventType     string
	CorrelationID string
	TS            time.Time
}

const propagationLogSize = 10

// managedKernel tracks one kernel alongside its spec and, if
// initialization failed, the error that caused it.
type managedKernel struct {
	spec   KernelSpec
	k      *kernel.Kernel
	status kernel.State
	initErr error
}

// ErrKernelNotFound is returned when an operation names an unknown
// kernel id or an unmapped namespace.
var ErrKernelNotFound = errors.New("multikernel: kernel not found")

// ErrRequestTimeout is returned by Request when no response arrives
// within the given timeout.
var ErrRequestTimeout = errors.New("multikernel: request timed out")

type pendingRequest struct {
	respType string
	ch       chan event.Event
}

// Manager owns N kernels and the bridges between them. It holds no
// mutable state beyond the kernel registry, the bridge list, the
// bounded propagation log, and the pending Request watchers, per
// spec.md §5's shared-resource policy.
type Manager struct {
	mu      sync.RWMutex
	kernels map[string]*managedKernel
	byNS    map[event.Kernel][]*managedKernel
	bridges []Bridge
	log     []PropagationRecord

	pendingMu sync.Mutex
	pending   map[string]pendingRequest

	logger telemetry.Logger
}

// New constructs an empty Manager. Call AddKernelSpec/AddBridge to
// configure it, then Initialize to build and start every kernel.
func New(logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		kernels: make(map[string]*managedKernel),
		byNS:    make(map[event.Kernel][]*managedKernel),
		pending: make(map[string]pendingRequest),
		logger:  logger,
	}
}

// AddKernelSpec registers a kernel to be built on the next Initialize.
func (m *Manager) AddKernelSpec(spec KernelSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := &managedKernel{spec: spec, status: kernel.StateInitialized}
	m.kernels[spec.KernelID] = mk
	m.byNS[spec.Namespace] = append(m.byNS[spec.Namespace], mk)
}

// AddBridge registers a cross-kernel propagation rule.
func (m *Manager) AddBridge(b Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = append(m.bridges, b)
}

// Initialize builds and starts every registered kernel spec in parallel.
// A kernel that fails to build or initialize is kept in the registry
// with status failed so status reports stay accurate; Initialize itself
// only returns an error if no kernel could be constructed at all.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	specs := make([]*managedKernel, 0, len(m.kernels))
	for _, mk := range m.kernels {
		specs = append(specs, mk)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, mk := range specs {
		wg.Add(1)
		go func(mk *managedKernel) {
			defer wg.Done()
			m.initOne(ctx, mk)
		}(mk)
	}
	wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mk := range m.kernels {
		if mk.status != kernel.StateFailed {
			return nil
		}
	}
	if len(m.kernels) == 0 {
		return nil
	}
	return fmt.Errorf("multikernel: every kernel failed to initialize")
}

func (m *Manager) initOne(ctx context.Context, mk *managedKernel) {
	k, err := kernel.New(mk.spec.Config)
	if err != nil {
		m.mu.Lock()
		mk.status = kernel.StateFailed
		mk.initErr = err
		m.mu.Unlock()
		m.logger.Error(ctx, "multikernel: kernel build failed", "kernelId", mk.spec.KernelID, "error", err)
		return
	}
	if err := k.Initialize(ctx); err != nil {
		m.mu.Lock()
		mk.status = kernel.StateFailed
		mk.initErr = err
		m.mu.Unlock()
		m.logger.Error(ctx, "multikernel: kernel initialize failed", "kernelId", mk.spec.KernelID, "error", err)
		return
	}

	source := mk.spec.Namespace
	_, regErr := k.OnAny(mk.spec.TenantID, func(ctx context.Context, evt event.Event) (*event.Event, error) {
		m.onAnyEvent(ctx, source, evt)
		return nil, nil
	})
	if regErr != nil {
		m.logger.Error(ctx, "multikernel: bridge handler registration failed", "kernelId", mk.spec.KernelID, "error", regErr)
	}

	m.mu.Lock()
	mk.k = k
	mk.status = k.Status()
	m.mu.Unlock()
}

// onAnyEvent runs the bridge-forwarding and request/response watcher
// logic the Manager registers as a wildcard handler on every kernel.
func (m *Manager) onAnyEvent(ctx context.Context, source event.Kernel, evt event.Event) {
	m.resolvePending(evt)
	m.propagate(ctx, source, evt)
}

func (m *Manager) resolvePending(evt event.Event) {
	if evt.Metadata.CorrelationID == "" {
		return
	}
	m.pendingMu.Lock()
	req, ok := m.pending[evt.Metadata.CorrelationID]
	if ok && evt.Type == req.respType {
		delete(m.pending, evt.Metadata.CorrelationID)
	}
	m.pendingMu.Unlock()
	if ok && evt.Type == req.respType {
		req.ch <- evt
	}
}

func (m *Manager) propagate(ctx context.Context, source event.Kernel, evt event.Event) {
	m.mu.RLock()
	bridges := m.bridges
	m.mu.RUnlock()

	for _, b := range bridges {
		if !b.matches(source, evt.Type) {
			continue
		}
		out := evt
		if b.Transform != nil {
			out = b.Transform(evt)
		}
		out.Metadata.CorrelationID = evt.Metadata.CorrelationID

		target, ok := m.firstByNamespace(b.ToNamespace)
		if !ok || target.k == nil {
			continue
		}
		if _, err := target.k.Emit(ctx, out); err != nil {
			m.logger.Warn(ctx, "multikernel: bridge forward failed", "from", source, "to", b.ToNamespace, "error", err)
			continue
		}
		if b.EnableLogging {
			m.logger.Info(ctx, "multikernel: bridge forwarded event", "from", source, "to", b.ToNamespace, "type", evt.Type)
		}
		m.appendPropagation(PropagationRecord{
			From:          string(source),
			To:            string(b.ToNamespace),
			EventType:     evt.Type,
			CorrelationID: evt.Metadata.CorrelationID,
			TS:            time.Now(),
		})
	}
}

func (m *Manager) firstByNamespace(ns event.Kernel) (*managedKernel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := m.byNS[ns]
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

func (m *Manager) appendPropagation(rec PropagationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, rec)
	if len(m.log) > propagationLogSize {
		m.log = m.log[len(m.log)-propagationLogSize:]
	}
}

// PropagationLog returns a copy of the bounded cross-kernel propagation
// log (most recent last).
func (m *Manager) PropagationLog() []PropagationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PropagationRecord, len(m.log))
	copy(out, m.log)
	return out
}

// Status reports the lifecycle state of every registered kernel, keyed
// by kernel id, including ones that failed to initialize.
func (m *Manager) Status() map[string]kernel.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]kernel.State, len(m.kernels))
	for id, mk := range m.kernels {
		if mk.k != nil {
			out[id] = mk.k.Status()
		} else {
			out[id] = mk.status
		}
	}
	return out
}

// Kernel returns the live kernel registered under id, or
// ErrKernelNotFound if no such kernel exists or it failed to initialize.
func (m *Manager) Kernel(id string) (*kernel.Kernel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.kernels[id]
	if !ok || mk.k == nil {
		return nil, ErrKernelNotFound
	}
	return mk.k, nil
}

// PauseResult reports the outcome of pausing one kernel.
type PauseResult struct {
	KernelID     string
	SnapshotHash string
	Err          error
}

// PauseAll pauses every running kernel. Snapshot hashes are reported only
// for kernels whose spec opted into NeedsSnapshots; other kernels are
// still paused (state transition only) but their hash is withheld since
// they carry no durable snapshot contract.
func (m *Manager) PauseAll(ctx context.Context) []PauseResult {
	m.mu.RLock()
	mks := make([]*managedKernel, 0, len(m.kernels))
	for _, mk := range m.kernels {
		mks = append(mks, mk)
	}
	m.mu.RUnlock()

	results := make([]PauseResult, 0, len(mks))
	for _, mk := range mks {
		if mk.k == nil || mk.k.Status() != kernel.StateRunning {
			continue
		}
		hash, err := mk.k.Pause(ctx, "multikernel.pauseAll")
		res := PauseResult{KernelID: mk.spec.KernelID, Err: err}
		if err == nil && mk.spec.NeedsSnapshots {
			res.SnapshotHash = hash
		}
		results = append(results, res)
	}
	return results
}

// ResumeAll resumes every paused kernel named in hashes (kernelId ->
// snapshot hash). Kernels paused without a snapshot hash (because
// NeedsSnapshots was false) cannot be resumed by the manager and must be
// recreated instead.
func (m *Manager) ResumeAll(ctx context.Context, hashes map[string]string) map[string]error {
	m.mu.RLock()
	mks := make(map[string]*managedKernel, len(m.kernels))
	for id, mk := range m.kernels {
		mks[id] = mk
	}
	m.mu.RUnlock()

	out := make(map[string]error, len(hashes))
	for id, hash := range hashes {
		mk, ok := mks[id]
		if !ok || mk.k == nil {
			out[id] = ErrKernelNotFound
			continue
		}
		out[id] = mk.k.Resume(ctx, hash)
	}
	return out
}

// Request emits reqType with payload into the kernel owning reqType's
// namespace, installs a one-shot watcher for a respType event carrying
// the same correlation id, and blocks until that response arrives, ctx
// is cancelled, or timeout elapses.
func (m *Manager) Request(ctx context.Context, reqType, respType string, payload any, timeout time.Duration) (event.Event, error) {
	ns := event.Namespace(reqType)
	target, ok := m.firstByNamespace(ns)
	if !ok || target.k == nil {
		return event.Event{}, ErrKernelNotFound
	}

	correlationID := uuid.NewString()
	ch := make(chan event.Event, 1)
	m.pendingMu.Lock()
	m.pending[correlationID] = pendingRequest{respType: respType, ch: ch}
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, correlationID)
		m.pendingMu.Unlock()
	}()

	_, err := target.k.Emit(ctx, event.Event{
		ID:   correlationID + "-req",
		Type: reqType,
		Data: payload,
		TS:   time.Now().UnixMilli(),
		Metadata: event.Metadata{
			CorrelationID: correlationID,
			TenantID:      target.spec.TenantID,
		},
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("multikernel: request emit: %w", err)
	}

	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return event.Event{}, ErrRequestTimeout
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}
