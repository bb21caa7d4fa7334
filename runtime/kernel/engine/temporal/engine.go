// Package temporal adapts the engine.Engine abstraction onto Temporal,
// letting a kernel run survive process restarts, retry activities
// according to policy, and be observed through Temporal's own
// tooling. Grounded on runtime/agent/engine/temporal/engine.go and
// workflow_context.go, trimmed to the leaner Engine surface this
// module defines (no typed child-workflow support, no per-activity
// typed registration).
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-ai/runtime/kernel/engine"
	"goa.design/goa-ai/runtime/kernel/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions
	// is used to create one lazily.
	Client client.Client
	// ClientOptions builds a client when Client is nil.
	ClientOptions client.Options
	// TaskQueue is the default queue used when a workflow or activity
	// definition doesn't specify one. Required.
	TaskQueue string
	// WorkerOptions is forwarded to worker.New for the default queue's
	// worker.
	WorkerOptions worker.Options

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine implements engine.Engine backed by a Temporal client and a
// single worker servicing Options.TaskQueue.
type Engine struct {
	client      client.Client
	closeClient bool
	queue       string
	worker      worker.Worker
	started     bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu        sync.Mutex
	workflows map[string]engine.WorkflowDefinition

	contexts sync.Map // runID -> engine.WorkflowContext
}

// New constructs a Temporal-backed engine. Register workflows and
// activities, then call Start to launch the worker before starting any
// kernel run.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		var err error
		cli, err = client.NewLazyClient(opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	w := worker.New(cli, opts.TaskQueue, opts.WorkerOptions)

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		queue:       opts.TaskQueue,
		worker:      w,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		workflows:   make(map[string]engine.WorkflowDefinition),
	}, nil
}

// Start launches the worker. Must be called once after all workflows
// and activities are registered, before the first StartWorkflow call.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.worker.Start(); err != nil {
		return fmt.Errorf("temporal engine: start worker: %w", err)
	}
	e.started = true
	return nil
}

// Close stops the worker and, if the engine created its own client,
// closes it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: invalid workflow definition")
	}
	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.mu.Unlock()

	e.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		wctx := e.newWorkflowContext(tctx)
		defer e.contexts.Delete(wctx.runID)
		return def.Handler(wctx, input)
	}, workflow.RegisterOptions{Name: def.Name})
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: invalid activity definition")
	}
	e.worker.RegisterActivityWithOptions(func(actx context.Context, input any) (any, error) {
		return def.Handler(actx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	_, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: workflow %q not registered", req.Workflow)
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = e.queue
	}
	startOpts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		startOpts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, startOpts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: execute workflow: %w", err)
	}
	return &handle{client: e.client, run: run}, nil
}

func convertRetryPolicy(r engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	return &sdktemporal.RetryPolicy{
		MaximumAttempts:    int32(r.MaxAttempts),
		InitialInterval:    r.InitialInterval,
		BackoffCoefficient: r.BackoffCoefficient,
	}
}
