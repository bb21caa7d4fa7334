// Package agenthandler wires a planner.Planner and executor.Executor
// pair into a Kernel's event bus: a registered trigger event builds (or
// receives) a Plan, runs it through the Plan Executor, and re-invokes
// the planner on a needs_replan outcome up to the run's replan budget.
// Every tool invocation made during a run is also emitted back through
// Kernel.Emit as a tool-result event, so bridge/observability handlers
// can observe individual tool outcomes without waiting for the run to
// conclude, closing the data-flow loop spec.md describes: "agent
// handlers invoke the Planner/Executor; tool-result events loop back
// through the same bus." Grounded on the teacher's workflow_loop.go
// driving a planner+executor pair from a single entry point, reshaped
// onto kernel.Kernel's Emit/RegisterHandler bus instead of a direct
// in-process call.
package agenthandler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/executor"
	"goa.design/goa-ai/runtime/kernel/handlers"
	"goa.design/goa-ai/runtime/kernel/kernel"
	"goa.design/goa-ai/runtime/kernel/planner"
	"goa.design/goa-ai/runtime/kernel/telemetry"
	"goa.design/goa-ai/runtime/kernel/toolerrors"
)

const (
	// RunRequestedType triggers a planner Think call followed by a Plan
	// Executor run when dispatched through a Kernel this package's
	// Handler is registered against.
	RunRequestedType = "agent.run.requested"
	// ToolResultType is emitted back through Kernel.Emit after every
	// tool invocation made while executing a run's plan.
	ToolResultType = "agent.tool.result"
	// RunCompletedType is emitted once a run reaches a final answer or
	// an explicit need_more_info pause.
	RunCompletedType = "agent.run.completed"
	// RunFailedType is emitted when a run deadlocks or exhausts its
	// replan budget without completing.
	RunFailedType = "agent.run.failed"
)

// ToolFunc executes one named tool. A non-nil error is wrapped in a
// toolerrors.ToolError chain and attached to the returned
// executor.ActionResult.ErrCause so replan-trigger matching can walk
// the cause chain instead of a raw string.
type ToolFunc func(ctx context.Context, call executor.ToolCall) (executor.ActionResult, error)

// RunInput is the event.Event.Data shape RunRequestedType expects, and
// the shape a map[string]any payload (e.g. from a YAML/JSON-triggered
// CLI emit) is parsed into.
type RunInput struct {
	Goal    string
	History []planner.Message
	Tools   []planner.ToolSpec
}

// Handler drives a planner/executor pair from a Kernel event.
type Handler struct {
	kernel  *kernel.Kernel
	planner planner.Planner
	tools   map[string]ToolFunc
	logger  telemetry.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler's logger. Defaults to a noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New builds a Handler bound to k and p, with tools naming every tool a
// produced Plan's steps may invoke.
func New(k *kernel.Kernel, p planner.Planner, tools map[string]ToolFunc, opts ...Option) (*Handler, error) {
	if k == nil {
		return nil, fmt.Errorf("agenthandler: kernel is required")
	}
	if p == nil {
		return nil, fmt.Errorf("agenthandler: planner is required")
	}
	h := &Handler{kernel: k, planner: p, tools: tools, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h, nil
}

// Register installs h against RunRequestedType on its Kernel under
// tenantID.
func (h *Handler) Register(tenantID string) (handlers.Registration, error) {
	return h.kernel.RegisterHandler(tenantID, RunRequestedType, h.Handle)
}

// Handle implements handlers.Handler. It runs the planner/Plan Executor
// loop to completion (bounded by the run's replan budget) and emits the
// terminal outcome as a new event through Kernel.Emit, rather than
// returning one, since a run may re-invoke the planner and executor
// several times before concluding.
func (h *Handler) Handle(ctx context.Context, evt event.Event) (*event.Event, error) {
	in := parseRunInput(evt.Data)

	pctx := planner.Context{Tools: in.Tools, History: in.History}
	input := planner.Input{Goal: in.Goal, History: in.History}

	invoker := &busInvoker{h: h, correlationID: evt.Metadata.CorrelationID}
	ex, err := executor.New(invoker, h.planner, executor.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("agenthandler: build executor: %w", err)
	}

	budget := pctx.EffectiveReplanBudget()
	for attempt := 0; ; attempt++ {
		thought, err := h.planner.Think(ctx, input, pctx)
		if err != nil {
			return nil, fmt.Errorf("agenthandler: think: %w", err)
		}
		if err := thought.Validate(); err != nil {
			return nil, fmt.Errorf("agenthandler: invalid thought: %w", err)
		}

		switch thought.Action {
		case planner.ActionFinalAnswer:
			h.emitTerminal(ctx, evt, RunCompletedType, map[string]any{"answer": thought.FinalAnswer})
			return nil, nil
		case planner.ActionNeedMoreInfo:
			h.emitTerminal(ctx, evt, RunCompletedType, map[string]any{"needMoreInfo": thought.NeedMoreInfo})
			return nil, nil
		case planner.ActionExecutePlan, planner.ActionToolCall:
			plan := thought.Plan
			if plan == nil {
				plan = singleStepPlan(thought.ToolCall)
			}

			result, err := ex.Run(ctx, plan, pctx)
			if err != nil {
				return nil, fmt.Errorf("agenthandler: executor run: %w", err)
			}

			switch result.Type {
			case executor.ResultExecutionComplete:
				answer, err := h.planner.CreateFinalResponse(ctx, pctx)
				if err != nil {
					return nil, fmt.Errorf("agenthandler: create final response: %w", err)
				}
				h.emitTerminal(ctx, evt, RunCompletedType, map[string]any{"answer": answer, "planId": plan.ID})
				return nil, nil
			case executor.ResultNeedsReplan:
				if attempt >= budget {
					h.emitTerminal(ctx, evt, RunFailedType, map[string]any{
						"reason":   "replan budget exhausted",
						"planId":   plan.ID,
						"feedback": result.Feedback,
					})
					return nil, nil
				}
				pctx.Replan = result.ReplanContext
				input.History = append(input.History, planner.Message{Role: "system", Content: result.Feedback})
				continue
			default: // executor.ResultDeadlock
				h.emitTerminal(ctx, evt, RunFailedType, map[string]any{"reason": "deadlock", "planId": plan.ID})
				return nil, nil
			}
		default:
			return nil, fmt.Errorf("agenthandler: action %q is not plan-shaped", thought.Action)
		}
	}
}

// emitTerminal emits a run-concluding event back through the bus,
// preserving src's thread and correlation so downstream correlation
// (e.g. the Multi-Kernel Manager's request/response watcher) still
// resolves.
func (h *Handler) emitTerminal(ctx context.Context, src event.Event, typ string, data map[string]any) {
	_, err := h.kernel.Emit(ctx, event.Event{
		ID:       uuid.NewString(),
		Type:     typ,
		ThreadID: src.ThreadID,
		TS:       time.Now().UnixMilli(),
		Data:     data,
		Metadata: event.Metadata{CorrelationID: src.Metadata.CorrelationID},
	})
	if err != nil {
		h.logger.Warn(ctx, "agenthandler: terminal emit failed", "type", typ, "error", err)
	}
}

// busInvoker adapts a Handler's tool map to executor.ToolInvoker,
// emitting a ToolResultType event through the Kernel after every call.
type busInvoker struct {
	h             *Handler
	correlationID string
}

func (b *busInvoker) Act(ctx context.Context, call executor.ToolCall) (executor.ActionResult, error) {
	fn, ok := b.h.tools[call.ToolName]
	if !ok {
		return executor.ActionResult{}, fmt.Errorf("agenthandler: tool %q is not registered", call.ToolName)
	}

	result, err := fn(ctx, call)
	if err != nil {
		cause := toolerrors.NewWithCause(fmt.Sprintf("tool %s failed", call.ToolName), err)
		result = executor.ActionResult{Type: "error", Error: cause.Error(), ErrCause: cause}
		err = nil
	}

	payload := map[string]any{
		"tool":    call.ToolName,
		"type":    result.Type,
		"isError": result.Type == "error",
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if _, emitErr := b.h.kernel.Emit(ctx, event.Event{
		ID:       uuid.NewString(),
		Type:     ToolResultType,
		ThreadID: call.ToolName,
		TS:       time.Now().UnixMilli(),
		Data:     payload,
		Metadata: event.Metadata{CorrelationID: b.correlationID},
	}); emitErr != nil {
		b.h.logger.Warn(ctx, "agenthandler: tool result emit failed", "tool", call.ToolName, "error", emitErr)
	}
	return result, err
}

// singleStepPlan wraps a bare tool_call thought in a one-step Plan so
// it can be driven through the same executor.Run path as execute_plan.
func singleStepPlan(call planner.ToolCall) *planner.Plan {
	return &planner.Plan{
		ID: uuid.NewString(),
		Steps: []planner.Step{{
			ID:     uuid.NewString(),
			Tool:   call.ToolName,
			Args:   call.Args,
			Status: planner.StepPending,
		}},
	}
}

func parseRunInput(data any) RunInput {
	switch v := data.(type) {
	case RunInput:
		return v
	case map[string]any:
		in := RunInput{}
		if g, ok := v["goal"].(string); ok {
			in.Goal = g
		}
		return in
	default:
		return RunInput{}
	}
}
