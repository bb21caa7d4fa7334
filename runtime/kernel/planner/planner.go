// Package planner defines the Planner contract the Kernel's agent
// handlers invoke to decide what happens next for a run: produce a final
// answer, ask for more information, or request one of several shapes of
// tool execution (single, parallel, sequential, conditional, mixed,
// dependency-graphed, or delegated to another agent). Grounded on the
// teacher's planner contract (runtime/agent/planner/planner.go) but
// reshaped from its PlanStart/PlanResume two-method interface into the
// tagged-union Think contract spec.md §4.K describes, since the kernel's
// plan-and-execute strategy needs a single decision point that can also
// hand back a full multi-step Plan.
package planner

import (
	"context"
	"errors"
)

// Action tags which variant of AgentThought is populated.
type Action string

const (
	ActionFinalAnswer      Action = "final_answer"
	ActionNeedMoreInfo     Action = "need_more_info"
	ActionToolCall         Action = "tool_call"
	ActionExecutePlan      Action = "execute_plan"
	ActionParallelTools    Action = "parallel_tools"
	ActionSequentialTools  Action = "sequential_tools"
	ActionConditionalTools Action = "conditional_tools"
	ActionMixedTools       Action = "mixed_tools"
	ActionDependencyTools  Action = "dependency_tools"
	ActionDelegateToAgent  Action = "delegate_to_agent"
)

// ToolCall names a single tool invocation with its arguments.
type ToolCall struct {
	ToolName string
	Args     map[string]any
}

// ConditionalToolCall gates a ToolCall on a planner-evaluated condition
// string (interpreted by the executor against run state).
type ConditionalToolCall struct {
	Condition string
	Call      ToolCall
}

// DependencyToolCall is a ToolCall participating in a dependency-ordered
// batch; ID must be unique within the batch and DependsOn references
// other calls' IDs.
type DependencyToolCall struct {
	ID        string
	Call      ToolCall
	DependsOn []string
}

// MixedToolCalls groups calls that should run in parallel alongside
// calls that must run strictly in sequence.
type MixedToolCalls struct {
	Parallel   []ToolCall
	Sequential []ToolCall
}

// Delegation hands the remainder of a run to another agent.
type Delegation struct {
	AgentID string
	Input   any
}

// AgentThought is the planner's tagged-union decision. Exactly one field
// corresponding to Action is meaningful; the rest are zero.
type AgentThought struct {
	Reasoning string
	Action    Action

	FinalAnswer      string
	NeedMoreInfo     string
	ToolCall         ToolCall
	Plan             *Plan
	ParallelTools    []ToolCall
	SequentialTools  []ToolCall
	ConditionalTools []ConditionalToolCall
	MixedTools       MixedToolCalls
	DependencyTools  []DependencyToolCall
	Delegation       Delegation
}

// Validate checks the structural invariants Think's output must satisfy:
// a payload consistent with Action. Reasoning is not checked and may be
// empty. It does not validate tool names against a catalog; that is the
// executor's job.
func (t AgentThought) Validate() error {
	switch t.Action {
	case ActionFinalAnswer:
		if t.FinalAnswer == "" {
			return errors.New("planner: final_answer requires non-empty FinalAnswer")
		}
	case ActionNeedMoreInfo:
		if t.NeedMoreInfo == "" {
			return errors.New("planner: need_more_info requires non-empty NeedMoreInfo")
		}
	case ActionToolCall:
		if t.ToolCall.ToolName == "" {
			return errors.New("planner: tool_call requires a ToolName")
		}
	case ActionExecutePlan:
		if t.Plan == nil {
			return errors.New("planner: execute_plan requires a Plan")
		}
		return t.Plan.Validate()
	case ActionParallelTools:
		if len(t.ParallelTools) == 0 {
			return errors.New("planner: parallel_tools requires at least one call")
		}
	case ActionSequentialTools:
		if len(t.SequentialTools) == 0 {
			return errors.New("planner: sequential_tools requires at least one call")
		}
	case ActionConditionalTools:
		if len(t.ConditionalTools) == 0 {
			return errors.New("planner: conditional_tools requires at least one call")
		}
	case ActionMixedTools:
		if len(t.MixedTools.Parallel) == 0 && len(t.MixedTools.Sequential) == 0 {
			return errors.New("planner: mixed_tools requires at least one call")
		}
	case ActionDependencyTools:
		return validateDependencyGraph(t.DependencyTools)
	case ActionDelegateToAgent:
		if t.Delegation.AgentID == "" {
			return errors.New("planner: delegate_to_agent requires an AgentID")
		}
	default:
		return errors.New("planner: unknown action " + string(t.Action))
	}
	return nil
}

func validateDependencyGraph(calls []DependencyToolCall) error {
	if len(calls) == 0 {
		return errors.New("planner: dependency_tools requires at least one call")
	}
	ids := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			return errors.New("planner: every dependency call needs a unique id")
		}
		if _, dup := ids[c.ID]; dup {
			return errors.New("planner: duplicate dependency call id " + c.ID)
		}
		ids[c.ID] = struct{}{}
	}
	for _, c := range calls {
		for _, dep := range c.DependsOn {
			if _, ok := ids[dep]; !ok {
				return errors.New("planner: dependency call " + c.ID + " depends on unknown id " + dep)
			}
		}
	}
	return detectCycle(calls)
}

func detectCycle(calls []DependencyToolCall) error {
	byID := make(map[string][]string, len(calls))
	for _, c := range calls {
		byID[c.ID] = c.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(calls))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return errors.New("planner: dependency_tools graph has a cycle at " + id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, c := range calls {
		if err := visit(c.ID); err != nil {
			return err
		}
	}
	return nil
}

// Message is one turn of conversation history supplied to the planner.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes one tool available to the planner.
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte
}

// ReplanContext carries the executor's analysis of a failed run back into
// the planner for its next Think call.
type ReplanContext struct {
	PreservedSteps    []StepExecutionResult
	FailurePatterns   []string
	PrimaryCause      string
	SuggestedStrategy string
}

// Context carries the per-call configuration and accumulated state the
// planner needs beyond the immediate input: the tool catalog, execution
// history, and any pending replan analysis.
type Context struct {
	Tools   []ToolSpec
	History []Message

	// ReplanBudget bounds how many times the executor may ask the
	// planner to replan a single run. The zero value means "unset"; the
	// kernel applies a default of 1 so a caller that never configures it
	// still gets exactly one replan attempt before giving up, matching
	// the teacher's options-with-default convention.
	ReplanBudget int

	Replan *ReplanContext
}

// EffectiveReplanBudget returns c.ReplanBudget, defaulting to 1 when
// unset.
func (c Context) EffectiveReplanBudget() int {
	if c.ReplanBudget <= 0 {
		return 1
	}
	return c.ReplanBudget
}

// Input is what the planner reasons over on a single Think call.
type Input struct {
	Goal    string
	History []Message
}

// ResolvedArgs is resolveArgs's output: the resolved argument map plus
// any argument names it could not resolve.
type ResolvedArgs struct {
	Args    map[string]any
	Missing []string
}

// Planner is the decision-making contract the Kernel's agent handlers
// invoke. Implementations must be safe for concurrent use; per-run state
// lives in Context/Input, never on the Planner itself.
type Planner interface {
	// Think produces the next AgentThought for input given ctx's tool
	// catalog, history, and replan context.
	Think(ctx context.Context, input Input, pctx Context) (AgentThought, error)

	// ResolveArgs resolves rawArgs against steps' prior results and pctx,
	// reporting which argument names it could not fill.
	ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []Step, pctx Context) (ResolvedArgs, error)

	// CreateFinalResponse synthesizes a closing response string from
	// pctx's accumulated history, used when the executor's run concludes
	// without the planner itself producing a final_answer (e.g. after
	// completing a Plan).
	CreateFinalResponse(ctx context.Context, pctx Context) (string, error)
}
