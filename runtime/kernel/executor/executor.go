// Package executor implements the Plan Executor: it drives a
// planner.Plan to completion round by round, resolving each ready
// step's arguments, invoking it through an injected ToolInvoker,
// classifying the outcome, and deciding whether the run completed, hit
// a dependency deadlock, or needs the planner to replan. Grounded on
// the teacher's workflowLoop (runtime/agent/runtime/workflow_loop.go):
// the same shape of an immutable per-run context plus a mutable,
// in-place-updated loop state, with run() looping until a terminal
// condition is reached instead of threading state through long helper
// signatures.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/goa-ai/runtime/kernel/planner"
	"goa.design/goa-ai/runtime/kernel/telemetry"
	"goa.design/goa-ai/runtime/kernel/toolerrors"
)

// maxExecutionRounds bounds the scheduling loop against dependency-graph
// pathologies (cycles that slipped past Plan.Validate, or a
// ready-set that never empties).
const maxExecutionRounds = 10

// ResultType classifies how a Run call concluded.
type ResultType string

const (
	ResultExecutionComplete ResultType = "execution_complete"
	ResultNeedsReplan       ResultType = "needs_replan"
	ResultDeadlock          ResultType = "deadlock"
)

// ToolCall is one invocation request handed to a ToolInvoker.
type ToolCall struct {
	ToolName string
	Input    map[string]any
}

// ActionResult is the tagged-union outcome of a tool invocation, mirroring
// the wire shapes a provider-side tool adapter may return: a bare tool
// result, a batch of tool results, a final answer, an explicit error, or
// an explicit replan request. Exactly one of the non-Type fields is
// meaningful per Type.
type ActionResult struct {
	Type string // "tool_result" | "tool_results" | "final_answer" | "error" | "needs_replan"

	Content any
	IsError bool

	ToolResults []ToolResultItem

	Error string
	// ErrCause optionally carries the structured cause chain behind
	// Error. When set, replan-trigger matching walks ErrCause.Chain()
	// instead of treating Error as an opaque string, so a trigger
	// buried in a wrapped tool failure (e.g. a transport error causing
	// a "service unavailable" tool error) is still found.
	ErrCause *toolerrors.ToolError

	ReplanContext *planner.ReplanContext
	Feedback      string
}

// ToolResultItem is one entry of a "tool_results" ActionResult batch.
type ToolResultItem struct {
	ToolName string
	Result   any
	Error    string
}

// ToolInvoker executes a single tool call. Implementations adapt to
// whatever transport backs the agent's tools (direct call, registry
// gateway, RPC); the executor never knows which.
type ToolInvoker interface {
	Act(ctx context.Context, call ToolCall) (ActionResult, error)
}

// ArgResolver resolves a step's raw arguments against prior step results,
// matching planner.Planner.ResolveArgs's contract so a Planner
// implementation can be passed directly.
type ArgResolver interface {
	ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []planner.Step, pctx planner.Context) (planner.ResolvedArgs, error)
}

// sentinelPrefixes are argument-resolution placeholders a resolver may
// leave behind when it cannot produce a real value; any string equal to
// or prefixed by one of these (followed by ":") is treated as an
// unresolved argument, same as an entry in ResolvedArgs.Missing.
var sentinelPrefixes = []string{"NOT_FOUND", "MISSING", "INVALID", "ERROR", "NULL", "UNDEFINED"}

// replanTriggers is the case-insensitive substring set that
// containsReplanTrigger matches against. analyzeStepResult reports an
// "error" result as a failed step whether or not a trigger matches, so a
// match does not change the step's outcome.
var replanTriggers = []string{
	"tool not found",
	"tool unavailable",
	"missing required parameter",
	"authentication failed",
	"permission denied",
	"quota exceeded",
	"service unavailable",
	"timeout",
	"rate limit",
	"not found",
	"neither a page nor a database",
	"invalid",
}

// Result is what Run returns: the classified outcome plus enough detail
// to report back to the planner or the caller.
type Result struct {
	Type ResultType

	PlanID   string
	Strategy string

	TotalSteps     int
	ExecutedSteps  []planner.StepExecutionResult
	SuccessfulSteps []planner.StepExecutionResult
	FailedSteps    []planner.StepExecutionResult
	SkippedSteps   []planner.StepExecutionResult

	HasSignalsProblems bool
	Signals            *planner.PlanMetadata

	ExecutionTime time.Duration
	Feedback      string

	ReplanContext *planner.ReplanContext
}

// Executor drives a Plan to completion.
type Executor struct {
	invoker  ToolInvoker
	resolver ArgResolver
	logger   telemetry.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the executor's logger. Defaults to a noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New builds an Executor from a ToolInvoker and ArgResolver.
func New(invoker ToolInvoker, resolver ArgResolver, opts ...Option) (*Executor, error) {
	if invoker == nil {
		return nil, fmt.Errorf("executor: tool invoker is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("executor: arg resolver is required")
	}
	e := &Executor{invoker: invoker, resolver: resolver, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e, nil
}

// loopState is the mutable, in-place-updated state threaded through a
// single Run call, kept separate from the immutable plan/context
// arguments in the same way the teacher separates workflowLoop from
// runLoopState.
type loopState struct {
	plan     *planner.Plan
	pctx     planner.Context
	executed []planner.StepExecutionResult
	start    time.Time
}

// Run drives plan through normalize, an optional waiting_input resume,
// and up to maxExecutionRounds of ready-step scheduling, returning the
// classified outcome.
func (e *Executor) Run(ctx context.Context, plan *planner.Plan, pctx planner.Context) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("executor: plan is required")
	}
	st := &loopState{plan: plan, pctx: pctx, start: time.Now()}

	normalize(st.plan)
	if err := e.resumeIfWaitingInput(ctx, st); err != nil {
		return nil, err
	}

	for round := 0; round < maxExecutionRounds; round++ {
		ready := st.plan.ReadySteps()
		if len(ready) == 0 {
			break
		}
		for _, idx := range ready {
			result := e.executeStepSafe(ctx, st, idx)
			st.executed = append(st.executed, result)
		}
	}

	return e.buildResult(st), nil
}

// normalize demotes any step left in "executing" from a prior aborted
// run: to "failed" if it already has a result recorded, otherwise back
// to "pending" so it is retried. CurrentStepIndex is set to the first
// pending step.
func normalize(plan *planner.Plan) {
	firstPending := -1
	for i := range plan.Steps {
		s := &plan.Steps[i]
		if s.Status == planner.StepExecuting {
			if s.Result != nil {
				s.Status = planner.StepFailed
			} else {
				s.Status = planner.StepPending
			}
		}
		if firstPending == -1 && s.Status == planner.StepPending {
			firstPending = i
		}
	}
	if firstPending >= 0 {
		plan.CurrentStepIndex = firstPending
	}
}

// resumeIfWaitingInput probes the next pending step's arguments when the
// plan was left waiting_input; if nothing is missing anymore, it
// transitions the plan back to executing so the round loop picks it up.
func (e *Executor) resumeIfWaitingInput(ctx context.Context, st *loopState) error {
	if st.plan.Status != planner.PlanWaitingInput {
		return nil
	}
	ready := st.plan.ReadySteps()
	if len(ready) == 0 {
		return nil
	}
	step := st.plan.Steps[ready[0]]
	resolved, missing, err := e.resolveStepArguments(ctx, st, step)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return nil
	}
	st.plan.Steps[ready[0]].Args = resolved
	st.plan.Status = planner.PlanExecuting
	return nil
}

// executeStepSafe resolves arguments, invokes the step's tool (or
// synthesizes a final_answer for a "none"/empty tool), classifies the
// outcome, and updates the step's status and result in place.
func (e *Executor) executeStepSafe(ctx context.Context, st *loopState, idx int) planner.StepExecutionResult {
	step := &st.plan.Steps[idx]
	startedAt := time.Now()

	resolved, missing, err := e.resolveStepArguments(ctx, st, *step)
	if err != nil {
		step.Status = planner.StepFailed
		res := planner.StepExecutionResult{StepID: step.ID, Success: false, Error: err.Error()}
		return res
	}
	if len(missing) > 0 {
		step.Status = planner.StepFailed
		errMsg := "Missing inputs: " + strings.Join(missing, ", ")
		step.Result = errMsg
		e.logger.Warn(ctx, "plan step missing required inputs", "step_id", step.ID, "missing", missing)
		return planner.StepExecutionResult{StepID: step.ID, Success: false, Error: errMsg}
	}
	step.Args = resolved
	step.Status = planner.StepExecuting
	e.logger.Debug(ctx, "plan step started", "step_id", step.ID, "tool", step.Tool)

	var result ActionResult
	if step.Tool == "" || step.Tool == "none" {
		result = ActionResult{Type: "final_answer", Content: step.Description}
	} else {
		result, err = e.invoker.Act(ctx, ToolCall{ToolName: step.Tool, Input: resolved})
		if err != nil {
			step.Status = planner.StepFailed
			e.logger.Error(ctx, "plan step invocation failed", "step_id", step.ID, "tool", step.Tool, "err", err)
			return planner.StepExecutionResult{StepID: step.ID, Success: false, Error: err.Error()}
		}
	}

	success, errMsg := analyzeStepResult(result)
	if success {
		step.Status = planner.StepCompleted
		step.Result = resultContent(result)
	} else {
		step.Status = planner.StepFailed
		step.Result = errMsg
	}
	e.logger.Debug(ctx, "plan step finished", "step_id", step.ID, "success", success, "duration", time.Since(startedAt))

	out := planner.StepExecutionResult{StepID: step.ID, Success: success, Result: step.Result}
	if !success {
		out.Error = errMsg
	}
	return out
}

func resultContent(r ActionResult) any {
	switch r.Type {
	case "final_answer", "tool_result":
		return r.Content
	case "tool_results":
		return r.ToolResults
	default:
		return r.Content
	}
}

// resolveStepArguments asks the resolver to fill step's raw arguments,
// then scans the resolved values for sentinel "unresolved" strings the
// resolver may leave behind, combining both into a single missing list.
func (e *Executor) resolveStepArguments(ctx context.Context, st *loopState, step planner.Step) (map[string]any, []string, error) {
	resolved, err := e.resolver.ResolveArgs(ctx, step.Args, stepsExcept(st.plan.Steps, step.ID), st.pctx)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: resolving arguments for step %s: %w", step.ID, err)
	}
	missing := append([]string{}, resolved.Missing...)
	for k, v := range resolved.Args {
		if s, ok := v.(string); ok && isSentinelValue(s) {
			missing = append(missing, k)
		}
	}
	return resolved.Args, dedupeStrings(missing), nil
}

func stepsExcept(steps []planner.Step, id string) []planner.Step {
	out := make([]planner.Step, 0, len(steps))
	for _, s := range steps {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func isSentinelValue(s string) bool {
	for _, prefix := range sentinelPrefixes {
		if s == prefix || strings.HasPrefix(s, prefix+":") {
			return true
		}
	}
	return false
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// analyzeStepResult classifies an ActionResult into success/failure per
// its Type, handling the wrapped tool-envelope shape a provider may
// return inside Content.
func analyzeStepResult(r ActionResult) (success bool, errMsg string) {
	switch r.Type {
	case "error":
		if containsReplanTrigger(triggerMatchText(r)) || r.Error != "" {
			return false, r.Error
		}
		return false, r.Error
	case "tool_result":
		if env, ok := asWrappedEnvelope(r.Content); ok {
			return analyzeWrappedEnvelope(env)
		}
		return isTruthyContent(r.Content), ""
	case "tool_results":
		for _, item := range r.ToolResults {
			if item.Error != "" {
				return false, item.Error
			}
		}
		return true, ""
	case "final_answer":
		return true, ""
	case "needs_replan":
		return false, r.Feedback
	default:
		return true, ""
	}
}

// wrappedEnvelope is the {result:{isError?, content:[{type, text}]}} shape
// a tool adapter may wrap its response in; text is expected to be a JSON
// object with optional successful/error/data fields.
type wrappedEnvelope struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func asWrappedEnvelope(content any) (wrappedEnvelope, bool) {
	raw, err := json.Marshal(content)
	if err != nil {
		return wrappedEnvelope{}, false
	}
	var env wrappedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wrappedEnvelope{}, false
	}
	if len(env.Result.Content) == 0 && !env.Result.IsError {
		return wrappedEnvelope{}, false
	}
	return env, true
}

func analyzeWrappedEnvelope(env wrappedEnvelope) (bool, string) {
	if env.Result.IsError {
		return false, "tool result marked isError"
	}
	if len(env.Result.Content) == 0 {
		return false, "empty tool result content"
	}
	var body struct {
		Successful *bool  `json:"successful"`
		Error      string `json:"error"`
		Data       any    `json:"data"`
	}
	if err := json.Unmarshal([]byte(env.Result.Content[0].Text), &body); err != nil {
		return false, "tool result content was not valid JSON"
	}
	if body.Successful != nil {
		if !*body.Successful {
			return false, body.Error
		}
		return true, ""
	}
	if isEmptyData(body.Data) {
		return false, "tool result data was empty"
	}
	return true, ""
}

func isEmptyData(v any) bool {
	switch d := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(d) == 0
	case string:
		return d == ""
	default:
		return false
	}
}

func isTruthyContent(v any) bool {
	switch d := v.(type) {
	case nil:
		return false
	case string:
		return d != ""
	case map[string]any:
		return len(d) > 0
	case bool:
		return d
	default:
		return true
	}
}

// triggerMatchText returns the text replan-trigger matching runs
// against for an "error" ActionResult: when r carries a ToolError cause
// chain, every message in the chain (outermost first) joined together,
// so a trigger nested inside a wrapped cause is still found; otherwise
// the raw Error string.
func triggerMatchText(r ActionResult) string {
	if r.ErrCause != nil {
		return strings.Join(r.ErrCause.Chain(), "; ")
	}
	return r.Error
}

func containsReplanTrigger(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, trigger := range replanTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// buildResult classifies the run outcome, populates the preserved/failed
// step lists, and builds a ReplanContext when needed.
func (e *Executor) buildResult(st *loopState) *Result {
	out := &Result{
		PlanID:        st.plan.ID,
		TotalSteps:    len(st.plan.Steps),
		ExecutedSteps: st.executed,
		ExecutionTime: time.Since(st.start),
		Signals:       &st.plan.Metadata,
	}
	for _, r := range st.executed {
		if r.Success {
			out.SuccessfulSteps = append(out.SuccessfulSteps, r)
		} else {
			out.FailedSteps = append(out.FailedSteps, r)
		}
	}
	for _, s := range st.plan.Steps {
		if s.Status == planner.StepSkipped {
			out.SkippedSteps = append(out.SkippedSteps, planner.StepExecutionResult{StepID: s.ID, Success: false})
		}
	}

	out.HasSignalsProblems = st.plan.Metadata.HasSignal("needs", "noDiscoveryPath", "errors", "suggestedNextStep")

	// Steps left pending/executing after the round loop never became ready
	// (their dependencies could not be satisfied) and are the deadlock
	// signal: a step whose status is still "in progress" despite the
	// scheduler having nothing left to run is, by construction, stuck.
	switch {
	case out.HasSignalsProblems:
		out.Type = ResultNeedsReplan
		out.Feedback = "plan Signals require replan: " + strings.Join(st.plan.Metadata.Signals, ", ")
	case len(out.FailedSteps) == 0 && allStepsCompleted(st.plan):
		out.Type = ResultExecutionComplete
	case len(out.FailedSteps) > 0 || len(out.SkippedSteps) > 0:
		out.Type = ResultNeedsReplan
	case anyStepPendingOrExecuting(st.plan):
		out.Type = ResultDeadlock
	default:
		out.Type = ResultExecutionComplete
	}

	if out.Type == ResultNeedsReplan {
		out.ReplanContext = buildReplanContext(out.SuccessfulSteps, out.FailedSteps)
	}
	return out
}

func allStepsCompleted(plan *planner.Plan) bool {
	for _, s := range plan.Steps {
		if s.Status != planner.StepCompleted {
			return false
		}
	}
	return true
}

func anyStepPendingOrExecuting(plan *planner.Plan) bool {
	for _, s := range plan.Steps {
		if s.Status == planner.StepPending || s.Status == planner.StepExecuting {
			return true
		}
	}
	return false
}

// buildReplanContext assembles the feedback handed back to the planner:
// every successful step is preserved, failure strings are deduped and
// lowercased, and the primary cause is bucketed from the first failure.
func buildReplanContext(successful, failed []planner.StepExecutionResult) *planner.ReplanContext {
	rc := &planner.ReplanContext{PreservedSteps: successful}
	patterns := make([]string, 0, len(failed))
	for _, f := range failed {
		if f.Error == "" {
			continue
		}
		patterns = append(patterns, strings.ToLower(f.Error))
	}
	rc.FailurePatterns = dedupeStrings(patterns)
	if len(failed) > 0 {
		rc.PrimaryCause = primaryCauseFromError(failed[0].Error)
		rc.SuggestedStrategy = suggestedStrategyFor(rc.PrimaryCause)
	}
	return rc
}

func primaryCauseFromError(errMsg string) string {
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "invalid"):
		return "Invalid input provided"
	case strings.Contains(lower, "not found"):
		return "Resource not found"
	case strings.Contains(lower, "permission") || strings.Contains(lower, "authentication"):
		return "Permission or authentication error"
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "timeout"):
		return "Service unavailable or timeout"
	default:
		return "Unknown failure"
	}
}

func suggestedStrategyFor(primaryCause string) string {
	switch primaryCause {
	case "Invalid input provided":
		return "Re-resolve arguments with corrected inputs before retrying the step."
	case "Resource not found":
		return "Use a discovery tool to locate the correct resource id before retrying."
	case "Permission or authentication error":
		return "Verify credentials or escalate for access before retrying."
	case "Service unavailable or timeout":
		return "Retry with backoff or fall back to an alternative tool."
	default:
		return "Replan with the preserved steps and adjust the failing step."
	}
}
