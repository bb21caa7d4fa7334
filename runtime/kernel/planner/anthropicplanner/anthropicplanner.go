// Package anthropicplanner implements planner.Planner on top of Claude
// Messages, prompting the model to return a JSON-encoded
// planner.AgentThought instead of free text. Grounded on
// features/model/anthropic/client.go's MessagesClient subset interface
// and Options-with-defaults construction pattern; reshaped from a
// model.Client's Complete/Stream contract into the single Think call the
// tagged-union planner needs, since the kernel's plan-and-execute loop
// reasons in terms of AgentThought rather than raw provider messages.
package anthropicplanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/goa-ai/runtime/kernel/planner"
)

// MessagesClient captures the subset of the Anthropic SDK client the
// planner needs. It is satisfied by *sdk.MessageService so callers can
// pass either a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures optional Planner behavior.
type Options struct {
	// Model is the Claude model identifier used for every Think call.
	// Required.
	Model string

	// MaxTokens caps the completion length. Defaults to 4096 when zero.
	MaxTokens int

	// Temperature is passed through to every request. Zero uses the
	// provider default.
	Temperature float64

	// SystemPrompt prefixes every Think call's system block, ahead of
	// the generated response-format instructions. Optional.
	SystemPrompt string
}

// Planner implements planner.Planner by prompting Claude for a
// JSON-encoded planner.AgentThought.
type Planner struct {
	msg    MessagesClient
	model  string
	maxTok int
	temp   float64
	sys    string
}

var _ planner.Planner = (*Planner)(nil)

// New builds a Planner from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropicplanner: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropicplanner: model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Planner{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
		sys:    opts.SystemPrompt,
	}, nil
}

// NewFromAPIKey constructs a Planner using the default Anthropic HTTP
// client, reading the key from the caller rather than the environment so
// the kernel's config layer stays in control of secrets.
func NewFromAPIKey(apiKey, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicplanner: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

const responseFormatInstruction = `Respond with a single JSON object matching this shape, and nothing else:
{
  "reasoning": string,
  "action": one of "final_answer", "need_more_info", "tool_call", "execute_plan", "parallel_tools", "sequential_tools", "conditional_tools", "mixed_tools", "dependency_tools", "delegate_to_agent",
  "final_answer": string (when action is final_answer),
  "need_more_info": string (when action is need_more_info),
  "tool_call": {"tool_name": string, "args": object} (when action is tool_call),
  "plan": {"id": string, "steps": [{"id": string, "tool": string, "description": string, "args": object, "depends_on": [string]}]} (when action is execute_plan),
  "parallel_tools": [{"tool_name": string, "args": object}] (when action is parallel_tools),
  "sequential_tools": [{"tool_name": string, "args": object}] (when action is sequential_tools),
  "conditional_tools": [{"condition": string, "call": {"tool_name": string, "args": object}}] (when action is conditional_tools),
  "mixed_tools": {"parallel": [...], "sequential": [...]} (when action is mixed_tools),
  "dependency_tools": [{"id": string, "call": {"tool_name": string, "args": object}, "depends_on": [string]}] (when action is dependency_tools),
  "delegation": {"agent_id": string, "input": any} (when action is delegate_to_agent)
}
Do not wrap the JSON in markdown fences.`

// Think prompts Claude with input's goal and history plus pctx's tool
// catalog and replan context, and parses the response into an
// AgentThought.
func (p *Planner) Think(ctx context.Context, input planner.Input, pctx planner.Context) (planner.AgentThought, error) {
	params, err := p.buildParams(input, pctx)
	if err != nil {
		return planner.AgentThought{}, err
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return planner.AgentThought{}, fmt.Errorf("anthropicplanner: messages.new: %w", err)
	}
	thought, err := parseThought(msg)
	if err != nil {
		return planner.AgentThought{}, err
	}
	if err := thought.Validate(); err != nil {
		return planner.AgentThought{}, fmt.Errorf("anthropicplanner: model returned invalid thought: %w", err)
	}
	return thought, nil
}

// ResolveArgs asks Claude to fill rawArgs's unresolved placeholders from
// steps' prior results, returning whichever names it still could not
// resolve.
func (p *Planner) ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []planner.Step, pctx planner.Context) (planner.ResolvedArgs, error) {
	prompt := resolveArgsPrompt(rawArgs, steps)
	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTok),
		Model:     sdk.Model(p.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return planner.ResolvedArgs{}, fmt.Errorf("anthropicplanner: messages.new: %w", err)
	}
	text, err := messageText(msg)
	if err != nil {
		return planner.ResolvedArgs{}, err
	}
	var out planner.ResolvedArgs
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return planner.ResolvedArgs{}, fmt.Errorf("anthropicplanner: parsing resolved args: %w", err)
	}
	return out, nil
}

// CreateFinalResponse asks Claude to synthesize a closing response from
// pctx's accumulated history.
func (p *Planner) CreateFinalResponse(ctx context.Context, pctx planner.Context) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the outcome of this run for the user in a short final response, based on the following history:\n\n")
	for _, m := range pctx.History {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTok),
		Model:     sdk.Model(p.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(sb.String())),
		},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropicplanner: messages.new: %w", err)
	}
	return messageText(msg)
}

func (p *Planner) buildParams(input planner.Input, pctx planner.Context) (*sdk.MessageNewParams, error) {
	var sb strings.Builder
	if p.sys != "" {
		sb.WriteString(p.sys)
		sb.WriteString("\n\n")
	}
	sb.WriteString(responseFormatInstruction)
	if len(pctx.Tools) > 0 {
		sb.WriteString("\n\nAvailable tools:\n")
		for _, t := range pctx.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if pctx.Replan != nil {
		sb.WriteString("\n\nThis is a replan. Prior failure analysis:\n")
		fmt.Fprintf(&sb, "primary cause: %s\n", pctx.Replan.PrimaryCause)
		fmt.Fprintf(&sb, "suggested strategy: %s\n", pctx.Replan.SuggestedStrategy)
		for _, pat := range pctx.Replan.FailurePatterns {
			fmt.Fprintf(&sb, "failure pattern: %s\n", pat)
		}
	}

	msgs := make([]sdk.MessageParam, 0, len(input.History)+1)
	for _, m := range input.History {
		switch strings.ToLower(m.Role) {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(input.Goal)))

	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTok),
		Model:     sdk.Model(p.model),
		Messages:  msgs,
		System:    []sdk.TextBlockParam{{Text: sb.String()}},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	return &params, nil
}

func resolveArgsPrompt(rawArgs map[string]any, steps []planner.Step) string {
	raw, _ := json.Marshal(rawArgs)
	var sb strings.Builder
	sb.WriteString("Resolve the following tool arguments using the results of previously executed steps. ")
	sb.WriteString(`Respond with a single JSON object {"args": object, "missing": [string]} and nothing else.` + "\n\n")
	fmt.Fprintf(&sb, "arguments to resolve: %s\n\n", raw)
	sb.WriteString("completed steps:\n")
	for _, s := range steps {
		result, _ := json.Marshal(s.Result)
		fmt.Fprintf(&sb, "- %s (%s): status=%s result=%s\n", s.ID, s.Tool, s.Status, result)
	}
	return sb.String()
}

func parseThought(msg *sdk.Message) (planner.AgentThought, error) {
	text, err := messageText(msg)
	if err != nil {
		return planner.AgentThought{}, err
	}
	var wire wireThought
	if err := json.Unmarshal([]byte(stripFences(text)), &wire); err != nil {
		return planner.AgentThought{}, fmt.Errorf("anthropicplanner: parsing model response as JSON: %w", err)
	}
	return wire.toAgentThought(), nil
}

func messageText(msg *sdk.Message) (string, error) {
	if msg == nil {
		return "", errors.New("anthropicplanner: nil response message")
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropicplanner: response contained no text content")
	}
	return sb.String(), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// wireThought mirrors planner.AgentThought's shape with JSON tags; kept
// separate so the domain type never carries wire-format concerns.
type wireThought struct {
	Reasoning        string                    `json:"reasoning"`
	Action           string                    `json:"action"`
	FinalAnswer      string                    `json:"final_answer"`
	NeedMoreInfo     string                    `json:"need_more_info"`
	ToolCall         *wireToolCall             `json:"tool_call"`
	Plan             *wirePlan                 `json:"plan"`
	ParallelTools    []wireToolCall            `json:"parallel_tools"`
	SequentialTools  []wireToolCall            `json:"sequential_tools"`
	ConditionalTools []wireConditionalToolCall `json:"conditional_tools"`
	MixedTools       *wireMixedToolCalls       `json:"mixed_tools"`
	DependencyTools  []wireDependencyToolCall  `json:"dependency_tools"`
	Delegation       *wireDelegation           `json:"delegation"`
}

type wireToolCall struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

func (w wireToolCall) toDomain() planner.ToolCall {
	return planner.ToolCall{ToolName: w.ToolName, Args: w.Args}
}

type wireConditionalToolCall struct {
	Condition string       `json:"condition"`
	Call      wireToolCall `json:"call"`
}

type wireMixedToolCalls struct {
	Parallel   []wireToolCall `json:"parallel"`
	Sequential []wireToolCall `json:"sequential"`
}

type wireDependencyToolCall struct {
	ID        string       `json:"id"`
	Call      wireToolCall `json:"call"`
	DependsOn []string     `json:"depends_on"`
}

type wireDelegation struct {
	AgentID string `json:"agent_id"`
	Input   any    `json:"input"`
}

type wireStep struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Args        map[string]any `json:"args"`
	DependsOn   []string       `json:"depends_on"`
}

type wirePlan struct {
	ID    string     `json:"id"`
	Steps []wireStep `json:"steps"`
}

func (w wirePlan) toDomain() *planner.Plan {
	steps := make([]planner.Step, 0, len(w.Steps))
	for _, s := range w.Steps {
		steps = append(steps, planner.Step{
			ID:          s.ID,
			Tool:        s.Tool,
			Description: s.Description,
			Args:        s.Args,
			DependsOn:   s.DependsOn,
			Status:      planner.StepPending,
		})
	}
	return &planner.Plan{ID: w.ID, Steps: steps, Status: planner.PlanPending}
}

func (w wireThought) toAgentThought() planner.AgentThought {
	out := planner.AgentThought{
		Reasoning:    w.Reasoning,
		Action:       planner.Action(w.Action),
		FinalAnswer:  w.FinalAnswer,
		NeedMoreInfo: w.NeedMoreInfo,
	}
	if w.ToolCall != nil {
		out.ToolCall = w.ToolCall.toDomain()
	}
	if w.Plan != nil {
		out.Plan = w.Plan.toDomain()
	}
	for _, t := range w.ParallelTools {
		out.ParallelTools = append(out.ParallelTools, t.toDomain())
	}
	for _, t := range w.SequentialTools {
		out.SequentialTools = append(out.SequentialTools, t.toDomain())
	}
	for _, c := range w.ConditionalTools {
		out.ConditionalTools = append(out.ConditionalTools, planner.ConditionalToolCall{
			Condition: c.Condition,
			Call:      c.Call.toDomain(),
		})
	}
	if w.MixedTools != nil {
		for _, t := range w.MixedTools.Parallel {
			out.MixedTools.Parallel = append(out.MixedTools.Parallel, t.toDomain())
		}
		for _, t := range w.MixedTools.Sequential {
			out.MixedTools.Sequential = append(out.MixedTools.Sequential, t.toDomain())
		}
	}
	for _, d := range w.DependencyTools {
		out.DependencyTools = append(out.DependencyTools, planner.DependencyToolCall{
			ID:        d.ID,
			Call:      d.Call.toDomain(),
			DependsOn: d.DependsOn,
		})
	}
	if w.Delegation != nil {
		out.Delegation = planner.Delegation{AgentID: w.Delegation.AgentID, Input: w.Delegation.Input}
	}
	return out
}
