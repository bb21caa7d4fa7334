package main

import (
	"context"

	"goa.design/goa-ai/runtime/kernel/planner"
)

// demoPlanner is a minimal planner.Planner used by `kerneld run` to
// exercise the Planner/Plan Executor loop without requiring a real
// model provider: every goal is handed to the "echo" tool, and the
// final response simply acknowledges completion. It exists only for
// the CLI demo; real deployments wire a provider-backed planner such as
// planner/anthropicplanner.
type demoPlanner struct{}

var _ planner.Planner = demoPlanner{}

func (demoPlanner) Think(_ context.Context, input planner.Input, _ planner.Context) (planner.AgentThought, error) {
	return planner.AgentThought{
		Reasoning: "demo planner delegates every goal to the echo tool",
		Action:    planner.ActionToolCall,
		ToolCall: planner.ToolCall{
			ToolName: "echo",
			Args:     map[string]any{"goal": input.Goal},
		},
	}, nil
}

func (demoPlanner) ResolveArgs(_ context.Context, rawArgs map[string]any, _ []planner.Step, _ planner.Context) (planner.ResolvedArgs, error) {
	return planner.ResolvedArgs{Args: rawArgs}, nil
}

func (demoPlanner) CreateFinalResponse(_ context.Context, _ planner.Context) (string, error) {
	return "demo run complete", nil
}
