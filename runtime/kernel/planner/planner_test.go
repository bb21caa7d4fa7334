package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFinalAnswerRequiresContent(t *testing.T) {
	require.Error(t, AgentThought{Action: ActionFinalAnswer}.Validate())
	require.NoError(t, AgentThought{Action: ActionFinalAnswer, FinalAnswer: "done"}.Validate())
}

func TestValidateToolCallRequiresName(t *testing.T) {
	require.Error(t, AgentThought{Action: ActionToolCall}.Validate())
	require.NoError(t, AgentThought{Action: ActionToolCall, ToolCall: ToolCall{ToolName: "search"}}.Validate())
}

func TestValidateDependencyToolsDetectsCycle(t *testing.T) {
	thought := AgentThought{
		Action: ActionDependencyTools,
		DependencyTools: []DependencyToolCall{
			{ID: "a", Call: ToolCall{ToolName: "x"}, DependsOn: []string{"b"}},
			{ID: "b", Call: ToolCall{ToolName: "y"}, DependsOn: []string{"a"}},
		},
	}
	require.Error(t, thought.Validate())
}

func TestValidateDependencyToolsRejectsDuplicateID(t *testing.T) {
	thought := AgentThought{
		Action: ActionDependencyTools,
		DependencyTools: []DependencyToolCall{
			{ID: "a", Call: ToolCall{ToolName: "x"}},
			{ID: "a", Call: ToolCall{ToolName: "y"}},
		},
	}
	require.Error(t, thought.Validate())
}

func TestValidateDependencyToolsAcceptsAcyclicGraph(t *testing.T) {
	thought := AgentThought{
		Action: ActionDependencyTools,
		DependencyTools: []DependencyToolCall{
			{ID: "a", Call: ToolCall{ToolName: "x"}},
			{ID: "b", Call: ToolCall{ToolName: "y"}, DependsOn: []string{"a"}},
		},
	}
	require.NoError(t, thought.Validate())
}

func TestValidateExecutePlanDelegatesToPlan(t *testing.T) {
	require.Error(t, AgentThought{Action: ActionExecutePlan}.Validate())

	plan := &Plan{Steps: []Step{{ID: "s1", Tool: "none"}}}
	require.NoError(t, AgentThought{Action: ActionExecutePlan, Plan: plan}.Validate())
}

func TestValidateUnknownActionFails(t *testing.T) {
	require.Error(t, AgentThought{Action: "bogus"}.Validate())
}

func TestContextEffectiveReplanBudgetDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, Context{}.EffectiveReplanBudget())
	require.Equal(t, 3, Context{ReplanBudget: 3}.EffectiveReplanBudget())
}

func TestPlanValidateRequiresUniqueStepIDs(t *testing.T) {
	p := &Plan{Steps: []Step{{ID: "s1", Tool: "a"}, {ID: "s1", Tool: "b"}}}
	require.Error(t, p.Validate())
}

func TestPlanValidateDetectsCycle(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "s1", Tool: "a", DependsOn: []string{"s2"}},
		{ID: "s2", Tool: "b", DependsOn: []string{"s1"}},
	}}
	require.Error(t, p.Validate())
}

func TestPlanReadyStepsRespectsDependencies(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "s1", Tool: "a", Status: StepCompleted},
		{ID: "s2", Tool: "b", Status: StepPending, DependsOn: []string{"s1"}},
		{ID: "s3", Tool: "c", Status: StepPending, DependsOn: []string{"s4"}},
		{ID: "s4", Tool: "d", Status: StepPending},
	}}
	ready := p.ReadySteps()
	require.Equal(t, []int{1, 3}, ready)
}

func TestPlanMetadataHasSignal(t *testing.T) {
	m := PlanMetadata{Signals: []string{"needs", "errors"}}
	require.True(t, m.HasSignal("errors"))
	require.True(t, m.HasSignal("noDiscoveryPath", "needs"))
	require.False(t, m.HasSignal("suggestedNextStep"))
}
