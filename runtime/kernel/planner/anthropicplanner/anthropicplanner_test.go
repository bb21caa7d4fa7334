package anthropicplanner

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/runtime/kernel/planner"
)

type fakeMessagesClient struct {
	text string
	err  error
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: f.text},
		},
	}, nil
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(&fakeMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestThinkParsesFinalAnswer(t *testing.T) {
	client := &fakeMessagesClient{text: `{"reasoning":"done thinking","action":"final_answer","final_answer":"42"}`}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	thought, err := p.Think(context.Background(), planner.Input{Goal: "what is the answer"}, planner.Context{})
	require.NoError(t, err)
	require.Equal(t, planner.ActionFinalAnswer, thought.Action)
	require.Equal(t, "42", thought.FinalAnswer)
}

func TestThinkParsesToolCall(t *testing.T) {
	client := &fakeMessagesClient{text: "```json\n" + `{"reasoning":"need data","action":"tool_call","tool_call":{"tool_name":"search","args":{"q":"go"}}}` + "\n```"}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	thought, err := p.Think(context.Background(), planner.Input{Goal: "search something"}, planner.Context{})
	require.NoError(t, err)
	require.Equal(t, planner.ActionToolCall, thought.Action)
	require.Equal(t, "search", thought.ToolCall.ToolName)
	require.Equal(t, "go", thought.ToolCall.Args["q"])
}

func TestThinkParsesExecutePlan(t *testing.T) {
	client := &fakeMessagesClient{text: `{"reasoning":"multi-step","action":"execute_plan","plan":{"id":"p1","steps":[{"id":"s1","tool":"search","args":{}},{"id":"s2","tool":"summarize","depends_on":["s1"]}]}}`}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	thought, err := p.Think(context.Background(), planner.Input{Goal: "research topic"}, planner.Context{})
	require.NoError(t, err)
	require.Equal(t, planner.ActionExecutePlan, thought.Action)
	require.NotNil(t, thought.Plan)
	require.Len(t, thought.Plan.Steps, 2)
	require.NoError(t, thought.Plan.Validate())
}

func TestThinkRejectsInvalidThought(t *testing.T) {
	client := &fakeMessagesClient{text: `{"reasoning":"oops","action":"final_answer"}`}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	_, err = p.Think(context.Background(), planner.Input{Goal: "x"}, planner.Context{})
	require.Error(t, err)
}

func TestThinkPropagatesClientError(t *testing.T) {
	client := &fakeMessagesClient{err: assertableErr{"boom"}}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	_, err = p.Think(context.Background(), planner.Input{Goal: "x"}, planner.Context{})
	require.Error(t, err)
}

func TestResolveArgsParsesResponse(t *testing.T) {
	client := &fakeMessagesClient{text: `{"args":{"id":"123"},"missing":["token"]}`}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	out, err := p.ResolveArgs(context.Background(), map[string]any{"id": "$step1.id"}, nil, planner.Context{})
	require.NoError(t, err)
	require.Equal(t, "123", out.Args["id"])
	require.Equal(t, []string{"token"}, out.Missing)
}

func TestCreateFinalResponseReturnsText(t *testing.T) {
	client := &fakeMessagesClient{text: "All steps completed successfully."}
	p, err := New(client, Options{Model: "claude-test"})
	require.NoError(t, err)

	resp, err := p.CreateFinalResponse(context.Background(), planner.Context{History: []planner.Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)
	require.Equal(t, "All steps completed successfully.", resp)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
