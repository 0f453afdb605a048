package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/providers"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/tools"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*providers.LLMResponse
	calls     []providers.ChatOptions
}

func (p *scriptedProvider) Initialize(ctx context.Context, creds providers.Credentials) error {
	return nil
}
func (p *scriptedProvider) Ready() bool { return true }
func (p *scriptedProvider) VerifyCredentials(ctx context.Context, creds providers.Credentials) providers.CredentialCheck {
	return providers.CredentialCheck{Valid: true}
}
func (p *scriptedProvider) ListModels(ctx context.Context) ([]providers.LLMModel, error) {
	return nil, nil
}
func (p *scriptedProvider) DefaultModel() string { return "claude-sonnet-4-5" }
func (p *scriptedProvider) Shutdown() error      { return nil }

func (p *scriptedProvider) Chat(ctx context.Context, opts providers.ChatOptions, onChunk providers.StreamHandler) (*providers.LLMResponse, error) {
	p.calls = append(p.calls, opts)
	if len(p.responses) == 0 {
		return &providers.LLMResponse{Content: "(exhausted)", StopReason: "end_turn"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	if onChunk != nil && resp.Content != "" {
		onChunk(providers.StreamChunk{Type: providers.ChunkText, Text: resp.Content})
	}
	return resp, nil
}

func (p *scriptedProvider) CompactionChat(ctx context.Context, opts providers.ChatOptions) (*providers.LLMResponse, error) {
	return p.Chat(ctx, opts, nil)
}

type echoTool struct{ calls []map[string]any }

func (e *echoTool) Name() string               { return "echo" }
func (e *echoTool) Description() string        { return "echoes input" }
func (e *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (e *echoTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	e.calls = append(e.calls, args)
	text, _ := args["text"].(string)
	return tools.SilentResult("echo: " + text)
}

func newLoopFixture(t *testing.T, responses ...*providers.LLMResponse) (*ToolLoop, *scriptedProvider, *echoTool, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := &scriptedProvider{responses: responses}
	registry := tools.NewToolRegistry()
	echo := &echoTool{}
	registry.Register(echo)

	return NewToolLoop(provider, registry, st, 5), provider, echo, st
}

func TestLoopPlainAnswer(t *testing.T) {
	loop, _, _, st := newLoopFixture(t, &providers.LLMResponse{
		Content:    "hello there",
		StopReason: "end_turn",
		Usage:      &providers.UsageInfo{TotalTokens: 12, CompletionTokens: 7},
	})

	outcome, err := loop.Run(context.Background(), LoopOptions{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", outcome.Content)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 12, outcome.TokensUsed)
	require.NotEmpty(t, outcome.SessionID)

	msgs, err := st.Messages.ListBySession(context.Background(), outcome.SessionID, "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	require.NotNil(t, msgs[1].TokenCount)
	assert.Equal(t, 7, *msgs[1].TokenCount)
}

func TestLoopExecutesToolsThenAnswers(t *testing.T) {
	loop, _, echo, st := newLoopFixture(t,
		&providers.LLMResponse{
			StopReason: "tool_use",
			ToolCalls: []providers.ToolCall{
				{ID: "tu_1", Name: "echo", Arguments: map[string]any{"text": "ping"}},
			},
		},
		&providers.LLMResponse{Content: "the tool said ping", StopReason: "end_turn"},
	)

	outcome, err := loop.Run(context.Background(), LoopOptions{UserMessage: "use the tool"})
	require.NoError(t, err)
	assert.Equal(t, "the tool said ping", outcome.Content)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 1, outcome.ToolUses)
	require.Len(t, echo.calls, 1)
	assert.Equal(t, "ping", echo.calls[0]["text"])

	msgs, err := st.Messages.ListBySession(context.Background(), outcome.SessionID, "", 0)
	require.NoError(t, err)
	// user, assistant(tool_use), tool result, assistant answer
	require.Len(t, msgs, 4)
	assert.Equal(t, "tool", msgs[2].Role)
	require.Len(t, msgs[2].Blocks, 1)
	assert.Equal(t, "tool_result", msgs[2].Blocks[0].Type)
	assert.Equal(t, "echo: ping", msgs[2].Blocks[0].Content)
}

func TestLoopIterationLimit(t *testing.T) {
	// every response demands another tool call
	responses := make([]*providers.LLMResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, &providers.LLMResponse{
			StopReason: "tool_use",
			ToolCalls: []providers.ToolCall{
				{ID: "tu", Name: "echo", Arguments: map[string]any{"text": "again"}},
			},
		})
	}
	loop, _, _, _ := newLoopFixture(t, responses...)

	outcome, err := loop.Run(context.Background(), LoopOptions{UserMessage: "loop forever"})
	require.NoError(t, err)
	assert.Equal(t, 5, outcome.Iterations)
	assert.Contains(t, outcome.Content, "iteration limit")
}

func TestLoopResumesSession(t *testing.T) {
	loop, provider, _, _ := newLoopFixture(t,
		&providers.LLMResponse{Content: "first answer", StopReason: "end_turn"},
		&providers.LLMResponse{Content: "second answer", StopReason: "end_turn"},
	)
	ctx := context.Background()

	first, err := loop.Run(ctx, LoopOptions{UserMessage: "remember this"})
	require.NoError(t, err)

	second, err := loop.Run(ctx, LoopOptions{SessionID: first.SessionID, UserMessage: "what did I say?"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	// the second call saw the full history
	lastCall := provider.calls[len(provider.calls)-1]
	require.Len(t, lastCall.Messages, 3)
	assert.Equal(t, "remember this", lastCall.Messages[0].Content)
	assert.Equal(t, "first answer", lastCall.Messages[1].Content)
	assert.Equal(t, "what did I say?", lastCall.Messages[2].Content)
}

func TestLoopInjectsSteering(t *testing.T) {
	loop, provider, _, _ := newLoopFixture(t,
		&providers.LLMResponse{
			StopReason: "tool_use",
			ToolCalls: []providers.ToolCall{
				{ID: "tu", Name: "echo", Arguments: map[string]any{"text": "x"}},
			},
		},
		&providers.LLMResponse{Content: "done", StopReason: "end_turn"},
	)

	steers := [][]string{nil, {"actually, focus on the tests"}}
	i := 0
	steer := func() []string {
		out := steers[i%len(steers)]
		steers[i%len(steers)] = nil
		i++
		return out
	}

	outcome, err := loop.Run(context.Background(), LoopOptions{UserMessage: "go", Steer: steer})
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Content)

	lastCall := provider.calls[len(provider.calls)-1]
	var sawSteer bool
	for _, m := range lastCall.Messages {
		if m.Role == "user" && m.Content == "actually, focus on the tests" {
			sawSteer = true
		}
	}
	assert.True(t, sawSteer, "steering message reached the model")
}

func TestTruncateReport(t *testing.T) {
	short := "all agents done"
	assert.Equal(t, short, truncateReport(short))

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	truncated := truncateReport(string(long))
	assert.LessOrEqual(t, len(truncated), 4003)
	assert.Contains(t, truncated, "...")
}
