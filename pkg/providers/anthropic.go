package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orchidbot/orchid/pkg/logger"
)

const defaultBaseURL = "https://api.anthropic.com"

// AnthropicProvider implements LLMProvider on the official Anthropic SDK.
type AnthropicProvider struct {
	client       *anthropic.Client
	defaultModel string
	ready        bool
	mu           sync.RWMutex
}

func NewAnthropicProvider(defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = aliasModels[AliasSonnet]
	}
	return &AnthropicProvider{defaultModel: defaultModel}
}

func (p *AnthropicProvider) Initialize(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" {
		return fmt.Errorf("anthropic: api key is required")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(creds.APIKey),
		option.WithBaseURL(normalizeBaseURL(creds.BaseURL)),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = &client
	p.ready = true
	return nil
}

func (p *AnthropicProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *AnthropicProvider) VerifyCredentials(ctx context.Context, creds Credentials) CredentialCheck {
	if strings.TrimSpace(creds.APIKey) == "" {
		return CredentialCheck{Valid: false, Error: "api key is empty"}
	}
	client := anthropic.NewClient(
		option.WithAPIKey(creds.APIKey),
		option.WithBaseURL(normalizeBaseURL(creds.BaseURL)),
	)
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return CredentialCheck{Valid: false, Error: err.Error()}
	}
	return CredentialCheck{Valid: true}
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]LLMModel, error) {
	models := make([]LLMModel, 0, len(aliasModels))
	for alias, id := range aliasModels {
		models = append(models, LLMModel{ID: id, DisplayName: alias})
	}
	return models, nil
}

func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat sends a streaming request. onChunk receives text deltas as they
// arrive, a tool_use chunk per tool call, and a final done chunk carrying
// the stop reason and token usage.
func (p *AnthropicProvider) Chat(ctx context.Context, opts ChatOptions, onChunk StreamHandler) (*LLMResponse, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}

	params := p.buildParams(opts)
	stream := client.Messages.NewStreaming(ctx, params)

	var accumulated anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}
		if onChunk == nil {
			continue
		}
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if td := e.Delta.AsTextDelta(); td.Text != "" {
				onChunk(StreamChunk{Type: ChunkText, Text: td.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic streaming call: %w", err)
	}

	resp := parseResponse(&accumulated)
	if onChunk != nil {
		for i := range resp.ToolCalls {
			onChunk(StreamChunk{Type: ChunkToolUse, ToolCall: &resp.ToolCalls[i]})
		}
		onChunk(StreamChunk{Type: ChunkDone, StopReason: resp.StopReason, Usage: resp.Usage})
	}
	return resp, nil
}

// CompactionChat is the non-streaming variant used for planning and
// classification calls where the caller needs the whole response.
func (p *AnthropicProvider) CompactionChat(ctx context.Context, opts ChatOptions) (*LLMResponse, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.Messages.New(ctx, p.buildParams(opts))
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}
	return parseResponse(resp), nil
}

func (p *AnthropicProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.ready = false
	return nil
}

func (p *AnthropicProvider) activeClient() (*anthropic.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready || p.client == nil {
		return nil, fmt.Errorf("anthropic: provider not initialized")
	}
	return p.client, nil
}

func (p *AnthropicProvider) buildParams(opts ChatOptions) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	if opts.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: opts.System})
	}

	var anthropicMessages []anthropic.MessageParam

	// The API requires all tool_result blocks for one assistant tool_use
	// turn to arrive in a single user message, so consecutive tool results
	// are merged.
	messages := opts.Messages
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
			} else {
				anthropicMessages = append(anthropicMessages,
					anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "tool":
			var toolBlocks []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == "tool" {
				toolBlocks = append(toolBlocks,
					anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
				i++
			}
			i-- // outer loop increments
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(toolBlocks...))
		default:
			anthropicMessages = append(anthropicMessages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		params.Tools = translateTools(opts.Tools)
	}
	return params
}

func translateTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = req
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *anthropic.Message) *LLMResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				logger.WarnCF("providers", "Failed to decode tool input", map[string]any{
					"tool":  tu.Name,
					"error": err.Error(),
				})
				args = map[string]any{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}

	stopReason := "end_turn"
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		stopReason = "tool_use"
	case anthropic.StopReasonMaxTokens:
		stopReason = "max_tokens"
	case anthropic.StopReasonEndTurn:
		stopReason = "end_turn"
	}

	return &LLMResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
