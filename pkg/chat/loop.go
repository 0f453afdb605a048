package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/providers"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/tools"
)

// SteerFunc returns queued steering messages to inject before the next
// iteration, or nil when there is nothing to inject.
type SteerFunc func() []string

// LoopOptions configures one run of the tool loop.
type LoopOptions struct {
	SessionID    string // empty creates a fresh session
	SystemPrompt string
	UserMessage  string
	Model        string
	AllowedTools []string
	MaxTokens    int
	Channel      string
	ChatID       string
	OnChunk      providers.StreamHandler
	Steer        SteerFunc
}

// LoopOutcome is what one run produced.
type LoopOutcome struct {
	Content    string
	Iterations int
	ToolUses   int
	TokensUsed int
	SessionID  string
	StopReason string
}

// ToolLoop drives the conversation between the LLM and the tool registry,
// persisting every turn so sessions survive restarts.
type ToolLoop struct {
	provider      providers.LLMProvider
	registry      *tools.ToolRegistry
	store         *store.Store
	maxIterations int
}

func NewToolLoop(provider providers.LLMProvider, registry *tools.ToolRegistry, st *store.Store, maxIterations int) *ToolLoop {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	return &ToolLoop{
		provider:      provider,
		registry:      registry,
		store:         st,
		maxIterations: maxIterations,
	}
}

// Run executes the loop until the model stops asking for tools, the
// iteration budget is spent, or the context ends.
func (l *ToolLoop) Run(ctx context.Context, opts LoopOptions) (*LoopOutcome, error) {
	session, err := l.ensureSession(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}

	history, err := l.loadHistory(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	if err := l.persistUser(ctx, session.ID, opts.UserMessage); err != nil {
		return nil, err
	}
	history = append(history, providers.Message{Role: "user", Content: opts.UserMessage})

	outcome := &LoopOutcome{SessionID: session.ID}
	toolDefs := l.registry.ToProviderDefs(opts.AllowedTools)

	for outcome.Iterations < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.Iterations++

		if opts.Steer != nil {
			for _, steer := range opts.Steer() {
				if err := l.persistUser(ctx, session.ID, steer); err != nil {
					return outcome, err
				}
				history = append(history, providers.Message{Role: "user", Content: steer})
				logger.DebugCF("chat", "Steering message injected", map[string]any{
					"session": session.ID,
				})
			}
		}

		response, err := l.provider.Chat(ctx, providers.ChatOptions{
			Model:     opts.Model,
			System:    opts.SystemPrompt,
			Messages:  history,
			Tools:     toolDefs,
			MaxTokens: opts.MaxTokens,
		}, opts.OnChunk)
		if err != nil {
			return outcome, fmt.Errorf("chat iteration %d: %w", outcome.Iterations, err)
		}

		if response.Usage != nil {
			outcome.TokensUsed += response.Usage.TotalTokens
		}
		outcome.StopReason = response.StopReason

		assistant := providers.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		}
		history = append(history, assistant)
		if err := l.persistAssistant(ctx, session.ID, response); err != nil {
			return outcome, err
		}

		if len(response.ToolCalls) == 0 {
			outcome.Content = response.Content
			break
		}

		for _, call := range response.ToolCalls {
			outcome.ToolUses++
			result := l.registry.ExecuteWithContext(ctx, call.Name, call.Arguments, opts.Channel, opts.ChatID)

			toolMsg := providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
			}
			history = append(history, toolMsg)
			if err := l.persistToolResult(ctx, session.ID, call, result); err != nil {
				return outcome, err
			}
		}
	}

	if outcome.Content == "" && outcome.Iterations >= l.maxIterations {
		outcome.Content = "Stopped after reaching the tool iteration limit."
	}

	session.TotalTokensUsed += outcome.TokensUsed
	session.LastActivity = nowMs()
	if err := l.store.Sessions.Update(ctx, session); err != nil {
		logger.WarnCF("chat", "Session update failed", map[string]any{
			"session": session.ID,
			"error":   err.Error(),
		})
	}
	return outcome, nil
}

// AsAgentLoop adapts the tool loop to the spawner's contract. Each subagent
// run gets its own session unless one is passed in for resume.
func (l *ToolLoop) AsAgentLoop(maxTokens int) agent.LoopFunc {
	return func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		var onChunk providers.StreamHandler
		if req.OnStream != nil {
			stream := req.OnStream
			onChunk = func(chunk providers.StreamChunk) {
				stream(chunk.Text, string(chunk.Type))
			}
		}
		outcome, err := l.Run(ctx, LoopOptions{
			SessionID:    req.SessionID,
			SystemPrompt: req.SystemPrompt,
			UserMessage:  req.Task,
			Model:        req.Model,
			AllowedTools: req.AllowedTools,
			MaxTokens:    maxTokens,
			OnChunk:      onChunk,
		})
		if err != nil {
			return nil, err
		}
		return &agent.LoopResult{
			Content:    outcome.Content,
			TokensUsed: outcome.TokensUsed,
			ToolUses:   outcome.ToolUses,
			SessionID:  outcome.SessionID,
		}, nil
	}
}

func (l *ToolLoop) ensureSession(ctx context.Context, sessionID string) (*store.Session, error) {
	if sessionID != "" {
		session, err := l.store.Sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
	}
	session := &store.Session{ID: sessionID}
	if err := l.store.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// loadHistory reconstructs provider messages from the persisted session.
func (l *ToolLoop) loadHistory(ctx context.Context, sessionID string) ([]providers.Message, error) {
	stored, err := l.store.Messages.ListBySession(ctx, sessionID, "", 0)
	if err != nil {
		return nil, err
	}

	var history []providers.Message
	for _, m := range stored {
		msg := providers.Message{Role: m.Role, Content: m.Content}
		for _, block := range m.Blocks {
			switch block.Type {
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
					ID:        block.ToolUseID,
					Name:      block.Name,
					Arguments: block.Input,
				})
			case "tool_result":
				msg.ToolCallID = block.ToolUseID
				if msg.Content == "" {
					msg.Content = block.Content
				}
			}
		}
		history = append(history, msg)
	}
	return history, nil
}

func (l *ToolLoop) persistUser(ctx context.Context, sessionID, content string) error {
	return l.store.Messages.Create(ctx, &store.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
	})
}

func (l *ToolLoop) persistAssistant(ctx context.Context, sessionID string, response *providers.LLMResponse) error {
	msg := &store.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   response.Content,
	}
	if response.Usage != nil && response.Usage.CompletionTokens > 0 {
		tokens := response.Usage.CompletionTokens
		msg.TokenCount = &tokens
	}
	for _, call := range response.ToolCalls {
		msg.Blocks = append(msg.Blocks, store.Block{
			Type:      "tool_use",
			ToolUseID: call.ID,
			Name:      call.Name,
			Input:     call.Arguments,
		})
	}
	return l.store.Messages.Create(ctx, msg)
}

func (l *ToolLoop) persistToolResult(ctx context.Context, sessionID string, call providers.ToolCall, result *tools.ToolResult) error {
	return l.store.Messages.Create(ctx, &store.Message{
		SessionID: sessionID,
		Role:      "tool",
		Content:   result.ForLLM,
		Blocks: []store.Block{{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   result.ForLLM,
			IsError:   result.IsError,
		}},
	})
}

// truncateReport caps the swarm report before it goes back to the chat.
func truncateReport(s string) string {
	const limit = 4000
	if len(s) <= limit {
		return s
	}
	return strings.TrimSpace(s[:limit]) + "..."
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
