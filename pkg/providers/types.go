package providers

import (
	"context"
	"strings"
)

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      *UsageInfo `json:"usage,omitempty"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatOptions carries one LLM invocation: shared by the streaming Chat and
// the one-shot CompactionChat.
type ChatOptions struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

type ChunkType string

const (
	ChunkText    ChunkType = "text"
	ChunkToolUse ChunkType = "tool_use"
	ChunkDone    ChunkType = "done"
)

// StreamChunk is one delta of a streaming chat. The final chunk has type
// done and carries StopReason plus Usage.
type StreamChunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolCall
	StopReason string
	Usage      *UsageInfo
}

type StreamHandler func(chunk StreamChunk)

type Credentials struct {
	APIKey  string
	BaseURL string
}

type CredentialCheck struct {
	Valid bool
	Error string
}

type LLMModel struct {
	ID          string
	DisplayName string
}

// LLMProvider is the transport collaborator. Chat streams; CompactionChat is
// one-shot and used for planning, complexity classification, and agent
// config generation. Callers must never parse stream chunks when they need
// the whole response.
type LLMProvider interface {
	Initialize(ctx context.Context, creds Credentials) error
	Ready() bool
	VerifyCredentials(ctx context.Context, creds Credentials) CredentialCheck
	ListModels(ctx context.Context) ([]LLMModel, error)
	DefaultModel() string
	Chat(ctx context.Context, opts ChatOptions, onChunk StreamHandler) (*LLMResponse, error)
	CompactionChat(ctx context.Context, opts ChatOptions) (*LLMResponse, error)
	Shutdown() error
}

// ContentToString extracts plain text from message content, joining multiline
// segments verbatim. Kept for symmetry with multipart-capable transports.
func ContentToString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	}
	return ""
}
