package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orchidbot/orchid/pkg/providers"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ChatContext identifies the conversation a tool call belongs to. It rides
// on the context.Context so tool instances shared across sessions carry no
// per-call state.
type ChatContext struct {
	Channel string
	ChatID  string
}

// ChatKey renders the canonical channel:chatID key.
func (c ChatContext) ChatKey() string {
	return c.Channel + ":" + c.ChatID
}

type chatContextKey struct{}

// WithChatContext attaches the originating conversation to a context.
func WithChatContext(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, chatContextKey{}, ChatContext{Channel: channel, ChatID: chatID})
}

// ChatContextFrom extracts the conversation a tool call came from.
func ChatContextFrom(ctx context.Context) (ChatContext, bool) {
	cc, ok := ctx.Value(chatContextKey{}).(ChatContext)
	return cc, ok
}

// ToolResult separates what the LLM sees from what the user sees. ForUser
// empty means the user gets nothing unless Silent is false and ForLLM is
// shown instead.
type ToolResult struct {
	ForLLM  string
	ForUser string
	Silent  bool
	IsError bool
	Async   bool
	Err     error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

func AsyncResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Async: true, Silent: true}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// ToolToSchema renders a tool as the generic JSON schema map used by the
// provider layer.
func ToolToSchema(t Tool) map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": t.Description(),
		"parameters":  t.Parameters(),
	}
}

// ToProviderDef converts a tool into the provider definition format.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// ValidatePath resolves path against workspace and, when restrict is on,
// rejects escapes outside it.
func ValidatePath(path, workspace string, restrict bool) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if restrict {
		wsAbs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		rel, err := filepath.Rel(wsAbs, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return resolved, nil
}
