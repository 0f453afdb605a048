package tools

import (
	"context"
	"fmt"
	"strings"
)

// BackgroundTaskInfo is the dialog-visible view of a running background task.
type BackgroundTaskInfo struct {
	ID          string
	AgentName   string
	Description string
	StartedAtMs int64
}

// BackgroundLauncher starts, lists and cancels background tasks for a chat.
type BackgroundLauncher interface {
	Launch(ctx context.Context, chatKey, agentName, description string) (string, error)
	Active(chatKey string) []BackgroundTaskInfo
	Cancel(taskID string) bool
}

// AgentCreator registers new agent definitions at runtime.
type AgentCreator interface {
	CreateAgent(name, role, systemPrompt, model string, tools []string) error
}

// DelegateTaskTool hands a task to a background agent and returns
// immediately with the task id.
type DelegateTaskTool struct {
	launcher BackgroundLauncher
}

func NewDelegateTaskTool(launcher BackgroundLauncher) *DelegateTaskTool {
	return &DelegateTaskTool{launcher: launcher}
}

func (t *DelegateTaskTool) Name() string { return "delegate_task" }

func (t *DelegateTaskTool) Description() string {
	return "Delegate a task to a background agent. The task runs asynchronously while the conversation continues; completion is reported back to this chat."
}

func (t *DelegateTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "What the background agent should do",
			},
			"agent": map[string]any{
				"type":        "string",
				"description": "Named agent to run the task. Defaults to the general-purpose agent.",
			},
		},
		"required": []string{"description"},
	}
}

func (t *DelegateTaskTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	description, _ := args["description"].(string)
	if strings.TrimSpace(description) == "" {
		return ErrorResult("description is required")
	}
	agentName, _ := args["agent"].(string)

	cc, _ := ChatContextFrom(ctx)
	taskID, err := t.launcher.Launch(ctx, cc.ChatKey(), agentName, description)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot start background task: %v", err)).WithError(err)
	}

	return AsyncResult(fmt.Sprintf("Background task %s started. You will be notified in this chat when it finishes.", taskID))
}

// ListTasksTool reports the background tasks currently running for a chat.
type ListTasksTool struct {
	launcher BackgroundLauncher
}

func NewListTasksTool(launcher BackgroundLauncher) *ListTasksTool {
	return &ListTasksTool{launcher: launcher}
}

func (t *ListTasksTool) Name() string { return "list_tasks" }

func (t *ListTasksTool) Description() string {
	return "List the background tasks currently running for this chat."
}

func (t *ListTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	cc, _ := ChatContextFrom(ctx)
	tasks := t.launcher.Active(cc.ChatKey())
	if len(tasks) == 0 {
		return SilentResult("No background tasks are running for this chat.")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d background task(s) running:\n", len(tasks)))
	for _, task := range tasks {
		sb.WriteString(fmt.Sprintf("- %s [%s]: %s\n", task.ID, task.AgentName, task.Description))
	}
	return SilentResult(sb.String())
}

// CancelTaskTool cancels a running background task by id.
type CancelTaskTool struct {
	launcher BackgroundLauncher
}

func NewCancelTaskTool(launcher BackgroundLauncher) *CancelTaskTool {
	return &CancelTaskTool{launcher: launcher}
}

func (t *CancelTaskTool) Name() string { return "cancel_task" }

func (t *CancelTaskTool) Description() string {
	return "Cancel a running background task by its id."
}

func (t *CancelTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Id of the task to cancel",
			},
		},
		"required": []string{"task_id"},
	}
}

func (t *CancelTaskTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return ErrorResult("task_id is required")
	}
	if !t.launcher.Cancel(taskID) {
		return ErrorResult(fmt.Sprintf("no running task with id %s", taskID))
	}
	return SilentResult(fmt.Sprintf("Task %s cancelled.", taskID))
}

// CreateAgentTool registers a new named agent definition at runtime.
type CreateAgentTool struct {
	creator AgentCreator
}

func NewCreateAgentTool(creator AgentCreator) *CreateAgentTool {
	return &CreateAgentTool{creator: creator}
}

func (t *CreateAgentTool) Name() string { return "create_agent" }

func (t *CreateAgentTool) Description() string {
	return "Create a new named agent with a role and system prompt. The agent becomes available for delegation and swarm work."
}

func (t *CreateAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Unique agent name (lowercase, hyphens allowed)",
			},
			"role": map[string]any{
				"type":        "string",
				"description": "Short role description, e.g. 'code reviewer'",
			},
			"system_prompt": map[string]any{
				"type":        "string",
				"description": "System prompt the agent runs with",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Model alias (haiku, sonnet, opus) or 'inherit'",
			},
			"tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tool names the agent may use. Empty means no restriction.",
			},
		},
		"required": []string{"name", "role", "system_prompt"},
	}
}

func (t *CreateAgentTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	name, _ := args["name"].(string)
	role, _ := args["role"].(string)
	systemPrompt, _ := args["system_prompt"].(string)
	if name == "" || role == "" || systemPrompt == "" {
		return ErrorResult("name, role and system_prompt are required")
	}
	model, _ := args["model"].(string)

	var toolNames []string
	if raw, ok := args["tools"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				toolNames = append(toolNames, s)
			}
		}
	}

	if err := t.creator.CreateAgent(name, role, systemPrompt, model, toolNames); err != nil {
		return ErrorResult(fmt.Sprintf("cannot create agent: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Agent %q created.", name))
}
