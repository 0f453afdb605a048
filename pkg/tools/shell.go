package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/orchidbot/orchid/pkg/store"
)

const maxExecOutput = 10_000

// Approver gates privileged commands. Implementations block until a
// decision is recorded or the request times out.
type Approver interface {
	RequestApproval(ctx context.Context, command string, meta map[string]any) (store.Decision, error)
}

// AuditFunc records a privileged action in the audit trail.
type AuditFunc func(action, targetID string, ok bool, details map[string]any)

// ExecTool runs shell commands. Every invocation goes through the approver
// unless the session already holds an allow-session grant.
type ExecTool struct {
	workspace string
	timeout   time.Duration
	approver  Approver
	audit     AuditFunc
}

func NewExecTool(workspace string, timeout time.Duration, approver Approver, audit AuditFunc) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{workspace: workspace, timeout: timeout, approver: approver, audit: audit}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace. Commands require approval before they run."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	if t.approver != nil {
		cc, _ := ChatContextFrom(ctx)
		decision, err := t.approver.RequestApproval(ctx, command, map[string]any{
			"channel": cc.Channel,
			"chat_id": cc.ChatID,
		})
		if err != nil {
			return ErrorResult(fmt.Sprintf("approval failed: %v", err)).WithError(err)
		}
		if decision != store.DecisionAllowOnce && decision != store.DecisionAllowSession {
			t.record("exec", command, false, map[string]any{"decision": string(decision)})
			return ErrorResult(fmt.Sprintf("command not approved: %s", decision))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	output := out.String()
	if len(output) > maxExecOutput {
		output = output[:maxExecOutput] + "\n... (output truncated)"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		t.record("exec", command, false, map[string]any{"error": "timeout"})
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", t.timeout, output))
	}
	if err != nil {
		t.record("exec", command, false, map[string]any{"error": err.Error()})
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output)).WithError(err)
	}

	t.record("exec", command, true, nil)
	if output == "" {
		output = "(no output)"
	}
	return SilentResult(output)
}

func (t *ExecTool) record(action, target string, ok bool, details map[string]any) {
	if t.audit != nil {
		t.audit(action, target, ok, details)
	}
}
