package swarm

// SwarmStatus tracks a swarm through its lifecycle.
type SwarmStatus string

const (
	StatusPlanning  SwarmStatus = "planning"
	StatusRunning   SwarmStatus = "running"
	StatusCompleted SwarmStatus = "completed"
	StatusFailed    SwarmStatus = "failed"
	StatusTimeout   SwarmStatus = "timeout"
	StatusDenied    SwarmStatus = "denied"
)

// AgentResult is one worker's contribution to a swarm run.
type AgentResult struct {
	Role       string `json:"role"`
	Result     string `json:"result"`
	TokensUsed int    `json:"tokens_used"`
	ToolUses   int    `json:"tool_uses"`
	Failed     bool   `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

// SwarmResult is the aggregate outcome of one swarm run, keyed by agent
// name in AgentResults.
type SwarmResult struct {
	SwarmID         string                 `json:"swarm_id"`
	Status          SwarmStatus            `json:"status"`
	Output          string                 `json:"output"`
	AgentResults    map[string]AgentResult `json:"agent_results,omitempty"`
	TotalTokensUsed int                    `json:"total_tokens_used"`
	TotalToolUses   int                    `json:"total_tool_uses"`
	DurationMs      int64                  `json:"duration_ms"`
}
