package store

// QueueMode selects how a session's message queue treats new arrivals while
// a turn is being processed.
type QueueMode string

const (
	QueueModeSteer     QueueMode = "steer"
	QueueModeInterrupt QueueMode = "interrupt"
	QueueModeQueue     QueueMode = "queue"
	QueueModeCollect   QueueMode = "collect"
)

// Session is one conversational thread of an LLM loop.
type Session struct {
	ID              string            `json:"id"`
	CreatedAt       int64             `json:"created_at"`
	LastActivity    int64             `json:"last_activity"`
	CompactionCount int               `json:"compaction_count"`
	TotalTokensUsed int               `json:"total_tokens_used"`
	QueueMode       QueueMode         `json:"queue_mode"`
	ActiveChannelID string            `json:"active_channel_id,omitempty"`
	CurrentTaskID   string            `json:"current_task_id,omitempty"`
	ThinkingLevel   string            `json:"thinking_level,omitempty"`
	Flags           map[string]string `json:"flags,omitempty"`
}

// Block is one typed segment of a message's content.
type Block struct {
	Type      string         `json:"type"` // text, tool_use, tool_result
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is one entry in a session's history. Content carries plain text;
// Blocks, when present, carry the typed block list.
type Message struct {
	UUID       string  `json:"uuid"`
	SessionID  string  `json:"session_id"`
	ParentUUID string  `json:"parent_uuid,omitempty"`
	Role       string  `json:"role"` // user, assistant, system, tool
	Content    string  `json:"content"`
	Blocks     []Block `json:"blocks,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	TokenCount *int    `json:"token_count,omitempty"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskDeleted    TaskStatus = "deleted"
)

// Task is a unit of user-visible work. BlockedBy and Blocks are symmetric
// inverses maintained by the task manager.
type Task struct {
	ID             string         `json:"id"`
	Subject        string         `json:"subject"`
	Description    string         `json:"description"`
	ActiveForm     string         `json:"active_form,omitempty"`
	Status         TaskStatus     `json:"status"`
	Owner          string         `json:"owner,omitempty"`
	BlockedBy      []string       `json:"blocked_by,omitempty"`
	Blocks         []string       `json:"blocks,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TimeBudgetMs   int64          `json:"time_budget_ms,omitempty"`
	VerifyCommand  string         `json:"verify_command,omitempty"`
	FailureContext string         `json:"failure_context,omitempty"`
	RetryCount     int            `json:"retry_count"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentTimeout   SubagentStatus = "timeout"
	SubagentOrphaned  SubagentStatus = "orphaned"
)

// SubagentRecord is one spawned subordinate LLM loop. CompletedAt is set
// exactly when the status is terminal.
type SubagentRecord struct {
	ID          string         `json:"id"`
	AgentName   string         `json:"agent_name"`
	ParentID    string         `json:"parent_id,omitempty"`
	Task        string         `json:"task"`
	Pid         int            `json:"pid,omitempty"`
	Status      SubagentStatus `json:"status"`
	SpawnedAt   int64          `json:"spawned_at"`
	CompletedAt *int64         `json:"completed_at,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms"`
	Result      string         `json:"result,omitempty"`
	TokensUsed  *int           `json:"tokens_used,omitempty"`
	ToolUses    *int           `json:"tool_uses,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

type Decision string

const (
	DecisionAllowOnce    Decision = "allow-once"
	DecisionAllowSession Decision = "allow-session"
	DecisionDeny         Decision = "deny"
	DecisionTimeout      Decision = "timeout"
)

// ApprovalRequest gates a privileged action. Once Decision is non-empty it
// is frozen.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAtMs int64          `json:"created_at_ms"`
	ExpiresAtMs int64          `json:"expires_at_ms"`
	Decision    Decision       `json:"decision,omitempty"`
	DecidedAtMs *int64         `json:"decided_at_ms,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
}

type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// TaskTemplate is what a schedule materializes into a task on each firing.
type TaskTemplate struct {
	Subject       string `json:"subject"`
	Description   string `json:"description"`
	ActiveForm    string `json:"active_form,omitempty"`
	VerifyCommand string `json:"verify_command,omitempty"`
	Owner         string `json:"owner,omitempty"`
}

// Schedule is a trigger producing tasks.
type Schedule struct {
	ID         string       `json:"id"`
	Kind       ScheduleKind `json:"kind"`
	Expression string       `json:"expression"`
	Timezone   string       `json:"timezone,omitempty"`
	Template   TaskTemplate `json:"template"`
	NextRunMs  int64        `json:"next_run_ms"`
	LastRunMs  *int64       `json:"last_run_ms,omitempty"`
	Enabled    bool         `json:"enabled"`
}

type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditPending AuditResult = "pending"
)

// AuditEntry is one append-only record of a privileged action.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Result    AuditResult    `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

// MemoryEntry is an embedded recall record. The vector row, when present,
// is keyed by the same id.
type MemoryEntry struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// ChainReport is the result of validating a session's message chain.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
}
