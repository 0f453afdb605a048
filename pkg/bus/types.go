package bus

// Event names are stable strings; payload shapes are part of the contract.
const (
	EventMessageReceived = "message:received"
	EventMessageSent     = "message:sent"

	EventSubagentSpawn    = "subagent:spawn"
	EventSubagentComplete = "subagent:complete"
	EventSubagentTimeout  = "subagent:timeout"
	EventSubagentStream   = "subagent:stream"

	EventBgTaskDelegated = "bg-task:delegated"
	EventBgTaskProgress  = "bg-task:progress"
	EventBgTaskCompleted = "bg-task:completed"

	EventApprovalRequest  = "approval:request"
	EventApprovalDecision = "approval:decision"
	EventApprovalTimeout  = "approval:timeout"

	EventTaskCreated            = "task:created"
	EventTaskUpdated            = "task:updated"
	EventTaskCompleted          = "task:completed"
	EventTaskBlocked            = "task:blocked"
	EventTaskVerificationPassed = "task:verification_passed"
	EventTaskVerificationFailed = "task:verification_failed"

	EventSwarmMessage       = "swarm:message"
	EventSwarmBroadcast     = "swarm:broadcast"
	EventSwarmAgentComplete = "swarm:agent-complete"
	EventSwarmAgentFail     = "swarm:agent-fail"

	EventMetricsAgent = "metrics:agent"
	EventMetricsSwarm = "metrics:swarm"
)

// StreamChunkType classifies a subagent:stream payload chunk.
type StreamChunkType string

const (
	StreamTextDelta  StreamChunkType = "text_delta"
	StreamToolUse    StreamChunkType = "tool_use"
	StreamToolResult StreamChunkType = "tool_result"
)

// SubagentStreamPayload is the payload of subagent:stream events.
type SubagentStreamPayload struct {
	SubagentID string
	Chunk      string
	Type       StreamChunkType
}
