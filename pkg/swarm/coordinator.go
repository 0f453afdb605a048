package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/providers"
)

// ApproveFunc reviews a plan before execution. Interactive implementations
// return the user's raw answer; anything starting with "y" approves.
type ApproveFunc func(ctx context.Context, plan []PlannedAgent) (string, error)

// AutoApprove accepts every plan.
func AutoApprove(ctx context.Context, plan []PlannedAgent) (string, error) {
	return "yes", nil
}

// Options configures a coordinator.
type Options struct {
	Model     string        // planner model
	MaxAgents int           // cap on planned workers
	Deadline  time.Duration // whole-swarm budget
	Approve   ApproveFunc   // nil means auto-approve
}

type agentOutcome struct {
	plan     PlannedAgent
	result   string
	tokens   int
	toolUses int
	failed   bool
	duration time.Duration
}

// Coordinator runs an objective through four phases: plan, approve,
// execute, collect. Workers execute concurrently, exchange notes through
// the swarm message bus, and their reports are merged into one document.
type Coordinator struct {
	provider providers.LLMProvider
	registry *agent.Registry
	loop     agent.LoopFunc
	events   *bus.EventBus
	opts     Options

	mu      sync.Mutex
	bus     *MessageBus
	running bool
	cancel  context.CancelFunc
}

func NewCoordinator(provider providers.LLMProvider, registry *agent.Registry, loop agent.LoopFunc, events *bus.EventBus, opts Options) *Coordinator {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = 5
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Minute
	}
	return &Coordinator{
		provider: provider,
		registry: registry,
		loop:     loop,
		events:   events,
		opts:     opts,
	}
}

// Bus exposes the message bus of the swarm in flight, or nil.
func (c *Coordinator) Bus() *MessageBus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

// RunSwarm executes the full objective and returns the merged report text.
// It adapts Run for callers that only need the document.
func (c *Coordinator) RunSwarm(ctx context.Context, objective string, onUpdate func(string)) (string, error) {
	result, err := c.Run(ctx, objective, onUpdate)
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

// Run executes the full objective. Only one swarm runs at a time per
// coordinator. A denied plan is not an error: the result carries status
// denied and no workers run.
func (c *Coordinator) Run(ctx context.Context, objective string, onUpdate func(string)) (*SwarmResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("a swarm is already running")
	}
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	c.running = true
	c.cancel = cancel
	c.bus = NewMessageBus(c.events)
	messageBus := c.bus
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.bus = nil
		c.mu.Unlock()
	}()

	start := time.Now()
	swarmID := uuid.NewString()

	// phase 1: plan
	plan := planAgents(runCtx, c.provider, c.opts.Model, objective, c.opts.MaxAgents)
	logger.InfoCF("swarm", "Swarm planned", map[string]any{
		"swarm":  swarmID,
		"agents": len(plan),
	})
	if onUpdate != nil {
		onUpdate(describePlan(plan))
	}

	// phase 2: approve
	approve := c.opts.Approve
	if approve == nil {
		approve = AutoApprove
	}
	answer, err := approve(runCtx, plan)
	if err != nil {
		return nil, fmt.Errorf("plan approval: %w", err)
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
		logger.InfoCF("swarm", "Swarm denied", map[string]any{
			"swarm":  swarmID,
			"answer": answer,
		})
		return &SwarmResult{
			SwarmID:    swarmID,
			Status:     StatusDenied,
			Output:     "Swarm denied by approval hook",
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	// phase 3: execute
	for _, p := range plan {
		messageBus.Register(p.Name)
	}

	outcomes := make([]agentOutcome, len(plan))
	var wg sync.WaitGroup
	for i, p := range plan {
		wg.Add(1)
		go func(i int, p PlannedAgent) {
			defer wg.Done()
			outcomes[i] = c.runAgent(runCtx, messageBus, p)
		}(i, p)
	}
	wg.Wait()

	// phase 4: collect
	result := &SwarmResult{
		SwarmID:      swarmID,
		Status:       StatusCompleted,
		Output:       collectReport(outcomes),
		AgentResults: make(map[string]AgentResult, len(outcomes)),
		DurationMs:   time.Since(start).Milliseconds(),
	}
	failed := 0
	for _, o := range outcomes {
		result.TotalTokensUsed += o.tokens
		result.TotalToolUses += o.toolUses
		if o.failed {
			failed++
		}
		result.AgentResults[o.plan.Name] = AgentResult{
			Role:       o.plan.Role,
			Result:     o.result,
			TokensUsed: o.tokens,
			ToolUses:   o.toolUses,
			Failed:     o.failed,
			DurationMs: o.duration.Milliseconds(),
		}
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.Status = StatusTimeout
	} else if len(outcomes) > 0 && failed == len(outcomes) {
		result.Status = StatusFailed
	}

	if c.events != nil {
		c.events.Emit(bus.EventMetricsSwarm, map[string]any{
			"swarm_id":    result.SwarmID,
			"status":      string(result.Status),
			"agents":      len(plan),
			"failed":      failed,
			"tokens":      result.TotalTokensUsed,
			"tool_uses":   result.TotalToolUses,
			"duration_ms": result.DurationMs,
		})
	}
	logger.InfoCF("swarm", "Swarm finished", map[string]any{
		"swarm":       result.SwarmID,
		"status":      string(result.Status),
		"agents":      len(plan),
		"failed":      failed,
		"duration_ms": result.DurationMs,
	})
	return result, nil
}

// runAgent executes one worker. Inbox contents accumulated before the run
// are prepended so late workers see earlier notes.
func (c *Coordinator) runAgent(ctx context.Context, messageBus *MessageBus, p PlannedAgent) agentOutcome {
	start := time.Now()
	outcome := agentOutcome{plan: p}

	def := c.resolveDefinition(p)

	task := p.Task
	if pending := messageBus.GetMessages(p.Name); len(pending) > 0 {
		var sb strings.Builder
		sb.WriteString("Pending messages from other agents:\n")
		for _, m := range pending {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", m.From, m.Content))
		}
		sb.WriteString("\n")
		sb.WriteString(task)
		task = sb.String()
	}

	model := p.Model
	if model == "" {
		model = def.Model
	}

	result, err := c.loop(ctx, agent.LoopRequest{
		SystemPrompt: fmt.Sprintf("%s\n\nYou are %q, role: %s. You are part of an agent swarm working on a shared objective.", def.SystemPrompt, p.Name, p.Role),
		Task:         task,
		Model:        c.registry.ResolveModel(&agent.AgentDefinition{Model: model}),
		AllowedTools: c.registry.AgentTools(def),
	})
	outcome.duration = time.Since(start)

	if err != nil {
		outcome.failed = true
		outcome.result = err.Error()
		if c.events != nil {
			c.events.Emit(bus.EventSwarmAgentFail, map[string]any{
				"agent": p.Name,
				"error": err.Error(),
			})
		}
		return outcome
	}

	outcome.result = result.Content
	outcome.tokens = result.TokensUsed
	outcome.toolUses = result.ToolUses
	messageBus.Broadcast(p.Name, summarizeForPeers(result.Content))
	if c.events != nil {
		c.events.Emit(bus.EventSwarmAgentComplete, map[string]any{
			"agent":       p.Name,
			"tokens":      result.TokensUsed,
			"duration_ms": outcome.duration.Milliseconds(),
		})
	}
	return outcome
}

// resolveDefinition prefers a registered agent matching the planned name
// and falls back to the general agent for planner-invented names.
func (c *Coordinator) resolveDefinition(p PlannedAgent) *agent.AgentDefinition {
	if def, err := c.registry.GetAgent(p.Name); err == nil {
		return def
	}
	def, _ := c.registry.GetAgent("general")
	return def
}

// Stop aborts the swarm in flight. Safe to call at any time, repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func describePlan(plan []PlannedAgent) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Swarm plan (%d agents):\n", len(plan)))
	for _, p := range plan {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", p.Name, p.Role, p.Task))
	}
	return sb.String()
}

// collectReport merges worker results into one markdown document.
func collectReport(outcomes []agentOutcome) string {
	sections := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		status := "COMPLETED"
		if o.failed {
			status = "FAILED"
		}
		sections = append(sections, fmt.Sprintf("## %s (%s) [%s]\n%s",
			o.plan.Name, o.plan.Role, status, o.result))
	}
	return strings.Join(sections, "\n\n")
}

// summarizeForPeers caps what gets broadcast so inboxes stay readable.
func summarizeForPeers(result string) string {
	const limit = 500
	if len(result) <= limit {
		return result
	}
	return result[:limit] + "..."
}
