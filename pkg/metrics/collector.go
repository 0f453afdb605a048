package metrics

import (
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
)

const defaultMaxHistory = 100

// AgentMetric is one finished subagent run.
type AgentMetric struct {
	SubagentID string `json:"subagent_id"`
	AgentName  string `json:"agent_name"`
	Success    bool   `json:"success"`
	TimedOut   bool   `json:"timed_out"`
	TokensUsed int    `json:"tokens_used"`
	ToolUses   int    `json:"tool_uses"`
	Timestamp  int64  `json:"timestamp"`
}

// SwarmMetric is one finished swarm run.
type SwarmMetric struct {
	Agents     int   `json:"agents"`
	Failed     int   `json:"failed"`
	Tokens     int   `json:"tokens"`
	DurationMs int64 `json:"duration_ms"`
	Timestamp  int64 `json:"timestamp"`
}

// Summary aggregates the retained window.
type Summary struct {
	AgentRuns        int     `json:"agent_runs"`
	AgentSuccesses   int     `json:"agent_successes"`
	AgentTimeouts    int     `json:"agent_timeouts"`
	AgentSuccessRate float64 `json:"agent_success_rate"`
	TotalTokens      int     `json:"total_tokens"`
	TotalToolUses    int     `json:"total_tool_uses"`
	SwarmRuns        int     `json:"swarm_runs"`
	SwarmAgentFails  int     `json:"swarm_agent_fails"`
}

// Collector keeps a bounded in-memory window of run metrics. Old entries
// fall off the front; nothing is persisted.
type Collector struct {
	bus        *bus.EventBus
	maxHistory int

	mu     sync.Mutex
	agents []AgentMetric
	swarms []SwarmMetric
	unsubs []func()
}

func NewCollector(eventBus *bus.EventBus, maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Collector{
		bus:        eventBus,
		maxHistory: maxHistory,
	}
}

// Start subscribes to subagent completions, timeouts and swarm summaries.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsubs) > 0 {
		return
	}
	c.unsubs = append(c.unsubs,
		c.bus.On(bus.EventSubagentComplete, func(payload any) { c.onSubagent(payload, false) }),
		c.bus.On(bus.EventSubagentTimeout, func(payload any) { c.onSubagent(payload, true) }),
		c.bus.On(bus.EventMetricsSwarm, c.onSwarm),
	)
}

// Stop detaches from the bus. The retained window stays readable.
func (c *Collector) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (c *Collector) onSubagent(payload any, timedOut bool) {
	data, ok := payload.(map[string]any)
	if !ok {
		return
	}
	metric := AgentMetric{
		SubagentID: asString(data["id"]),
		AgentName:  asString(data["agent"]),
		Success:    asString(data["status"]) == "completed",
		TimedOut:   timedOut,
		TokensUsed: asInt(data["tokens_used"]),
		ToolUses:   asInt(data["tool_uses"]),
		Timestamp:  time.Now().UnixMilli(),
	}
	c.RecordAgent(metric)
}

func (c *Collector) onSwarm(payload any) {
	data, ok := payload.(map[string]any)
	if !ok {
		return
	}
	c.RecordSwarm(SwarmMetric{
		Agents:     asInt(data["agents"]),
		Failed:     asInt(data["failed"]),
		Tokens:     asInt(data["tokens"]),
		DurationMs: int64(asInt(data["duration_ms"])),
		Timestamp:  time.Now().UnixMilli(),
	})
}

// RecordAgent appends to the window and fans the metric out on the bus.
func (c *Collector) RecordAgent(metric AgentMetric) {
	c.mu.Lock()
	c.agents = append(c.agents, metric)
	if len(c.agents) > c.maxHistory {
		c.agents = c.agents[len(c.agents)-c.maxHistory:]
	}
	c.mu.Unlock()

	c.bus.Emit(bus.EventMetricsAgent, metric)
}

func (c *Collector) RecordSwarm(metric SwarmMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swarms = append(c.swarms, metric)
	if len(c.swarms) > c.maxHistory {
		c.swarms = c.swarms[len(c.swarms)-c.maxHistory:]
	}
}

// AgentHistory returns a copy of the retained agent window, oldest first.
func (c *Collector) AgentHistory() []AgentMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentMetric, len(c.agents))
	copy(out, c.agents)
	return out
}

// SwarmHistory returns a copy of the retained swarm window, oldest first.
func (c *Collector) SwarmHistory() []SwarmMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SwarmMetric, len(c.swarms))
	copy(out, c.swarms)
	return out
}

// Summarize aggregates everything currently retained.
func (c *Collector) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{AgentRuns: len(c.agents), SwarmRuns: len(c.swarms)}
	for _, m := range c.agents {
		if m.Success {
			s.AgentSuccesses++
		}
		if m.TimedOut {
			s.AgentTimeouts++
		}
		s.TotalTokens += m.TokensUsed
		s.TotalToolUses += m.ToolUses
	}
	for _, m := range c.swarms {
		s.SwarmAgentFails += m.Failed
		s.TotalTokens += m.Tokens
	}
	if s.AgentRuns > 0 {
		s.AgentSuccessRate = float64(s.AgentSuccesses) / float64(s.AgentRuns)
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
