package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/bus"
)

func TestCollectorRecordsSubagentEvents(t *testing.T) {
	eventBus := bus.NewEventBus()
	c := NewCollector(eventBus, 0)
	c.Start()
	defer c.Stop()

	<-eventBus.Emit(bus.EventSubagentComplete, map[string]any{
		"id":          "sa-1",
		"agent":       "general",
		"status":      "completed",
		"tokens_used": 120,
		"tool_uses":   4,
	})
	<-eventBus.Emit(bus.EventSubagentTimeout, map[string]any{
		"id":     "sa-2",
		"agent":  "explore",
		"status": "timeout",
	})

	history := c.AgentHistory()
	require.Len(t, history, 2)
	assert.True(t, history[0].Success)
	assert.Equal(t, 120, history[0].TokensUsed)
	assert.True(t, history[1].TimedOut)
	assert.False(t, history[1].Success)

	s := c.Summarize()
	assert.Equal(t, 2, s.AgentRuns)
	assert.Equal(t, 1, s.AgentSuccesses)
	assert.Equal(t, 1, s.AgentTimeouts)
	assert.Equal(t, 0.5, s.AgentSuccessRate)
	assert.Equal(t, 120, s.TotalTokens)
}

func TestCollectorRecordsSwarmEvents(t *testing.T) {
	eventBus := bus.NewEventBus()
	c := NewCollector(eventBus, 0)
	c.Start()
	defer c.Stop()

	<-eventBus.Emit(bus.EventMetricsSwarm, map[string]any{
		"agents":      3,
		"failed":      1,
		"tokens":      900,
		"duration_ms": int64(4200),
	})

	history := c.SwarmHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Agents)
	assert.Equal(t, int64(4200), history[0].DurationMs)

	s := c.Summarize()
	assert.Equal(t, 1, s.SwarmRuns)
	assert.Equal(t, 1, s.SwarmAgentFails)
	assert.Equal(t, 900, s.TotalTokens)
}

func TestCollectorWindowIsBounded(t *testing.T) {
	c := NewCollector(bus.NewEventBus(), 10)
	for i := 0; i < 25; i++ {
		c.RecordAgent(AgentMetric{SubagentID: fmt.Sprintf("sa-%d", i)})
	}

	history := c.AgentHistory()
	require.Len(t, history, 10)
	assert.Equal(t, "sa-15", history[0].SubagentID, "oldest entries fall off")
	assert.Equal(t, "sa-24", history[9].SubagentID)
}

func TestRecordAgentFansOut(t *testing.T) {
	eventBus := bus.NewEventBus()
	c := NewCollector(eventBus, 0)

	got := make(chan AgentMetric, 1)
	eventBus.On(bus.EventMetricsAgent, func(payload any) {
		got <- payload.(AgentMetric)
	})

	c.RecordAgent(AgentMetric{SubagentID: "sa-9", TokensUsed: 7})

	select {
	case metric := <-got:
		assert.Equal(t, "sa-9", metric.SubagentID)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics:agent never fanned out")
	}
}
