package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/bus"
)

func testCoordinator(t *testing.T, planJSON string, loop agent.LoopFunc, opts Options) *Coordinator {
	t.Helper()
	provider := &plannerProvider{content: planJSON}
	registry := agent.NewRegistry("claude-sonnet-4-5", nil)
	return NewCoordinator(provider, registry, loop, bus.NewEventBus(), opts)
}

func TestRunSwarmCollectsReports(t *testing.T) {
	var mu sync.Mutex
	ran := map[string]string{}
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		mu.Lock()
		defer mu.Unlock()
		ran[req.Task] = req.SystemPrompt
		return &agent.LoopResult{Content: "done: " + req.Task, TokensUsed: 10}, nil
	}

	c := testCoordinator(t, `[
		{"name": "builder", "role": "implements", "task": "build it"},
		{"name": "tester", "role": "verifies", "task": "test it"}
	]`, loop, Options{})

	result, err := c.Run(context.Background(), "ship the feature", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.NotEmpty(t, result.SwarmID)
	assert.Contains(t, result.Output, "## builder (implements) [COMPLETED]")
	assert.Contains(t, result.Output, "done: build it")
	assert.Contains(t, result.Output, "## tester (verifies) [COMPLETED]")
	assert.Equal(t, 20, result.TotalTokensUsed)
	require.Len(t, result.AgentResults, 2)
	assert.Equal(t, "implements", result.AgentResults["builder"].Role)
	assert.False(t, result.AgentResults["builder"].Failed)
	assert.Len(t, ran, 2)
	for _, prompt := range ran {
		assert.Contains(t, prompt, "part of an agent swarm")
	}
}

func TestRunSwarmMarksFailures(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		if strings.Contains(req.Task, "break") {
			return nil, fmt.Errorf("upstream exploded")
		}
		return &agent.LoopResult{Content: "ok"}, nil
	}

	c := testCoordinator(t, `[
		{"name": "good", "role": "works", "task": "do fine"},
		{"name": "bad", "role": "fails", "task": "break badly"}
	]`, loop, Options{})

	result, err := c.Run(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "## good (works) [COMPLETED]")
	assert.Contains(t, result.Output, "## bad (fails) [FAILED]")
	assert.Contains(t, result.Output, "upstream exploded")
	assert.True(t, result.AgentResults["bad"].Failed)
}

func TestRunSwarmAllFailedStatus(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		return nil, fmt.Errorf("upstream exploded")
	}

	c := testCoordinator(t, `[{"name": "only", "role": "w", "task": "t"}]`, loop, Options{})

	result, err := c.Run(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestRunSwarmTimesOut(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c := testCoordinator(t, `[{"name": "slow", "role": "w", "task": "t"}]`, loop, Options{
		Deadline: 50 * time.Millisecond,
	})

	result, err := c.Run(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Contains(t, result.Output, "[FAILED]")
}

func TestRunSwarmDenied(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		t.Error("no worker may run for a denied plan")
		return nil, nil
	}

	c := testCoordinator(t, `[{"name": "a", "role": "r", "task": "t"}]`, loop, Options{
		Approve: func(ctx context.Context, plan []PlannedAgent) (string, error) {
			return "no, too risky", nil
		},
	})

	result, err := c.Run(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, result.Status)
	assert.Equal(t, "Swarm denied by approval hook", result.Output)
	assert.Empty(t, result.AgentResults)
}

func TestRunSwarmReportsPlanViaOnUpdate(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		return &agent.LoopResult{Content: "ok"}, nil
	}
	c := testCoordinator(t, `[{"name": "solo", "role": "worker", "task": "the task"}]`, loop, Options{})

	var updates []string
	_, err := c.RunSwarm(context.Background(), "objective", func(s string) {
		updates = append(updates, s)
	})
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	assert.Contains(t, updates[0], "Swarm plan (1 agents)")
	assert.Contains(t, updates[0], "- solo (worker): the task")
}

func TestRunSwarmSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		close(started)
		<-release
		return &agent.LoopResult{Content: "ok"}, nil
	}
	c := testCoordinator(t, `[{"name": "solo", "role": "worker", "task": "t"}]`, loop, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.RunSwarm(context.Background(), "first", nil)
		done <- err
	}()
	<-started

	_, err := c.RunSwarm(context.Background(), "second", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	close(release)
	require.NoError(t, <-done)
}

func TestSummarizeForPeersCaps(t *testing.T) {
	short := "brief note"
	assert.Equal(t, short, summarizeForPeers(short))

	long := strings.Repeat("x", 800)
	capped := summarizeForPeers(long)
	assert.Len(t, capped, 503)
	assert.True(t, strings.HasSuffix(capped, "..."))
}
