package background

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/taskman"
)

type harness struct {
	runner *Runner
	store  *store.Store
	bus    *bus.EventBus
	tasks  *taskman.Manager
}

func newHarness(t *testing.T, loop agent.LoopFunc, opts Options) *harness {
	t.Helper()
	taskman.ResetForTest()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	eventBus := bus.NewEventBus()
	tasks := taskman.Create(st, eventBus)
	registry := agent.NewRegistry("claude-sonnet-4-5", nil)
	spawner := agent.NewSpawner(registry, st, eventBus, loop, 5*time.Second, 0)
	runner := NewRunner(spawner, tasks, eventBus, opts)
	t.Cleanup(func() {
		runner.StopAll()
		st.Close()
		taskman.ResetForTest()
	})
	return &harness{runner: runner, store: st, bus: eventBus, tasks: tasks}
}

func waitCompleted(t *testing.T, eventBus *bus.EventBus) <-chan map[string]any {
	t.Helper()
	ch := make(chan map[string]any, 10)
	eventBus.On(bus.EventBgTaskCompleted, func(payload any) {
		ch <- payload.(map[string]any)
	})
	return ch
}

func TestLaunchCompletesAndNotifiesChat(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		return &agent.LoopResult{Content: "all done"}, nil
	}
	h := newHarness(t, loop, Options{})
	completed := waitCompleted(t, h.bus)

	taskID, err := h.runner.Launch(context.Background(), "telegram:42", "general", "summarize logs")
	require.NoError(t, err)

	select {
	case payload := <-completed:
		assert.Equal(t, taskID, payload["task_id"])
		assert.Equal(t, "telegram:42", payload["chat_key"])
		assert.Equal(t, "all done", payload["result"])
		assert.Equal(t, true, payload["success"])
	case <-time.After(3 * time.Second):
		t.Fatal("no completion event")
	}

	task, err := h.tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
}

func TestPerChatLimit(t *testing.T) {
	release := make(chan struct{})
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		select {
		case <-release:
			return &agent.LoopResult{Content: "ok"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h := newHarness(t, loop, Options{MaxPerChat: 2})
	defer close(release)
	ctx := context.Background()

	_, err := h.runner.Launch(ctx, "chat:1", "general", "one")
	require.NoError(t, err)
	_, err = h.runner.Launch(ctx, "chat:1", "general", "two")
	require.NoError(t, err)

	_, err = h.runner.Launch(ctx, "chat:1", "general", "three")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	// other chats are unaffected
	_, err = h.runner.Launch(ctx, "chat:2", "general", "elsewhere")
	require.NoError(t, err)

	assert.Len(t, h.runner.Active("chat:1"), 2)
	assert.Len(t, h.runner.Active("chat:2"), 1)
}

func TestPerChatLimitUnderContention(t *testing.T) {
	release := make(chan struct{})
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		select {
		case <-release:
			return &agent.LoopResult{Content: "ok"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h := newHarness(t, loop, Options{MaxPerChat: 1})
	defer close(release)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.Launch(context.Background(), "chat:1", "general", "contend")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	launched := 0
	for err := range errs {
		if err == nil {
			launched++
		}
	}
	assert.Equal(t, 1, launched, "exactly one launch may win the slot")
	assert.Len(t, h.runner.Active("chat:1"), 1)
}

func TestRelaunchHonorsTimeBudget(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, loop, Options{})
	completed := waitCompleted(t, h.bus)
	ctx := context.Background()

	task := &store.Task{
		Subject:      "slow job",
		Description:  "slow job",
		Owner:        "general",
		TimeBudgetMs: 50,
		Metadata:     map[string]any{"chat_key": "chat:1", "background": true},
	}
	require.NoError(t, h.tasks.CreateTask(ctx, task))
	_, err := h.tasks.Claim(ctx, task.ID, "general")
	require.NoError(t, err)
	_, err = h.tasks.Fail(ctx, task.ID, "first try hung")
	require.NoError(t, err)

	require.NoError(t, h.runner.Relaunch(ctx, task.ID))

	select {
	case payload := <-completed:
		assert.Equal(t, false, payload["success"])
		assert.Contains(t, payload["result"].(string), "timed out")
	case <-time.After(3 * time.Second):
		t.Fatal("task never hit its time budget")
	}
}

func TestCancelMarksTaskCancelled(t *testing.T) {
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, loop, Options{})
	completed := waitCompleted(t, h.bus)

	taskID, err := h.runner.Launch(context.Background(), "chat:1", "general", "long job")
	require.NoError(t, err)

	require.True(t, h.runner.Cancel(taskID))

	select {
	case payload := <-completed:
		assert.Equal(t, "Task cancelled", payload["result"])
		assert.Equal(t, false, payload["success"])
	case <-time.After(3 * time.Second):
		t.Fatal("no completion event after cancel")
	}

	task, err := h.tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, "Task cancelled", task.FailureContext)
}

func TestRelaunchRewritesPrompt(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		mu.Lock()
		prompts = append(prompts, req.Task)
		mu.Unlock()
		return &agent.LoopResult{Content: "ok"}, nil
	}
	h := newHarness(t, loop, Options{})
	completed := waitCompleted(t, h.bus)
	ctx := context.Background()

	taskID, err := h.runner.Launch(ctx, "chat:1", "general", "fix the build")
	require.NoError(t, err)
	<-completed

	// simulate a verification failure
	_, err = h.tasks.Fail(ctx, taskID, "tests still red")
	require.NoError(t, err)

	require.NoError(t, h.runner.Relaunch(ctx, taskID))
	<-completed

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.Equal(t, "fix the build", prompts[0])
	assert.True(t, strings.HasPrefix(prompts[1], "Previous attempt failed: tests still red. This is attempt 2."))
	assert.Contains(t, prompts[1], "fix the build")
}

func TestProgressThrottle(t *testing.T) {
	chunks := make(chan struct{})
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		for i := 0; i < 5; i++ {
			req.OnStream(strings.Repeat("x", 500), "text_delta")
		}
		close(chunks)
		return &agent.LoopResult{Content: "ok"}, nil
	}
	h := newHarness(t, loop, Options{ProgressThrottle: time.Hour})

	var mu sync.Mutex
	var snippets []string
	h.bus.On(bus.EventBgTaskProgress, func(payload any) {
		p := payload.(map[string]any)
		mu.Lock()
		snippets = append(snippets, p["snippet"].(string))
		mu.Unlock()
	})
	completed := waitCompleted(t, h.bus)

	_, err := h.runner.Launch(context.Background(), "chat:1", "general", "stream a lot")
	require.NoError(t, err)
	<-chunks
	<-completed

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snippets, 1, "only the first chunk inside the window is forwarded")
	assert.Len(t, snippets[0], progressSnippetLen)
}

func TestProgressSnippetKeepsRunesIntact(t *testing.T) {
	chunks := make(chan struct{})
	loop := func(ctx context.Context, req agent.LoopRequest) (*agent.LoopResult, error) {
		req.OnStream(strings.Repeat("ü", 300), "text_delta")
		close(chunks)
		return &agent.LoopResult{Content: "ok"}, nil
	}
	h := newHarness(t, loop, Options{ProgressThrottle: time.Hour})

	snippet := make(chan string, 1)
	h.bus.On(bus.EventBgTaskProgress, func(payload any) {
		p := payload.(map[string]any)
		snippet <- p["snippet"].(string)
	})
	completed := waitCompleted(t, h.bus)

	_, err := h.runner.Launch(context.Background(), "chat:1", "general", "stream multibyte")
	require.NoError(t, err)
	<-chunks
	<-completed

	select {
	case s := <-snippet:
		assert.True(t, utf8.ValidString(s))
		assert.Equal(t, progressSnippetLen, len([]rune(s)))
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event")
	}
}
