package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/agent"
	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/taskman"
	"github.com/orchidbot/orchid/pkg/tools"
)

const progressSnippetLen = 200

// Options carries the runner's limits. Zero values fall back to defaults.
type Options struct {
	MaxPerChat       int
	ProgressThrottle time.Duration
	CleanupInterval  time.Duration
}

func (o *Options) fill() {
	if o.MaxPerChat <= 0 {
		o.MaxPerChat = 3
	}
	if o.ProgressThrottle <= 0 {
		o.ProgressThrottle = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
}

type runningTask struct {
	taskID       string
	subagentID   string
	chatKey      string
	agentName    string
	description  string
	startedAt    time.Time
	cancel       context.CancelFunc
	lastProgress time.Time
}

// Runner executes delegated tasks on background agents and reports their
// completion back to the originating chat via the event bus.
type Runner struct {
	spawner *agent.Spawner
	tasks   *taskman.Manager
	bus     *bus.EventBus
	opts    Options

	mu       sync.Mutex
	running  map[string]*runningTask // taskID -> state
	reserved map[string]int          // chatKey -> slots claimed by launches in flight
	stopped  bool

	cleanupStop chan struct{}
	wg          sync.WaitGroup
}

func NewRunner(spawner *agent.Spawner, tasks *taskman.Manager, eventBus *bus.EventBus, opts Options) *Runner {
	opts.fill()
	return &Runner{
		spawner:     spawner,
		tasks:       tasks,
		bus:         eventBus,
		opts:        opts,
		running:     make(map[string]*runningTask),
		reserved:    make(map[string]int),
		cleanupStop: make(chan struct{}),
	}
}

// Start launches the periodic cleanup loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.cleanup()
			case <-r.cleanupStop:
				return
			}
		}
	}()
}

// Launch starts a background task for a chat. The per-chat limit keeps one
// conversation from monopolizing the runtime; the slot is reserved before
// any store work so concurrent launches cannot both slip past the cap.
func (r *Runner) Launch(ctx context.Context, chatKey, agentName, description string) (string, error) {
	if err := r.reserve(chatKey); err != nil {
		return "", err
	}
	// the reservation is only needed until launch() inserts the running
	// entry, which happens before it returns
	defer r.unreserve(chatKey)

	if agentName == "" {
		agentName = "general"
	}

	task := &store.Task{
		Subject:     description,
		Description: description,
		Owner:       agentName,
		Status:      store.TaskPending,
		Metadata:    map[string]any{"chat_key": chatKey, "background": true},
	}
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return "", err
	}
	if _, err := r.tasks.Claim(ctx, task.ID, agentName); err != nil {
		return "", err
	}

	r.launch(task, chatKey, agentName, description)
	return task.ID, nil
}

// reserve atomically claims a slot under the per-chat cap, counting both
// running tasks and launches still in flight.
func (r *Runner) reserve(chatKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("background runner is stopped")
	}
	active := r.reserved[chatKey]
	for _, rt := range r.running {
		if rt.chatKey == chatKey {
			active++
		}
	}
	if active >= r.opts.MaxPerChat {
		return fmt.Errorf("chat already has %d background task(s) running (limit %d)", active, r.opts.MaxPerChat)
	}
	r.reserved[chatKey]++
	return nil
}

func (r *Runner) unreserve(chatKey string) {
	r.mu.Lock()
	if r.reserved[chatKey] > 1 {
		r.reserved[chatKey]--
	} else {
		delete(r.reserved, chatKey)
	}
	r.mu.Unlock()
}

// Relaunch retries a failed task. The prompt carries the failure context so
// the next attempt takes a different path.
func (r *Runner) Relaunch(ctx context.Context, taskID string) error {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("relaunch: no task with id %s", taskID)
	}
	if task.Status != store.TaskFailed {
		return fmt.Errorf("relaunch: task %s is %s, not failed", taskID, task.Status)
	}

	if _, err := r.tasks.Retry(ctx, taskID); err != nil {
		return err
	}
	if _, err := r.tasks.Claim(ctx, taskID, task.Owner); err != nil {
		return err
	}

	chatKey, _ := task.Metadata["chat_key"].(string)
	r.launch(task, chatKey, task.Owner, buildPrompt(task))
	return nil
}

// buildPrompt rewrites the task description for retries so the agent knows
// what went wrong the first time.
func buildPrompt(task *store.Task) string {
	if task.RetryCount == 0 || task.FailureContext == "" {
		return task.Description
	}
	return fmt.Sprintf("Previous attempt failed: %s. This is attempt %d. Try a different approach.\n\n%s",
		task.FailureContext, task.RetryCount+1, task.Description)
}

func (r *Runner) launch(task *store.Task, chatKey, agentName, prompt string) {
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		taskID:      task.ID,
		chatKey:     chatKey,
		agentName:   agentName,
		description: task.Description,
		startedAt:   time.Now(),
		cancel:      cancel,
	}
	r.mu.Lock()
	r.running[task.ID] = rt
	r.mu.Unlock()

	r.bus.Emit(bus.EventBgTaskDelegated, map[string]any{
		"task_id":  task.ID,
		"chat_key": chatKey,
		"agent":    agentName,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		rec, err := r.spawner.Spawn(runCtx, agent.SpawnOptions{
			AgentName: agentName,
			Task:      prompt,
			TimeoutMs: task.TimeBudgetMs,
			OnStream: func(chunk, chunkType string) {
				r.progress(rt, chunk)
			},
		})

		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()

		ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWrite()

		switch {
		case err != nil && runCtx.Err() != nil:
			// cancelled via Cancel or StopAll
			_, _ = r.tasks.Fail(ctx, task.ID, "Task cancelled")
			r.complete(task.ID, chatKey, "Task cancelled", false)

		case err != nil:
			_, _ = r.tasks.Fail(ctx, task.ID, err.Error())
			r.complete(task.ID, chatKey, err.Error(), false)

		case rec.Status == store.SubagentCompleted:
			done := store.TaskCompleted
			_, _ = r.tasks.UpdateTask(ctx, task.ID, taskman.Changes{Status: &done})
			r.complete(task.ID, chatKey, rec.Result, true)

		default:
			_, _ = r.tasks.Fail(ctx, task.ID, rec.Result)
			r.complete(task.ID, chatKey, rec.Result, false)
		}
	}()
}

// progress forwards at most one throttled snippet per interval.
func (r *Runner) progress(rt *runningTask, chunk string) {
	r.mu.Lock()
	if time.Since(rt.lastProgress) < r.opts.ProgressThrottle {
		r.mu.Unlock()
		return
	}
	rt.lastProgress = time.Now()
	r.mu.Unlock()

	snippet := chunk
	if runes := []rune(chunk); len(runes) > progressSnippetLen {
		snippet = string(runes[:progressSnippetLen])
	}
	r.bus.Emit(bus.EventBgTaskProgress, map[string]any{
		"task_id":  rt.taskID,
		"chat_key": rt.chatKey,
		"snippet":  snippet,
	})
}

func (r *Runner) complete(taskID, chatKey, result string, success bool) {
	r.bus.Emit(bus.EventBgTaskCompleted, map[string]any{
		"task_id":  taskID,
		"chat_key": chatKey,
		"result":   result,
		"success":  success,
	})
	logger.InfoCF("background", "Background task finished", map[string]any{
		"task_id": taskID,
		"success": success,
	})
}

// Active lists the tasks currently running for a chat.
func (r *Runner) Active(chatKey string) []tools.BackgroundTaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var infos []tools.BackgroundTaskInfo
	for _, rt := range r.running {
		if rt.chatKey == chatKey {
			infos = append(infos, tools.BackgroundTaskInfo{
				ID:          rt.taskID,
				AgentName:   rt.agentName,
				Description: rt.description,
				StartedAtMs: rt.startedAt.UnixMilli(),
			})
		}
	}
	return infos
}

// Cancel aborts a running background task.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	rt, ok := r.running[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	rt.cancel()
	return true
}

// cleanup reaps stale subagent records left behind by crashes.
func (r *Runner) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n, err := r.spawner.CheckTimeouts(ctx); err == nil && n > 0 {
		logger.InfoCF("background", "Stale subagents timed out", map[string]any{"count": n})
	}
}

// StopAll cancels every running task and stops the cleanup loop.
func (r *Runner) StopAll() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancels := make([]context.CancelFunc, 0, len(r.running))
	for _, rt := range r.running {
		cancels = append(cancels, rt.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(r.cleanupStop)
	r.wg.Wait()
}
