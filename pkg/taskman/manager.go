package taskman

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

const maxFailureContext = 2000

// Manager owns task lifecycle and keeps the blockedBy/blocks symmetry
// intact. All mutations go through it; repositories store what they are
// given.
type Manager struct {
	store *store.Store
	bus   *bus.EventBus
	mu    sync.Mutex
}

var (
	instance *Manager
	once     sync.Once
)

func Create(st *store.Store, eventBus *bus.EventBus) *Manager {
	created := false
	once.Do(func() {
		instance = &Manager{store: st, bus: eventBus}
		created = true
	})
	if !created {
		panic("taskman: Create called twice")
	}
	return instance
}

func Get() *Manager {
	if instance == nil {
		panic("taskman: Get before Create")
	}
	return instance
}

func ResetForTest() {
	instance = nil
	once = sync.Once{}
}

// CreateTask persists the task, wires its dependencies on both sides and
// announces it. A task created with blockers starts blocked.
func (m *Manager) CreateTask(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blockedBy := t.BlockedBy
	t.BlockedBy = nil
	if len(blockedBy) > 0 {
		t.Status = store.TaskBlocked
	}
	if err := m.store.Tasks.Create(ctx, t); err != nil {
		return err
	}

	for _, blockerID := range blockedBy {
		if err := m.store.Tasks.AddDependency(ctx, t.ID, blockerID); err != nil {
			return fmt.Errorf("wire dependency %s: %w", blockerID, err)
		}
	}
	if len(blockedBy) > 0 {
		fresh, err := m.store.Tasks.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		*t = *fresh
	}

	m.bus.Emit(bus.EventTaskCreated, map[string]any{"task": t})
	if t.Status == store.TaskBlocked {
		m.bus.Emit(bus.EventTaskBlocked, map[string]any{"task": t})
	}
	logger.InfoCF("task", "Task created", map[string]any{
		"id":      t.ID,
		"subject": t.Subject,
		"blocked": len(t.BlockedBy) > 0,
	})
	return nil
}

// Changes is a partial update. Nil pointers leave the field untouched.
// Blocks edits name tasks this one blocks; BlockedBy edits name tasks that
// block this one.
type Changes struct {
	Subject         *string
	Description     *string
	ActiveForm      *string
	Status          *store.TaskStatus
	Owner           *string
	Metadata        map[string]any
	AddBlocks       []string
	RemoveBlocks    []string
	AddBlockedBy    []string
	RemoveBlockedBy []string
}

// UpdateTask applies a partial update, maintains dependency symmetry, and
// emits task:updated with the list of changed fields. Completing a task
// also unblocks its dependents.
func (m *Manager) UpdateTask(ctx context.Context, id string, changes Changes) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("update task: no task with id %s", id)
	}

	// dependency edits first so the status checks below see the final graph
	var changed []string
	for _, dep := range changes.AddBlocks {
		if err := m.store.Tasks.AddDependency(ctx, dep, id); err != nil {
			return nil, err
		}
		changed = append(changed, "blocks")
	}
	for _, dep := range changes.RemoveBlocks {
		if err := m.store.Tasks.RemoveDependency(ctx, dep, id); err != nil {
			return nil, err
		}
		changed = append(changed, "blocks")
	}
	for _, blocker := range changes.AddBlockedBy {
		if err := m.store.Tasks.AddDependency(ctx, id, blocker); err != nil {
			return nil, err
		}
		changed = append(changed, "blockedBy")
	}
	for _, blocker := range changes.RemoveBlockedBy {
		if err := m.store.Tasks.RemoveDependency(ctx, id, blocker); err != nil {
			return nil, err
		}
		changed = append(changed, "blockedBy")
	}
	if len(changed) > 0 {
		task, err = m.store.Tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	apply := func(field string, dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = append(changed, field)
		}
	}
	apply("subject", &task.Subject, changes.Subject)
	apply("description", &task.Description, changes.Description)
	apply("activeForm", &task.ActiveForm, changes.ActiveForm)
	apply("owner", &task.Owner, changes.Owner)

	if changes.Status != nil && task.Status != *changes.Status {
		if *changes.Status == store.TaskCompleted && len(task.BlockedBy) > 0 {
			return nil, fmt.Errorf("update task: %s is blocked by %d task(s) and cannot be completed", id, len(task.BlockedBy))
		}
		task.Status = *changes.Status
		changed = append(changed, "status")
	}
	if changes.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		for k, v := range changes.Metadata {
			task.Metadata[k] = v
		}
		changed = append(changed, "metadata")
	}

	// keep blocked/pending consistent with the dependency graph
	switch {
	case task.Status == store.TaskBlocked && len(task.BlockedBy) == 0:
		task.Status = store.TaskPending
		changed = append(changed, "status")
	case task.Status == store.TaskPending && len(task.BlockedBy) > 0:
		task.Status = store.TaskBlocked
		changed = append(changed, "status")
	}

	if err := m.store.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		m.bus.Emit(bus.EventTaskUpdated, map[string]any{
			"task":    task,
			"changed": changed,
		})
	}

	if task.Status == store.TaskCompleted && changes.Status != nil && *changes.Status == store.TaskCompleted {
		m.bus.Emit(bus.EventTaskCompleted, map[string]any{"task": task})
		if err := m.unblockDependents(ctx, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// Claim moves a pending, unblocked task to in_progress under an owner.
func (m *Manager) Claim(ctx context.Context, id, owner string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("claim: no task with id %s", id)
	}
	if task.Status != store.TaskPending {
		return nil, fmt.Errorf("claim: task %s is %s, not pending", id, task.Status)
	}
	if len(task.BlockedBy) > 0 {
		return nil, fmt.Errorf("claim: task %s is blocked by %d task(s)", id, len(task.BlockedBy))
	}
	if task.Owner != "" && task.Owner != owner {
		return nil, fmt.Errorf("claim: task %s is owned by %s", id, task.Owner)
	}

	task.Owner = owner
	task.Status = store.TaskInProgress
	if err := m.store.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	m.bus.Emit(bus.EventTaskUpdated, map[string]any{
		"task":    task,
		"changed": []string{"status", "owner"},
	})
	return task, nil
}

// Fail records a failure with truncated context and bumps the retry count.
func (m *Manager) Fail(ctx context.Context, id, failureContext string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("fail: no task with id %s", id)
	}

	if len(failureContext) > maxFailureContext {
		failureContext = failureContext[:maxFailureContext]
	}
	task.Status = store.TaskFailed
	task.FailureContext = failureContext
	task.RetryCount++
	if err := m.store.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	m.bus.Emit(bus.EventTaskUpdated, map[string]any{
		"task":    task,
		"changed": []string{"status", "failureContext", "retryCount"},
	})
	logger.WarnCF("task", "Task failed", map[string]any{
		"id":      task.ID,
		"retries": task.RetryCount,
	})
	return task, nil
}

// Retry resets a failed task to pending. The failure context is kept so the
// next attempt can learn from it.
func (m *Manager) Retry(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("retry: no task with id %s", id)
	}
	if task.Status != store.TaskFailed {
		return nil, fmt.Errorf("retry: task %s is %s, not failed", id, task.Status)
	}

	task.Status = store.TaskPending
	task.Owner = ""
	if err := m.store.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	m.bus.Emit(bus.EventTaskUpdated, map[string]any{
		"task":    task,
		"changed": []string{"status", "owner"},
	})
	return task, nil
}

func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Tasks.SoftDelete(ctx, id)
}

func (m *Manager) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return m.store.Tasks.Get(ctx, id)
}

func (m *Manager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return m.store.Tasks.List(ctx, filter)
}

// unblockDependents removes the completed task from every dependent's
// blockedBy and flips newly free tasks to pending.
func (m *Manager) unblockDependents(ctx context.Context, completed *store.Task) error {
	for _, depID := range completed.Blocks {
		if err := m.store.Tasks.RemoveDependency(ctx, depID, completed.ID); err != nil {
			return err
		}
		dep, err := m.store.Tasks.Get(ctx, depID)
		if err != nil {
			return err
		}
		if dep == nil || len(dep.BlockedBy) > 0 {
			continue
		}
		if dep.Status == store.TaskBlocked {
			dep.Status = store.TaskPending
			if err := m.store.Tasks.Update(ctx, dep); err != nil {
				return err
			}
			m.bus.Emit(bus.EventTaskUpdated, map[string]any{
				"task":    dep,
				"changed": []string{"status"},
			})
			logger.InfoCF("task", "Task unblocked", map[string]any{"id": dep.ID})
		}
	}
	return nil
}
