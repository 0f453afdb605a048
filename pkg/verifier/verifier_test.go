package verifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/store"
	"github.com/orchidbot/orchid/pkg/taskman"
)

type fakeRelauncher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRelauncher) Relaunch(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskID)
	return nil
}

func (f *fakeRelauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	store     *store.Store
	bus       *bus.EventBus
	tasks     *taskman.Manager
	relaunch  *fakeRelauncher
	verifier  *Verifier
	passed    chan map[string]any
	failed    chan map[string]any
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	taskman.ResetForTest()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewEventBus()
	h := &harness{
		store:    st,
		bus:      eventBus,
		tasks:    taskman.Create(st, eventBus),
		relaunch: &fakeRelauncher{},
		passed:   make(chan map[string]any, 5),
		failed:   make(chan map[string]any, 5),
	}
	eventBus.On(bus.EventTaskVerificationPassed, func(payload any) {
		h.passed <- payload.(map[string]any)
	})
	eventBus.On(bus.EventTaskVerificationFailed, func(payload any) {
		h.failed <- payload.(map[string]any)
	})

	h.verifier = NewVerifier(h.tasks, st, eventBus, h.relaunch, opts)
	h.verifier.Start()
	t.Cleanup(h.verifier.Stop)
	return h
}

func (h *harness) completeTask(t *testing.T, verifyCommand string) *store.Task {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		Subject:       "verified work",
		Description:   "do and prove it",
		VerifyCommand: verifyCommand,
		Status:        store.TaskPending,
	}
	require.NoError(t, h.tasks.CreateTask(ctx, task))
	_, err := h.tasks.Claim(ctx, task.ID, "worker")
	require.NoError(t, err)

	completed := store.TaskCompleted
	updated, err := h.tasks.UpdateTask(ctx, task.ID, taskman.Changes{Status: &completed})
	require.NoError(t, err)
	return updated
}

func waitEvent(t *testing.T, ch chan map[string]any) map[string]any {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("verification event never arrived")
		return nil
	}
}

func TestVerificationPassStampsMetadata(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.completeTask(t, "echo all good")

	payload := waitEvent(t, h.passed)
	assert.Equal(t, task.ID, payload["task_id"])
	assert.Contains(t, payload["output"], "all good")

	// wait for the metadata write to land
	require.Eventually(t, func() bool {
		fresh, err := h.tasks.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		passed, _ := fresh.Metadata["verifyPassed"].(bool)
		return passed
	}, 5*time.Second, 20*time.Millisecond)

	fresh, err := h.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, fresh.Status)
	assert.Equal(t, 0, h.relaunch.count())
}

func TestVerificationFailureReopensAndRelaunches(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.completeTask(t, "echo tests are red; exit 1")

	payload := waitEvent(t, h.failed)
	assert.Equal(t, task.ID, payload["task_id"])
	assert.Contains(t, payload["output"], "tests are red")

	require.Eventually(t, func() bool {
		return h.relaunch.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	fresh, err := h.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, fresh.Status)
	assert.Contains(t, fresh.FailureContext, "Verification failed")
	assert.Equal(t, 1, fresh.RetryCount)
}

func TestVerificationRetryBudget(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 1})
	ctx := context.Background()

	// first failure consumes the budget
	task := h.completeTask(t, "exit 1")
	waitEvent(t, h.failed)
	require.Eventually(t, func() bool { return h.relaunch.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	// complete again; the second failure exceeds maxRetries
	pending := store.TaskPending
	_, err := h.tasks.UpdateTask(ctx, task.ID, taskman.Changes{Status: &pending})
	require.NoError(t, err)
	completed := store.TaskCompleted
	_, err = h.tasks.UpdateTask(ctx, task.ID, taskman.Changes{Status: &completed})
	require.NoError(t, err)

	payload := waitEvent(t, h.failed)
	assert.Equal(t, 2, payload["retries"])

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.relaunch.count(), "no relaunch past the budget")
}

func TestVerificationTimeout(t *testing.T) {
	h := newHarness(t, Options{CommandTimeout: 100 * time.Millisecond})
	h.completeTask(t, "sleep 5")

	payload := waitEvent(t, h.failed)
	assert.Contains(t, payload["output"], "timed out")
	assert.Contains(t, payload["output"], "exit 124")
}

func TestTasksWithoutVerifyCommandAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.completeTask(t, "")

	select {
	case <-h.passed:
		t.Fatal("unexpected verification pass")
	case <-h.failed:
		t.Fatal("unexpected verification failure")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestVerificationWritesAuditTrail(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.completeTask(t, "echo audited")
	waitEvent(t, h.passed)

	require.Eventually(t, func() bool {
		entries, err := h.store.Audit.Query(context.Background(), store.AuditQuery{Action: "task.verify"})
		require.NoError(t, err)
		return len(entries) == 1 && entries[0].TargetID == task.ID
	}, 5*time.Second, 20*time.Millisecond)
}
