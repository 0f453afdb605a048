package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/store"
)

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *bus.EventBus) {
	t.Helper()
	ResetForTest()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(); ResetForTest() })
	eventBus := bus.NewEventBus()
	return Create(st, eventBus, timeout), eventBus
}

func TestRequestApprovalResolvedAllow(t *testing.T) {
	m, eventBus := newTestManager(t, 5*time.Second)

	requested := make(chan string, 1)
	eventBus.On(bus.EventApprovalRequest, func(payload any) {
		p := payload.(map[string]any)
		requested <- p["id"].(string)
	})

	done := make(chan store.Decision, 1)
	go func() {
		decision, err := m.RequestApproval(context.Background(), "ls -la", map[string]any{
			"channel": "telegram",
			"chat_id": "42",
		})
		require.NoError(t, err)
		done <- decision
	}()

	var id string
	select {
	case id = <-requested:
	case <-time.After(2 * time.Second):
		t.Fatal("approval request never announced")
	}

	require.NoError(t, m.Resolve(context.Background(), id, store.DecisionAllowOnce, "user-1"))

	select {
	case decision := <-done:
		assert.Equal(t, store.DecisionAllowOnce, decision)
	case <-time.After(2 * time.Second):
		t.Fatal("requester never woke")
	}
}

func TestRequestApprovalTimesOut(t *testing.T) {
	m, _ := newTestManager(t, 50*time.Millisecond)

	decision, err := m.RequestApproval(context.Background(), "rm -rf /", nil)
	require.NoError(t, err)
	assert.Equal(t, store.DecisionTimeout, decision)

	// the timeout decision lands in the store
	pending, err := m.GetPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAllowSessionGrantShortCircuits(t *testing.T) {
	m, eventBus := newTestManager(t, 5*time.Second)

	eventBus.On(bus.EventApprovalRequest, func(payload any) {
		p := payload.(map[string]any)
		_ = m.Resolve(context.Background(), p["id"].(string), store.DecisionAllowSession, "user-1")
	})

	meta := map[string]any{"channel": "telegram", "chat_id": "42"}
	decision, err := m.RequestApproval(context.Background(), "make build", meta)
	require.NoError(t, err)
	require.Equal(t, store.DecisionAllowSession, decision)

	// second request in the same chat needs no round trip
	start := time.Now()
	decision, err = m.RequestApproval(context.Background(), "make test", meta)
	require.NoError(t, err)
	assert.Equal(t, store.DecisionAllowSession, decision)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveIsIdempotent(t *testing.T) {
	m, eventBus := newTestManager(t, 5*time.Second)
	ctx := context.Background()

	// unknown ids are a no-op
	require.NoError(t, m.Resolve(ctx, "no-such-id", store.DecisionAllowOnce, "user-1"))

	requested := make(chan string, 1)
	eventBus.On(bus.EventApprovalRequest, func(payload any) {
		p := payload.(map[string]any)
		requested <- p["id"].(string)
	})

	go m.RequestApproval(ctx, "whoami", nil)
	id := <-requested

	require.NoError(t, m.Resolve(ctx, id, store.DecisionDeny, "user-1"))

	// a second resolve neither errors nor overwrites the first decision
	require.NoError(t, m.Resolve(ctx, id, store.DecisionAllowOnce, "user-2"))
	got, err := m.store.Approvals.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.DecisionDeny, got.Decision)
	assert.Equal(t, "user-1", got.DecidedBy)
}

func TestRecoverPendingTimesOutOrphanedRows(t *testing.T) {
	m, eventBus := newTestManager(t, time.Minute)
	ctx := context.Background()

	timedOut := make(chan string, 1)
	eventBus.On(bus.EventApprovalTimeout, func(payload any) {
		p := payload.(map[string]any)
		timedOut <- p["id"].(string)
	})

	// an undecided row from a previous process: nobody waits on it here
	req := &store.ApprovalRequest{
		Command:     "make deploy",
		ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, m.store.Approvals.Create(ctx, req))

	require.NoError(t, m.RecoverPending(ctx))

	select {
	case id := <-timedOut:
		assert.Equal(t, req.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("approval:timeout never published")
	}

	got, err := m.store.Approvals.Get(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.DecisionTimeout, got.Decision)

	pending, err := m.GetPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverPendingSkipsLiveWaiters(t *testing.T) {
	m, eventBus := newTestManager(t, 30*time.Second)
	ctx := context.Background()

	requested := make(chan string, 1)
	eventBus.On(bus.EventApprovalRequest, func(payload any) {
		p := payload.(map[string]any)
		requested <- p["id"].(string)
	})

	done := make(chan store.Decision, 1)
	go func() {
		decision, _ := m.RequestApproval(ctx, "ls", nil)
		done <- decision
	}()
	id := <-requested

	require.NoError(t, m.RecoverPending(ctx))

	// the live request is still decidable
	require.NoError(t, m.Resolve(ctx, id, store.DecisionAllowOnce, "user-1"))
	select {
	case decision := <-done:
		assert.Equal(t, store.DecisionAllowOnce, decision)
	case <-time.After(2 * time.Second):
		t.Fatal("requester never woke")
	}
}

func TestShutdownReleasesWaiters(t *testing.T) {
	m, _ := newTestManager(t, 30*time.Second)

	done := make(chan store.Decision, 1)
	go func() {
		decision, _ := m.RequestApproval(context.Background(), "sleep 100", nil)
		done <- decision
	}()

	// give the requester time to park
	time.Sleep(50 * time.Millisecond)
	m.Shutdown()

	select {
	case decision := <-done:
		assert.Equal(t, store.Decision(""), decision, "shutdown resolves with a null decision")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}

	_, err := m.RequestApproval(context.Background(), "after shutdown", nil)
	assert.Error(t, err)
}
