package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// Manager gates privileged commands behind human decisions. Requesters block
// until a decision is recorded, the request expires, or the manager shuts
// down. Decisions, once written, are frozen.
type Manager struct {
	store   *store.Store
	bus     *bus.EventBus
	timeout time.Duration

	mu       sync.Mutex
	waiters  map[string]chan store.Decision
	grants   map[string]bool // chatKey -> allow-session grant
	shutdown bool
}

var (
	instance *Manager
	once     sync.Once
)

// Create builds the process-wide manager. Calling it twice is a programming
// error and panics.
func Create(st *store.Store, eventBus *bus.EventBus, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	created := false
	once.Do(func() {
		instance = &Manager{
			store:   st,
			bus:     eventBus,
			timeout: timeout,
			waiters: make(map[string]chan store.Decision),
			grants:  make(map[string]bool),
		}
		created = true
	})
	if !created {
		panic("approval: Create called twice")
	}
	return instance
}

// Get returns the manager created by Create and panics when none exists.
func Get() *Manager {
	if instance == nil {
		panic("approval: Get before Create")
	}
	return instance
}

// ResetForTest clears the singleton between tests.
func ResetForTest() {
	instance = nil
	once = sync.Once{}
}

// RequestApproval records a pending request and blocks until it is decided.
// A prior allow-session grant for the same chat short-circuits to allow.
func (m *Manager) RequestApproval(ctx context.Context, command string, meta map[string]any) (store.Decision, error) {
	chatKey, _ := meta["channel"].(string)
	if chatID, ok := meta["chat_id"].(string); ok {
		chatKey += ":" + chatID
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return store.DecisionTimeout, fmt.Errorf("approval manager is shut down")
	}
	if chatKey != ":" && m.grants[chatKey] {
		m.mu.Unlock()
		logger.DebugCF("approval", "Session grant reused", map[string]any{"chat": chatKey})
		return store.DecisionAllowSession, nil
	}
	m.mu.Unlock()

	req := &store.ApprovalRequest{
		Command:     command,
		Context:     meta,
		ExpiresAtMs: time.Now().Add(m.timeout).UnixMilli(),
	}
	if err := m.store.Approvals.Create(ctx, req); err != nil {
		return store.DecisionTimeout, fmt.Errorf("persist approval request: %w", err)
	}

	ch := make(chan store.Decision, 1)
	m.mu.Lock()
	m.waiters[req.ID] = ch
	m.mu.Unlock()

	m.bus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      req.ID,
		"command": command,
		"context": meta,
		"expires": req.ExpiresAtMs,
	})

	logger.InfoCF("approval", "Approval requested", map[string]any{
		"id":      req.ID,
		"command": command,
	})

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		if decision == store.DecisionAllowSession && chatKey != ":" {
			m.mu.Lock()
			m.grants[chatKey] = true
			m.mu.Unlock()
		}
		return decision, nil

	case <-timer.C:
		m.expire(req.ID)
		return store.DecisionTimeout, nil

	case <-ctx.Done():
		m.expire(req.ID)
		return store.DecisionTimeout, ctx.Err()
	}
}

// Resolve records a decision and wakes the waiter. Unknown ids and already
// decided requests are a no-op so retried replies never surface as errors.
func (m *Manager) Resolve(ctx context.Context, id string, decision store.Decision, decidedBy string) error {
	existing, err := m.store.Approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Decision != "" {
		logger.DebugCF("approval", "Resolve ignored", map[string]any{
			"id": id,
		})
		return nil
	}

	now := time.Now().UnixMilli()
	req := &store.ApprovalRequest{
		ID:          id,
		Decision:    decision,
		DecidedAtMs: &now,
		DecidedBy:   decidedBy,
	}
	if err := m.store.Approvals.Update(ctx, req); err != nil {
		return err
	}

	m.mu.Lock()
	ch, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	if ok {
		ch <- decision
	}

	m.bus.Emit(bus.EventApprovalDecision, map[string]any{
		"id":       id,
		"decision": string(decision),
		"by":       decidedBy,
	})

	logger.InfoCF("approval", "Approval resolved", map[string]any{
		"id":       id,
		"decision": string(decision),
	})
	return nil
}

// expire records a timeout decision; losing the race to a real decision is
// fine, the real decision stays.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	req := &store.ApprovalRequest{
		ID:          id,
		Decision:    store.DecisionTimeout,
		DecidedAtMs: &now,
		DecidedBy:   "system",
	}
	if err := m.store.Approvals.Update(ctx, req); err != nil {
		logger.DebugCF("approval", "Timeout decision skipped", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return
	}
	m.bus.Emit(bus.EventApprovalTimeout, map[string]any{"id": id})
}

// RecoverPending times out every undecided request left behind by a previous
// process. Nobody is parked waiting on those rows anymore, so announcing
// them again could never resolve them. Requests with a live waiter in this
// process are untouched.
func (m *Manager) RecoverPending(ctx context.Context) error {
	pending, err := m.store.Approvals.GetPending(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, req := range pending {
		m.mu.Lock()
		_, live := m.waiters[req.ID]
		m.mu.Unlock()
		if live {
			continue
		}
		m.expire(req.ID)
		recovered++
	}

	if recovered > 0 {
		logger.InfoCF("approval", "Orphaned approval requests timed out", map[string]any{
			"count": recovered,
		})
	}
	return nil
}

// GetPending exposes undecided requests for channel surfaces.
func (m *Manager) GetPending(ctx context.Context) ([]*store.ApprovalRequest, error) {
	return m.store.Approvals.GetPending(ctx)
}

// Shutdown wakes every waiter with a null decision; the rows stay pending
// and RecoverPending times them out on the next start. New requests are
// rejected afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	waiters := m.waiters
	m.waiters = make(map[string]chan store.Decision)
	m.mu.Unlock()

	for id, ch := range waiters {
		ch <- store.Decision("")
		logger.DebugCF("approval", "Waiter released on shutdown", map[string]any{"id": id})
	}
}
