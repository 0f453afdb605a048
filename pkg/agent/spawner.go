package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// MaxSubagentDepth caps how deep spawn chains may nest.
const MaxSubagentDepth = 3

// Spawner runs registered agents as tracked subagent loops. Every spawn is
// recorded; terminal status is written exactly once even when completion
// and timeout race.
type Spawner struct {
	registry *Registry
	store    *store.Store
	bus      *bus.EventBus
	loop     LoopFunc
	timeout  time.Duration
	maxDepth int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewSpawner(registry *Registry, st *store.Store, eventBus *bus.EventBus, loop LoopFunc, timeout time.Duration, maxDepth int) *Spawner {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if maxDepth <= 0 {
		maxDepth = MaxSubagentDepth
	}
	return &Spawner{
		registry: registry,
		store:    st,
		bus:      eventBus,
		loop:     loop,
		timeout:  timeout,
		maxDepth: maxDepth,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SpawnOptions configures one subagent run.
type SpawnOptions struct {
	AgentName string
	Task      string
	ParentID  string // id of the spawning subagent, empty for top level
	TimeoutMs int64  // 0 uses the spawner default
	SessionID string // resume an existing session when set
	OnStream  func(chunk, chunkType string)
}

// Spawn records the run and executes it synchronously, returning the
// updated record. The record's terminal status reflects what happened:
// completed, failed or timeout.
func (s *Spawner) Spawn(ctx context.Context, opts SpawnOptions) (*store.SubagentRecord, error) {
	if s.loop == nil {
		return nil, ErrLoopNotConfigured
	}

	depth, err := s.depthOf(ctx, opts.ParentID)
	if err != nil {
		return nil, err
	}
	if depth >= s.maxDepth {
		return nil, fmt.Errorf("subagent depth limit %d reached", s.maxDepth)
	}

	def, err := s.registry.GetAgent(opts.AgentName)
	if err != nil {
		return nil, err
	}

	timeout := s.timeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	} else if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}

	rec := &store.SubagentRecord{
		AgentName: def.Name,
		ParentID:  opts.ParentID,
		Task:      opts.Task,
		TimeoutMs: timeout.Milliseconds(),
		SessionID: opts.SessionID,
	}
	if err := s.store.Subagents.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("record subagent: %w", err)
	}

	s.bus.Emit(bus.EventSubagentSpawn, map[string]any{
		"id":     rec.ID,
		"agent":  def.Name,
		"parent": opts.ParentID,
		"task":   opts.Task,
	})
	logger.InfoCF("agent", "Subagent spawned", map[string]any{
		"id":    rec.ID,
		"agent": def.Name,
		"depth": depth + 1,
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[rec.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, rec.ID)
		s.mu.Unlock()
	}()

	onStream := opts.OnStream
	req := LoopRequest{
		SystemPrompt: def.SystemPrompt,
		Task:         opts.Task,
		Model:        s.registry.ResolveModel(def),
		AllowedTools: s.registry.AgentTools(def),
		SessionID:    opts.SessionID,
		OnStream: func(chunk, chunkType string) {
			s.bus.Emit(bus.EventSubagentStream, bus.SubagentStreamPayload{
				SubagentID: rec.ID,
				Chunk:      chunk,
				Type:       bus.StreamChunkType(chunkType),
			})
			if onStream != nil {
				onStream(chunk, chunkType)
			}
		},
	}

	type loopOutcome struct {
		result *LoopResult
		err    error
	}
	done := make(chan loopOutcome, 1)
	go func() {
		result, err := s.loop(runCtx, req)
		done <- loopOutcome{result, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			s.finalize(rec, store.SubagentFailed, classifyUpstreamError(outcome.err), nil)
			return rec, nil
		}
		rec.TokensUsed = &outcome.result.TokensUsed
		rec.ToolUses = &outcome.result.ToolUses
		if outcome.result.SessionID != "" {
			rec.SessionID = outcome.result.SessionID
		}
		s.finalize(rec, store.SubagentCompleted, outcome.result.Content, outcome.result)
		return rec, nil

	case <-timer.C:
		cancel()
		s.finalize(rec, store.SubagentTimeout,
			fmt.Sprintf("Subagent timed out after %s", timeout), nil)
		return rec, nil

	case <-ctx.Done():
		cancel()
		s.finalize(rec, store.SubagentFailed, "Subagent cancelled", nil)
		return rec, ctx.Err()
	}
}

// Cancel aborts a running subagent. Returns false when it is not running.
func (s *Spawner) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// finalize writes the terminal status exactly once. A record that already
// left running keeps its first outcome.
func (s *Spawner) finalize(rec *store.SubagentRecord, status store.SubagentStatus, result string, loopResult *LoopResult) {
	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()

	current, err := s.store.Subagents.Get(ctx, rec.ID)
	if err == nil && current != nil && current.Status != store.SubagentRunning {
		*rec = *current
		return
	}

	now := time.Now().UnixMilli()
	rec.Status = status
	rec.CompletedAt = &now
	rec.Result = result
	if err := s.store.Subagents.Update(ctx, rec); err != nil {
		logger.ErrorCF("agent", "Subagent finalize failed", map[string]any{
			"id":    rec.ID,
			"error": err.Error(),
		})
	}

	event := bus.EventSubagentComplete
	if status == store.SubagentTimeout {
		event = bus.EventSubagentTimeout
	}
	payload := map[string]any{
		"id":     rec.ID,
		"agent":  rec.AgentName,
		"status": string(status),
		"result": result,
	}
	if loopResult != nil {
		payload["tokens_used"] = loopResult.TokensUsed
		payload["tool_uses"] = loopResult.ToolUses
	}
	s.bus.Emit(event, payload)

	logger.InfoCF("agent", "Subagent finished", map[string]any{
		"id":     rec.ID,
		"status": string(status),
	})
}

// depthOf walks the parent chain. A missing parent breaks the walk rather
// than failing the spawn.
func (s *Spawner) depthOf(ctx context.Context, parentID string) (int, error) {
	depth := 0
	for parentID != "" {
		depth++
		if depth > s.maxDepth {
			return depth, nil
		}
		parent, err := s.store.Subagents.Get(ctx, parentID)
		if err != nil {
			return 0, err
		}
		if parent == nil {
			break
		}
		parentID = parent.ParentID
	}
	return depth, nil
}

// CheckTimeouts marks running records whose budget is spent. It exists for
// records left behind by a crash; live spawns time out on their own.
func (s *Spawner) CheckTimeouts(ctx context.Context) (int, error) {
	running, err := s.store.Subagents.GetRunning(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	count := 0
	for _, rec := range running {
		if rec.TimeoutMs > 0 && rec.SpawnedAt+rec.TimeoutMs < now {
			s.mu.Lock()
			_, live := s.cancels[rec.ID]
			s.mu.Unlock()
			if live {
				continue
			}
			s.finalize(rec, store.SubagentTimeout, "Subagent timed out", nil)
			count++
		}
	}
	return count, nil
}

// MarkOrphaned flags stale running records from previous processes.
func (s *Spawner) MarkOrphaned(ctx context.Context, olderThanMs int64) (int, error) {
	return s.store.Subagents.MarkOrphaned(ctx, olderThanMs)
}

// SubagentSessionID returns the session a subagent ran under, for resume.
func (s *Spawner) SubagentSessionID(ctx context.Context, id string) (string, error) {
	rec, err := s.store.Subagents.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("no subagent with id %s", id)
	}
	return rec.SessionID, nil
}

// ErrLoopNotConfigured is returned by spawners built without a loop.
var ErrLoopNotConfigured = errors.New("agent loop not configured")
