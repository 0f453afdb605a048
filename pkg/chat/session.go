package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// SendFunc delivers text back to the chat's channel surface. A non-empty
// replyTo threads the message as a reply to that inbound message id.
type SendFunc func(channel, chatID, content, replyTo string)

// SwarmRunner runs a multi-agent swarm for an objective and returns the
// aggregated report. Kept as an interface so the session stays decoupled
// from the coordinator.
type SwarmRunner interface {
	RunSwarm(ctx context.Context, objective string, onUpdate func(string)) (string, error)
}

// SessionOptions wires one chat session.
type SessionOptions struct {
	Channel       string
	ChatID        string
	SystemPrompt  string
	Model         string
	MaxTokens     int
	QueueMode     store.QueueMode
	MaxQueueSize  int
	CollectWindow time.Duration
	Send          SendFunc
	Swarm         SwarmRunner
}

// ChatSession owns one conversation: its queue, its persisted session and
// the turn in flight. A turn is either a dialog loop run or, for complex
// objectives, a swarm run.
type ChatSession struct {
	opts SessionOptions
	loop *ToolLoop
	bus  *bus.EventBus
	st   *store.Store

	queue *MessageQueue

	mu         sync.Mutex
	sessionID  string
	turnCancel context.CancelFunc
	stopped    bool

	unsubscribe func()
}

func NewChatSession(loop *ToolLoop, st *store.Store, eventBus *bus.EventBus, opts SessionOptions) *ChatSession {
	s := &ChatSession{
		opts: opts,
		loop: loop,
		bus:  eventBus,
		st:   st,
	}
	s.queue = NewMessageQueue(opts.QueueMode, s, opts.MaxQueueSize, opts.CollectWindow)

	chatKey := opts.Channel + ":" + opts.ChatID
	s.unsubscribe = eventBus.On(bus.EventBgTaskCompleted, func(payload any) {
		p, ok := payload.(map[string]any)
		if !ok || p["chat_key"] != chatKey {
			return
		}
		result, _ := p["result"].(string)
		success, _ := p["success"].(bool)
		prefix := "Background task finished"
		if !success {
			prefix = "Background task failed"
		}
		s.send(fmt.Sprintf("%s:\n%s", prefix, result), "")
	})
	return s
}

// ChatKey identifies this session's conversation.
func (s *ChatSession) ChatKey() string {
	return s.opts.Channel + ":" + s.opts.ChatID
}

// Handle enqueues an inbound message according to the queue mode.
func (s *ChatSession) Handle(msg InboundMessage) {
	s.queue.Push(msg)
}

// SetQueueMode switches how concurrent arrivals are treated.
func (s *ChatSession) SetQueueMode(mode store.QueueMode) {
	s.queue.SetMode(mode)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if session, err := s.st.Sessions.Get(ctx, s.currentSessionID()); err == nil && session != nil {
		session.QueueMode = mode
		_ = s.st.Sessions.Update(ctx, session)
	}
}

// Deliver runs one turn. Called by the queue, never directly.
func (s *ChatSession) Deliver(msg InboundMessage) {
	go s.runTurn(msg)
}

// Interrupt aborts the turn in flight.
func (s *ChatSession) Interrupt() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ChatSession) runTurn(msg InboundMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	s.turnCancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.turnCancel = nil
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.queue.TurnDone()
		}
	}()

	if s.opts.Swarm != nil && IsComplexObjective(msg.Content) {
		s.runSwarmTurn(ctx, msg)
		return
	}

	outcome, err := s.loop.Run(ctx, LoopOptions{
		SessionID:    s.currentSessionID(),
		SystemPrompt: s.opts.SystemPrompt,
		UserMessage:  msg.Content,
		Model:        s.opts.Model,
		MaxTokens:    s.opts.MaxTokens,
		Channel:      s.opts.Channel,
		ChatID:       s.opts.ChatID,
		Steer:        s.queue.DrainSteering,
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.InfoCF("chat", "Turn interrupted", map[string]any{"chat": s.ChatKey()})
			return
		}
		logger.ErrorCF("chat", "Turn failed", map[string]any{
			"chat":  s.ChatKey(),
			"error": err.Error(),
		})
		s.send("Something went wrong handling that message. Please try again.", msg.ID)
		return
	}

	s.mu.Lock()
	s.sessionID = outcome.SessionID
	s.mu.Unlock()

	if outcome.Content != "" {
		s.send(outcome.Content, msg.ID)
	}
}

func (s *ChatSession) runSwarmTurn(ctx context.Context, msg InboundMessage) {
	objective := strings.TrimPrefix(msg.Content, "/swarm ")
	logger.InfoCF("chat", "Objective routed to swarm", map[string]any{
		"chat": s.ChatKey(),
	})

	report, err := s.opts.Swarm.RunSwarm(ctx, objective, func(update string) {
		s.send(update, "")
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.send(fmt.Sprintf("Swarm run failed: %v", err), msg.ID)
		return
	}
	s.send(truncateReport(report), msg.ID)
}

func (s *ChatSession) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *ChatSession) send(content, replyTo string) {
	if s.opts.Send != nil && content != "" {
		s.opts.Send(s.opts.Channel, s.opts.ChatID, content, replyTo)
	}
}

// Stop interrupts any running turn and detaches from the bus.
func (s *ChatSession) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.queue.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

var (
	swarmPrefixRe = regexp.MustCompile(`^/swarm\s+`)
	listItemRe    = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*])\s+\S`)
)

// IsComplexObjective decides whether a message should be handled by a swarm
// instead of the dialog loop. Explicit /swarm requests always qualify; long
// messages with several distinct work items also do.
func IsComplexObjective(content string) bool {
	if swarmPrefixRe.MatchString(content) {
		return true
	}
	if len(content) < 400 {
		return false
	}
	return len(listItemRe.FindAllString(content, 4)) >= 3
}
