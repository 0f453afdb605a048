package router

import (
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// Options carries the settings every new chat session starts from.
type Options struct {
	SystemPrompt  string
	Model         string
	MaxTokens     int
	QueueMode     store.QueueMode
	MaxQueueSize  int
	CollectWindow time.Duration
}

// Router owns the chatKey -> session map. Every inbound message lands here
// and is dispatched to its conversation; sessions are created lazily and
// live until StopAll.
type Router struct {
	loop  *chat.ToolLoop
	st    *store.Store
	bus   *bus.EventBus
	swarm chat.SwarmRunner
	send  chat.SendFunc
	opts  Options

	mu       sync.Mutex
	sessions map[string]*chat.ChatSession
	stopped  bool
}

func NewRouter(loop *chat.ToolLoop, st *store.Store, eventBus *bus.EventBus, swarm chat.SwarmRunner, send chat.SendFunc, opts Options) *Router {
	if opts.QueueMode == "" {
		opts.QueueMode = store.QueueModeQueue
	}
	return &Router{
		loop:     loop,
		st:       st,
		bus:      eventBus,
		swarm:    swarm,
		send:     send,
		opts:     opts,
		sessions: make(map[string]*chat.ChatSession),
	}
}

// Route dispatches one inbound message to its chat session.
func (r *Router) Route(msg chat.InboundMessage) {
	session := r.session(msg.Channel, msg.ChatID)
	if session == nil {
		return
	}
	r.bus.Emit(bus.EventMessageReceived, map[string]any{
		"channel":    msg.Channel,
		"chat_id":    msg.ChatID,
		"message_id": msg.ID,
		"sender":     msg.SenderID,
	})
	session.Handle(msg)
}

// SetQueueMode switches the queue mode of one conversation.
func (r *Router) SetQueueMode(channel, chatID string, mode store.QueueMode) {
	if session := r.session(channel, chatID); session != nil {
		session.SetQueueMode(mode)
	}
}

// ActiveSessions reports how many conversations currently exist.
func (r *Router) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// session returns the conversation for channel:chatID, creating it on first
// contact. Returns nil after StopAll.
func (r *Router) session(channel, chatID string) *chat.ChatSession {
	key := channel + ":" + chatID

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	if session, ok := r.sessions[key]; ok {
		return session
	}

	session := chat.NewChatSession(r.loop, r.st, r.bus, chat.SessionOptions{
		Channel:       channel,
		ChatID:        chatID,
		SystemPrompt:  r.opts.SystemPrompt,
		Model:         r.opts.Model,
		MaxTokens:     r.opts.MaxTokens,
		QueueMode:     r.opts.QueueMode,
		MaxQueueSize:  r.opts.MaxQueueSize,
		CollectWindow: r.opts.CollectWindow,
		Send:          r.sendAndAnnounce,
		Swarm:         r.swarm,
	})
	r.sessions[key] = session
	logger.InfoCF("router", "Chat session created", map[string]any{"chat": key})
	return session
}

func (r *Router) sendAndAnnounce(channel, chatID, content, replyTo string) {
	if r.send != nil {
		r.send(channel, chatID, content, replyTo)
	}
	r.bus.Emit(bus.EventMessageSent, map[string]any{
		"channel": channel,
		"chat_id": chatID,
	})
}

// StopAll shuts every session down and refuses further traffic.
func (r *Router) StopAll() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	sessions := make([]*chat.ChatSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*chat.ChatSession)
	r.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}
}
