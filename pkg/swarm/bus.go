package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchidbot/orchid/pkg/bus"
)

// AgentMessage is one note passed between swarm agents. Broadcast messages
// have To set to "*".
type AgentMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MessageBus is the in-swarm mailbox. Each registered agent has an inbox;
// reading drains it.
type MessageBus struct {
	mu      sync.Mutex
	inboxes map[string][]AgentMessage
	events  *bus.EventBus
}

func NewMessageBus(events *bus.EventBus) *MessageBus {
	return &MessageBus{
		inboxes: make(map[string][]AgentMessage),
		events:  events,
	}
}

// Register creates an empty inbox. Registering twice is harmless.
func (b *MessageBus) Register(agentName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentName]; !ok {
		b.inboxes[agentName] = nil
	}
}

// Send delivers to one agent. Unknown recipients are rejected so the sender
// learns the name is wrong instead of the note vanishing.
func (b *MessageBus) Send(from, to, content string) (AgentMessage, error) {
	msg := AgentMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}

	b.mu.Lock()
	if _, ok := b.inboxes[to]; !ok {
		b.mu.Unlock()
		return AgentMessage{}, fmt.Errorf("unknown recipient %q", to)
	}
	b.inboxes[to] = append(b.inboxes[to], msg)
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(bus.EventSwarmMessage, msg)
	}
	return msg, nil
}

// Broadcast delivers to every inbox except the sender's.
func (b *MessageBus) Broadcast(from, content string) AgentMessage {
	msg := AgentMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        "*",
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}

	b.mu.Lock()
	for name := range b.inboxes {
		if name != from {
			b.inboxes[name] = append(b.inboxes[name], msg)
		}
	}
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(bus.EventSwarmBroadcast, msg)
	}
	return msg
}

// GetMessages drains and returns the agent's inbox in arrival order.
func (b *MessageBus) GetMessages(agentName string) []AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.inboxes[agentName]
	if msgs != nil {
		b.inboxes[agentName] = nil
	}
	return msgs
}

// HasMessages reports whether the inbox is non-empty without draining it.
func (b *MessageBus) HasMessages(agentName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inboxes[agentName]) > 0
}

// Clear removes all inboxes.
func (b *MessageBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxes = make(map[string][]AgentMessage)
}
