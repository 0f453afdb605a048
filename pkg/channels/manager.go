package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// ApprovalResolver records a human decision. The approval manager
// implements it.
type ApprovalResolver interface {
	Resolve(ctx context.Context, id string, decision store.Decision, decidedBy string) error
}

// Manager owns the channel drivers, throttles outbound traffic per chat and
// surfaces pending approvals as chat prompts.
type Manager struct {
	route     InboundHandler
	bus       *bus.EventBus
	approvals ApprovalResolver
	perMinute int // 0 means unlimited

	mu       sync.Mutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter // chatKey
	pending  map[string]string        // chatKey -> newest undecided approval id

	unsubs  []func()
	cancel  context.CancelFunc
	started bool
}

func NewManager(route InboundHandler, eventBus *bus.EventBus, approvals ApprovalResolver, perMinute int) *Manager {
	return &Manager{
		route:     route,
		bus:       eventBus,
		approvals: approvals,
		perMinute: perMinute,
		channels:  make(map[string]Channel),
		limiters:  make(map[string]*rate.Limiter),
		pending:   make(map[string]string),
	}
}

// Register adds a driver. Must happen before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts every registered driver and begins watching approvals.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Start(runCtx); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		logger.InfoCF("channels", "Channel started", map[string]any{"channel": ch.Name()})
	}

	m.unsubs = append(m.unsubs,
		m.bus.On(bus.EventApprovalRequest, m.onApprovalRequest),
		m.bus.On(bus.EventApprovalDecision, m.onApprovalSettled),
		m.bus.On(bus.EventApprovalTimeout, m.onApprovalSettled),
	)
	return nil
}

// StopAll stops the drivers and detaches from the bus.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.WarnCF("channels", "Channel stop failed", map[string]any{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
		}
	}
}

// Send delivers content to a chat, honoring the per-chat rate limit.
// Implements chat.SendFunc.
func (m *Manager) Send(channel, chatID, content, replyTo string) {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	m.mu.Unlock()
	if !ok {
		logger.WarnCF("channels", "Send to unknown channel", map[string]any{"channel": channel})
		return
	}

	if limiter := m.limiter(channel + ":" + chatID); limiter != nil {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ch.Send(ctx, chatID, content, replyTo); err != nil {
		logger.ErrorCF("channels", "Send failed", map[string]any{
			"channel": channel,
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

// HandleInbound is the entry point the drivers call. An approval reply is
// consumed here; everything else goes to the router.
func (m *Manager) HandleInbound(msg chat.InboundMessage) {
	if m.interceptApprovalReply(msg) {
		return
	}
	if m.route != nil {
		m.route(msg)
	}
}

// limiter returns the per-chat limiter, or nil when unlimited.
func (m *Manager) limiter(chatKey string) *rate.Limiter {
	if m.perMinute <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[chatKey]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(m.perMinute)/60.0), m.perMinute)
		m.limiters[chatKey] = l
	}
	return l
}

// onApprovalRequest prompts the originating chat, when known, and remembers
// the request so the next y/n reply from that chat resolves it.
func (m *Manager) onApprovalRequest(payload any) {
	data, ok := payload.(map[string]any)
	if !ok {
		return
	}
	id, _ := data["id"].(string)
	command, _ := data["command"].(string)
	meta, _ := data["context"].(map[string]any)
	channel, _ := meta["channel"].(string)
	chatID, _ := meta["chat_id"].(string)
	if id == "" || channel == "" || chatID == "" {
		return
	}

	m.mu.Lock()
	m.pending[channel+":"+chatID] = id
	m.mu.Unlock()

	m.Send(channel, chatID, fmt.Sprintf(
		"Approval needed to run:\n```\n%s\n```\nReply yes / no / always.", command), "")
}

func (m *Manager) onApprovalSettled(payload any) {
	data, ok := payload.(map[string]any)
	if !ok {
		return
	}
	id, _ := data["id"].(string)
	m.mu.Lock()
	for chatKey, pendingID := range m.pending {
		if pendingID == id {
			delete(m.pending, chatKey)
		}
	}
	m.mu.Unlock()
}

// interceptApprovalReply resolves a pending approval when the chat answers
// it. Returns true when the message was consumed.
func (m *Manager) interceptApprovalReply(msg chat.InboundMessage) bool {
	chatKey := msg.Channel + ":" + msg.ChatID

	m.mu.Lock()
	id, ok := m.pending[chatKey]
	m.mu.Unlock()
	if !ok || m.approvals == nil {
		return false
	}

	decision, recognized := parseDecision(msg.Content)
	if !recognized {
		return false
	}

	m.mu.Lock()
	delete(m.pending, chatKey)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.approvals.Resolve(ctx, id, decision, msg.SenderID); err != nil {
		// resolve is idempotent; an error here is a store failure
		logger.WarnCF("channels", "Approval resolve failed", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return true
	}

	m.Send(msg.Channel, msg.ChatID, "Got it: "+string(decision), msg.ID)
	return true
}

// parseDecision maps a chat reply to a decision. Unrecognized replies are
// passed through to the dialog loop.
func parseDecision(content string) (store.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "y", "yes", "ok", "approve":
		return store.DecisionAllowOnce, true
	case "always", "allow always", "yes always":
		return store.DecisionAllowSession, true
	case "n", "no", "deny":
		return store.DecisionDeny, true
	}
	return "", false
}
