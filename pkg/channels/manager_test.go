package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchidbot/orchid/pkg/bus"
	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/store"
)

type fakeChannel struct {
	mu       sync.Mutex
	name     string
	sends    []string
	replyTos []string
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop() error                     { return nil }

func (f *fakeChannel) Send(ctx context.Context, chatID, content, replyTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, chatID+"|"+content)
	f.replyTos = append(f.replyTos, replyTo)
	return nil
}

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeChannel) lastReplyTo() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replyTos) == 0 {
		return ""
	}
	return f.replyTos[len(f.replyTos)-1]
}

type fakeResolver struct {
	mu        sync.Mutex
	resolved  map[string]store.Decision
	failureID string
}

func (f *fakeResolver) Resolve(ctx context.Context, id string, decision store.Decision, decidedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failureID {
		return assert.AnError
	}
	if f.resolved == nil {
		f.resolved = make(map[string]store.Decision)
	}
	f.resolved[id] = decision
	return nil
}

func TestManagerRoutesInbound(t *testing.T) {
	var routed []chat.InboundMessage
	m := NewManager(func(msg chat.InboundMessage) { routed = append(routed, msg) },
		bus.NewEventBus(), nil, 0)

	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hello"})
	require.Len(t, routed, 1)
	assert.Equal(t, "hello", routed[0].Content)
}

func TestManagerSendDispatchesToDriver(t *testing.T) {
	m := NewManager(nil, bus.NewEventBus(), nil, 0)
	tg := &fakeChannel{name: "telegram"}
	m.Register(tg)

	m.Send("telegram", "42", "hi there", "")
	m.Send("nope", "42", "dropped", "")

	require.Len(t, tg.sent(), 1)
	assert.Equal(t, "42|hi there", tg.sent()[0])
}

func TestManagerApprovalRoundTrip(t *testing.T) {
	eventBus := bus.NewEventBus()
	resolver := &fakeResolver{}
	var routed []chat.InboundMessage
	m := NewManager(func(msg chat.InboundMessage) { routed = append(routed, msg) },
		eventBus, resolver, 0)
	tg := &fakeChannel{name: "telegram"}
	m.Register(tg)
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll()

	<-eventBus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      "appr-1",
		"command": "rm -rf build",
		"context": map[string]any{"channel": "telegram", "chat_id": "42"},
	})

	sends := tg.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0], "Approval needed")
	assert.Contains(t, sends[0], "rm -rf build")

	// a yes reply resolves instead of reaching the router
	m.HandleInbound(chat.InboundMessage{ID: "77", Channel: "telegram", ChatID: "42", SenderID: "u7", Content: "yes"})
	assert.Empty(t, routed)
	assert.Equal(t, store.DecisionAllowOnce, resolver.resolved["appr-1"])
	require.Len(t, tg.sent(), 2)
	assert.Contains(t, tg.sent()[1], "Got it")
	assert.Equal(t, "77", tg.lastReplyTo(), "the acknowledgment threads back to the reply")

	// follow-up chatter goes to the router again
	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "42", Content: "thanks"})
	require.Len(t, routed, 1)
}

func TestManagerApprovalAlwaysAndDeny(t *testing.T) {
	eventBus := bus.NewEventBus()
	resolver := &fakeResolver{}
	m := NewManager(nil, eventBus, resolver, 0)
	m.Register(&fakeChannel{name: "telegram"})
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll()

	<-eventBus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      "appr-2",
		"command": "make deploy",
		"context": map[string]any{"channel": "telegram", "chat_id": "1"},
	})
	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "1", Content: "always"})
	assert.Equal(t, store.DecisionAllowSession, resolver.resolved["appr-2"])

	<-eventBus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      "appr-3",
		"command": "make deploy",
		"context": map[string]any{"channel": "telegram", "chat_id": "1"},
	})
	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "1", Content: "no"})
	assert.Equal(t, store.DecisionDeny, resolver.resolved["appr-3"])
}

func TestManagerResolveFailureStaysQuiet(t *testing.T) {
	eventBus := bus.NewEventBus()
	resolver := &fakeResolver{failureID: "appr-5"}
	m := NewManager(nil, eventBus, resolver, 0)
	tg := &fakeChannel{name: "telegram"}
	m.Register(tg)
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll()

	<-eventBus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      "appr-5",
		"command": "ls",
		"context": map[string]any{"channel": "telegram", "chat_id": "42"},
	})
	require.Len(t, tg.sent(), 1)

	// a store failure is logged, not echoed into the chat
	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "42", Content: "yes"})
	assert.Len(t, tg.sent(), 1)
}

func TestManagerUnrelatedChatPassesThrough(t *testing.T) {
	eventBus := bus.NewEventBus()
	var routed []chat.InboundMessage
	m := NewManager(func(msg chat.InboundMessage) { routed = append(routed, msg) },
		eventBus, &fakeResolver{}, 0)
	m.Register(&fakeChannel{name: "telegram"})
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll()

	<-eventBus.Emit(bus.EventApprovalRequest, map[string]any{
		"id":      "appr-4",
		"command": "ls",
		"context": map[string]any{"channel": "telegram", "chat_id": "42"},
	})

	// a "yes" from a different chat is an ordinary message
	m.HandleInbound(chat.InboundMessage{Channel: "telegram", ChatID: "99", Content: "yes"})
	require.Len(t, routed, 1)
}

func TestManagerRateLimitsSends(t *testing.T) {
	m := NewManager(nil, bus.NewEventBus(), nil, 60) // 1 per second, burst 60
	tg := &fakeChannel{name: "telegram"}
	m.Register(tg)

	start := time.Now()
	for i := 0; i < 5; i++ {
		m.Send("telegram", "42", "burst", "")
	}
	assert.Less(t, time.Since(start), time.Second, "burst capacity absorbs the first sends")
	assert.Len(t, tg.sent(), 5)
}

func TestParseDecision(t *testing.T) {
	cases := map[string]store.Decision{
		"yes":    store.DecisionAllowOnce,
		" Y ":    store.DecisionAllowOnce,
		"ok":     store.DecisionAllowOnce,
		"always": store.DecisionAllowSession,
		"no":     store.DecisionDeny,
		"N":      store.DecisionDeny,
	}
	for reply, want := range cases {
		got, ok := parseDecision(reply)
		require.True(t, ok, reply)
		assert.Equal(t, want, got, reply)
	}

	_, ok := parseDecision("maybe later")
	assert.False(t, ok)
}

func TestSplitMessagePreservesCodeFences(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))

	long := strings.Repeat("word ", 100) + "\n```\ncode line\n```\n" + strings.Repeat("more ", 100)
	chunks := splitMessage(long, 600)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.Equal(t, 0, strings.Count(chunk, "```")%2, "no chunk leaves a fence open: %q", chunk)
	}
}

func TestAllowed(t *testing.T) {
	assert.True(t, allowed(nil, "123", ""))
	assert.True(t, allowed([]string{"123"}, "123", "alice"))
	assert.True(t, allowed([]string{"alice"}, "123", "alice"))
	assert.True(t, allowed([]string{"123|alice"}, "123", "alice"))
	assert.False(t, allowed([]string{"456"}, "123", "alice"))
}
