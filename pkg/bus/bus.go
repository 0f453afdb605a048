package bus

import (
	"sync"

	"github.com/orchidbot/orchid/pkg/logger"
)

// Handler receives the payload of a single event emission.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is an in-process publish/subscribe bus. Subscription is
// synchronous; emission is asynchronous from the caller's point of view.
// Handlers for one event run in subscription order on a single goroutine
// per emission.
type EventBus struct {
	handlers map[string][]subscription
	nextID   uint64
	mu       sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]subscription),
	}
}

// On registers a handler and returns an unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *EventBus) On(event string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[event]
			for i, sub := range subs {
				if sub.id == id {
					b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.handlers[event]) == 0 {
				delete(b.handlers, event)
			}
		})
	}
}

// Emit delivers payload to every handler registered for event. The returned
// channel is closed after all handlers have been invoked; hot paths ignore
// it. Handler panics are recovered and logged, never propagated.
func (b *EventBus) Emit(event string, payload any) <-chan struct{} {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[event]))
	copy(subs, b.handlers[event])
	b.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sub := range subs {
			invoke(event, sub.handler, payload)
		}
	}()
	return done
}

func invoke(event string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bus", "Event handler panicked", map[string]any{
				"event": event,
				"panic": r,
			})
		}
	}()
	handler(payload)
}

// ListenerCount returns the number of handlers registered for event.
func (b *EventBus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// RemoveAllListeners drops every handler for the named events, or every
// handler on the bus when called with no arguments.
func (b *EventBus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.handlers = make(map[string][]subscription)
		return
	}
	for _, event := range events {
		delete(b.handlers, event)
	}
}
