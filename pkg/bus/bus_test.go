package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	b := NewEventBus()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		b.On("evt", func(any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	<-b.Emit("evt", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEmitResolvesWithNoListeners(t *testing.T) {
	b := NewEventBus()
	select {
	case <-b.Emit("nobody", "payload"):
	case <-time.After(time.Second):
		t.Fatal("emit did not resolve")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus()
	calls := 0
	var mu sync.Mutex
	off := b.On("evt", func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	<-b.Emit("evt", nil)
	off()
	off() // second call is a no-op
	<-b.Emit("evt", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount("evt"))
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := NewEventBus()
	b.On("evt", func(any) { panic("boom") })
	reached := false
	var mu sync.Mutex
	b.On("evt", func(any) {
		mu.Lock()
		reached = true
		mu.Unlock()
	})

	require.NotPanics(t, func() { <-b.Emit("evt", nil) })

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, reached, "handler after panicking handler must still run")
}

func TestRemoveAllListeners(t *testing.T) {
	b := NewEventBus()
	b.On("a", func(any) {})
	b.On("a", func(any) {})
	b.On("b", func(any) {})

	b.RemoveAllListeners("a")
	assert.Equal(t, 0, b.ListenerCount("a"))
	assert.Equal(t, 1, b.ListenerCount("b"))

	b.RemoveAllListeners()
	assert.Equal(t, 0, b.ListenerCount("b"))
}

func TestEmitCopiesSubscriberSnapshot(t *testing.T) {
	b := NewEventBus()
	var mu sync.Mutex
	calls := 0
	b.On("evt", func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
		// Subscribing during emission must not affect the current emission.
		b.On("evt", func(any) {})
	})

	<-b.Emit("evt", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, b.ListenerCount("evt"))
}
