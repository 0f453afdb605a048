package chat

import (
	"sync"
	"time"

	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/store"
)

// InboundMessage is one user message entering a chat. ID is the channel's
// message id, carried so replies can thread back to it.
type InboundMessage struct {
	ID         string
	Channel    string
	ChatID     string
	SenderID   string
	Content    string
	Priority   bool
	ReceivedAt time.Time
}

// QueueActions is how the queue drives its owning session. Deliver runs a
// turn; Interrupt aborts the turn in flight.
type QueueActions interface {
	Deliver(msg InboundMessage)
	Interrupt()
}

// MessageQueue decides what happens to messages that arrive while a turn is
// already running. Four modes: steer injects into the live turn, interrupt
// aborts and replaces it, queue lines messages up, collect batches bursts
// into one merged message after an idle window.
type MessageQueue struct {
	mu      sync.Mutex
	mode    store.QueueMode
	actions QueueActions
	maxSize int
	window  time.Duration

	busy      bool
	pending   []InboundMessage
	steering  []string
	collected []InboundMessage
	collectT  *time.Timer
	closed    bool
}

func NewMessageQueue(mode store.QueueMode, actions QueueActions, maxSize int, collectWindow time.Duration) *MessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if collectWindow <= 0 {
		collectWindow = 5 * time.Second
	}
	if mode == "" {
		mode = store.QueueModeQueue
	}
	return &MessageQueue{
		mode:    mode,
		actions: actions,
		maxSize: maxSize,
		window:  collectWindow,
	}
}

func (q *MessageQueue) Mode() store.QueueMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

func (q *MessageQueue) SetMode(mode store.QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = mode
}

// Push routes a message according to the mode. When the session is idle the
// message is delivered immediately regardless of mode (collect still waits
// for its window to batch bursts).
func (q *MessageQueue) Push(msg InboundMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if q.mode == store.QueueModeCollect {
		q.collectLocked(msg)
		q.mu.Unlock()
		return
	}

	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		q.actions.Deliver(msg)
		return
	}

	switch q.mode {
	case store.QueueModeSteer:
		q.steering = append(q.steering, msg.Content)
		q.mu.Unlock()

	case store.QueueModeInterrupt:
		// drop whatever was queued; the new message wins
		q.pending = q.pending[:0]
		q.enqueueLocked(msg)
		q.mu.Unlock()
		q.actions.Interrupt()

	default: // queue
		q.enqueueLocked(msg)
		q.mu.Unlock()
	}
}

// enqueueLocked inserts respecting priority and the size cap. Oldest
// non-priority messages are dropped first when full.
func (q *MessageQueue) enqueueLocked(msg InboundMessage) {
	if len(q.pending) >= q.maxSize {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		logger.WarnCF("queue", "Queue full, oldest message dropped", map[string]any{
			"chat":    dropped.Channel + ":" + dropped.ChatID,
			"content": truncate(dropped.Content, 80),
		})
	}
	if msg.Priority {
		// after any existing priority messages, before normal ones
		insert := 0
		for insert < len(q.pending) && q.pending[insert].Priority {
			insert++
		}
		q.pending = append(q.pending, InboundMessage{})
		copy(q.pending[insert+1:], q.pending[insert:])
		q.pending[insert] = msg
		return
	}
	q.pending = append(q.pending, msg)
}

// collectLocked buffers the message and (re)arms the idle timer. The batch
// is delivered once the window passes without a new arrival.
func (q *MessageQueue) collectLocked(msg InboundMessage) {
	q.collected = append(q.collected, msg)
	if q.collectT != nil {
		q.collectT.Stop()
	}
	q.collectT = time.AfterFunc(q.window, q.flushCollected)
}

func (q *MessageQueue) flushCollected() {
	q.mu.Lock()
	if q.closed || len(q.collected) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.collected
	q.collected = nil

	merged := batch[0]
	if len(batch) > 1 {
		content := ""
		for i, m := range batch {
			if i > 0 {
				content += "\n"
			}
			content += m.Content
		}
		merged.Content = content
	}

	if q.busy {
		q.enqueueLocked(merged)
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.mu.Unlock()
	q.actions.Deliver(merged)
}

// TurnDone signals the end of a turn. The next queued message, if any, is
// delivered. Returns true when another delivery was started.
func (q *MessageQueue) TurnDone() bool {
	q.mu.Lock()
	if q.closed || len(q.pending) == 0 {
		q.busy = false
		q.mu.Unlock()
		return false
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	q.actions.Deliver(next)
	return true
}

// DrainSteering returns and clears the steering buffer. The tool loop calls
// this between iterations.
func (q *MessageQueue) DrainSteering() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steering) == 0 {
		return nil
	}
	out := q.steering
	q.steering = nil
	return out
}

// Len reports the number of queued (not steering, not collecting) messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops timers and drops everything buffered.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.collectT != nil {
		q.collectT.Stop()
	}
	q.pending = nil
	q.steering = nil
	q.collected = nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
