package channels

import (
	"context"
	"strings"

	"github.com/orchidbot/orchid/pkg/chat"
)

// Channel is one messaging surface. Drivers push inbound messages through
// the handler given at construction and deliver outbound text via Send.
// A non-empty replyTo threads the message as a reply to that message id.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, chatID, content, replyTo string) error
}

// InboundHandler receives every accepted inbound message.
type InboundHandler func(msg chat.InboundMessage)

// allowed checks a sender against the allowlist. An empty list allows
// everyone; entries match either the bare id or an "id|username" pair.
func allowed(allowFrom []string, senderID, username string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, entry := range allowFrom {
		if entry == senderID || (username != "" && entry == username) {
			return true
		}
		if username != "" && entry == senderID+"|"+username {
			return true
		}
	}
	return false
}

// splitMessage chunks content at the limit, preferring newline then space
// boundaries, and never leaves a code fence open across a chunk edge.
func splitMessage(content string, limit int) []string {
	var chunks []string
	runes := []rune(content)

	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		end := lastBoundary(runes[:limit])
		if openFence(runes[:end]) {
			if close := closingFence(runes, end, limit+400); close > 0 {
				end = close
			}
		}

		chunks = append(chunks, string(runes[:end]))
		runes = []rune(strings.TrimSpace(string(runes[end:])))
	}
	return chunks
}

// lastBoundary finds a split point near the end of the window.
func lastBoundary(window []rune) int {
	for i := len(window) - 1; i > len(window)-200 && i > 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	for i := len(window) - 1; i > len(window)-100 && i > 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return len(window)
}

// openFence reports whether the window ends inside a ``` block.
func openFence(window []rune) bool {
	count := 0
	for i := 0; i+2 < len(window); i++ {
		if window[i] == '`' && window[i+1] == '`' && window[i+2] == '`' {
			count++
			i += 2
		}
	}
	return count%2 == 1
}

// closingFence returns the index just past the fence that closes the open
// block, or -1 when none fits within max.
func closingFence(runes []rune, from, max int) int {
	if max > len(runes) {
		max = len(runes)
	}
	for i := from; i+2 < max; i++ {
		if runes[i] == '`' && runes[i+1] == '`' && runes[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}
