package agent

import (
	"context"
	"errors"
	"strings"
)

// classifyUpstreamError maps provider failures to short, user-presentable
// messages while keeping the original text for the log line.
func classifyUpstreamError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "Run was cancelled"
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return "Upstream rate limit hit, try again shortly"
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "529"):
		return "Upstream is overloaded, try again shortly"
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication") || strings.Contains(lower, "401"):
		return "Upstream rejected the API key"
	case strings.Contains(lower, "billing") || strings.Contains(lower, "credit"):
		return "Upstream account has a billing problem"
	default:
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return "Agent run failed: " + msg
	}
}
