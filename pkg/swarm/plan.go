package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/providers"
)

// PlannedAgent is one worker the planner proposes for an objective.
type PlannedAgent struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Task  string `json:"task"`
	Model string `json:"model,omitempty"`
}

const planPrompt = `You are a swarm planner. Decompose the objective into independent agent assignments.

Respond with ONLY a JSON array, no prose, in this exact shape:
[{"name": "short-kebab-name", "role": "one-line role", "task": "concrete task", "model": "haiku|sonnet|opus"}]

Rules:
- 1 to %d agents.
- Tasks must be independently executable; do not create agents that wait on each other.
- Prefer fewer, better-scoped agents.

Objective:
%s`

var (
	codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	nameCleanRe = regexp.MustCompile(`[^a-z0-9-]+`)
)

// planAgents asks the model for a worker breakdown. A malformed response
// degrades to a single generalist rather than failing the swarm.
func planAgents(ctx context.Context, provider providers.LLMProvider, model, objective string, maxAgents int) []PlannedAgent {
	if maxAgents <= 0 {
		maxAgents = 5
	}

	response, err := provider.CompactionChat(ctx, providers.ChatOptions{
		Model:  model,
		System: "You decompose objectives into parallel agent assignments. Output strict JSON.",
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(planPrompt, maxAgents, objective)},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		logger.WarnCF("swarm", "Planning call failed, using generalist", map[string]any{
			"error": err.Error(),
		})
		return generalistPlan(objective)
	}

	plan, err := parsePlan(response.Content)
	if err != nil {
		logger.WarnCF("swarm", "Plan unparseable, using generalist", map[string]any{
			"error": err.Error(),
		})
		return generalistPlan(objective)
	}

	if len(plan) > maxAgents {
		plan = plan[:maxAgents]
	}
	for i := range plan {
		plan[i].Name = normalizeAgentName(plan[i].Name, i)
		if strings.TrimSpace(plan[i].Task) == "" {
			plan[i].Task = objective
		}
	}
	return plan
}

// parsePlan tolerates markdown fences and leading prose around the array.
func parsePlan(content string) ([]PlannedAgent, error) {
	text := strings.TrimSpace(content)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			text = text[start : end+1]
		}
	}

	var plan []PlannedAgent
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("parse plan: empty agent list")
	}
	return plan, nil
}

// normalizeAgentName lowercases, hyphenates and guarantees uniqueness-ish
// via the index suffix fallback.
func normalizeAgentName(name string, index int) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "-")
	n = strings.ReplaceAll(n, "_", "-")
	n = nameCleanRe.ReplaceAllString(n, "")
	n = strings.Trim(n, "-")
	if n == "" {
		n = fmt.Sprintf("agent-%d", index+1)
	}
	return n
}

func generalistPlan(objective string) []PlannedAgent {
	return []PlannedAgent{{
		Name: "general-worker",
		Role: "general-purpose worker",
		Task: objective,
	}}
}
