package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/orchidbot/orchid/pkg/logger"
	"github.com/orchidbot/orchid/pkg/providers"
)

var agentNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// AgentDefinition describes a named agent available for delegation and
// swarm work.
type AgentDefinition struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model,omitempty"` // alias or "inherit"
	Tools        []string `json:"tools,omitempty"` // empty means no restriction
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
}

// LoopRequest is one isolated agent run handed to the loop factory.
type LoopRequest struct {
	SystemPrompt string
	Task         string
	Model        string
	AllowedTools []string
	SessionID    string
	OnStream     func(chunk string, chunkType string)
}

// LoopResult is what an agent run produced.
type LoopResult struct {
	Content    string
	TokensUsed int
	ToolUses   int
	SessionID  string
}

// LoopFunc executes one agent loop. The registry stays decoupled from the
// chat machinery by receiving it at construction.
type LoopFunc func(ctx context.Context, req LoopRequest) (*LoopResult, error)

// Registry holds agent definitions and resolves their models. Spawning
// lives in spawner.go.
type Registry struct {
	mu           sync.RWMutex
	definitions  map[string]*AgentDefinition
	defaultModel string
	allTools     []string
}

func NewRegistry(defaultModel string, allTools []string) *Registry {
	r := &Registry{
		definitions:  make(map[string]*AgentDefinition),
		defaultModel: defaultModel,
		allTools:     allTools,
	}
	for _, def := range builtinAgents() {
		r.definitions[def.Name] = def
	}
	return r
}

// builtinAgents are always available. The general agent is what an empty
// agent name resolves to.
func builtinAgents() []*AgentDefinition {
	return []*AgentDefinition{
		{
			Name:         "general",
			Role:         "general-purpose assistant",
			SystemPrompt: "You are a capable general-purpose agent. Complete the given task thoroughly and report the result.",
			Model:        providers.AliasInherit,
		},
		{
			Name:         "explore",
			Role:         "codebase and filesystem explorer",
			SystemPrompt: "You are an exploration agent. Investigate files and directories to answer questions. Read, do not modify.",
			Model:        providers.AliasHaiku,
			Tools:        []string{"read_file", "exec"},
		},
		{
			Name:         "reviewer",
			Role:         "code and text reviewer",
			SystemPrompt: "You are a meticulous reviewer. Identify defects, risks and gaps in the material you are given, and summarize them ranked by severity.",
			Model:        providers.AliasSonnet,
			Tools:        []string{"read_file"},
		},
	}
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *AgentDefinition) error {
	if !agentNameRe.MatchString(def.Name) {
		return fmt.Errorf("invalid agent name %q", def.Name)
	}
	if def.SystemPrompt == "" {
		return fmt.Errorf("agent %q needs a system prompt", def.Name)
	}
	r.mu.Lock()
	r.definitions[def.Name] = def
	r.mu.Unlock()

	logger.InfoCF("agent", "Agent registered", map[string]any{
		"name": def.Name,
		"role": def.Role,
	})
	return nil
}

// CreateAgent implements the runtime agent creation tool contract.
func (r *Registry) CreateAgent(name, role, systemPrompt, model string, toolNames []string) error {
	return r.Register(&AgentDefinition{
		Name:         name,
		Role:         role,
		SystemPrompt: systemPrompt,
		Model:        model,
		Tools:        toolNames,
	})
}

// GetAgent resolves a name. The empty name means the general agent; unknown
// names are an error so callers make any fallback explicit.
func (r *Registry) GetAgent(name string) (*AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		return r.definitions["general"], nil
	}
	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return def, nil
}

// HasAgent reports whether name is registered, without fallback.
func (r *Registry) HasAgent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[name]
	return ok
}

// ListAgents returns definitions sorted by name.
func (r *Registry) ListAgents() []*AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*AgentDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.definitions[name])
	}
	return defs
}

// ResolveModel maps an agent's model alias to a concrete model id.
func (r *Registry) ResolveModel(def *AgentDefinition) string {
	return providers.ResolveModelAlias(def.Model, r.defaultModel)
}

// AgentTools intersects the definition's whitelist with the tools that
// actually exist. No whitelist means no restriction (nil); a whitelist that
// filters down to nothing stays restrictive (empty, non-nil).
func (r *Registry) AgentTools(def *AgentDefinition) []string {
	if len(def.Tools) == 0 {
		return nil
	}
	available := make(map[string]bool, len(r.allTools))
	for _, name := range r.allTools {
		available[name] = true
	}
	allowed := make([]string, 0, len(def.Tools))
	for _, name := range def.Tools {
		if available[name] {
			allowed = append(allowed, name)
		}
	}
	return allowed
}
