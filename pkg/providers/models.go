package providers

import "strings"

// Model aliases map agent-level names to concrete model ids the provider
// knows. "inherit" and unknown aliases resolve to the process default.
const (
	AliasInherit = "inherit"
	AliasHaiku   = "haiku"
	AliasSonnet  = "sonnet"
	AliasOpus    = "opus"
)

var aliasModels = map[string]string{
	AliasHaiku:  "claude-haiku-4-5",
	AliasSonnet: "claude-sonnet-4-5",
	AliasOpus:   "claude-opus-4-1",
}

// ResolveModelAlias maps an alias to a concrete model id, falling back to
// defaultModel for "inherit", the empty string, and unknown aliases.
func ResolveModelAlias(alias, defaultModel string) string {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" || alias == AliasInherit {
		return defaultModel
	}
	if model, ok := aliasModels[alias]; ok {
		return model
	}
	return defaultModel
}
