package llm

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Backend       string   `json:"backend"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Cloud (hosted providers, reached through the gollm backend).
	{
		ID: "claude-sonnet-4-5", Backend: BackendCloud, Provider: "anthropic",
		DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-opus-4-6", Backend: BackendCloud, Provider: "anthropic",
		DisplayName: "Claude Opus 4.6", ContextWindow: 200000,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "gpt-5.2", Backend: BackendCloud, Provider: "openai",
		DisplayName: "GPT-5.2", ContextWindow: 1047576,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Backend: BackendCloud, Provider: "openai",
		DisplayName: "GPT-5.2 Mini", ContextWindow: 1047576,
		Aliases: []string{"gpt5-mini"},
	},

	// Local (OpenAI-compatible servers such as Ollama or LM Studio).
	{
		ID: "qwen2.5-coder:14b", Backend: BackendLocal, Provider: "ollama",
		DisplayName: "Qwen 2.5 Coder 14B", ContextWindow: 32768,
		Aliases: []string{"qwen-coder"},
	},
	{
		ID: "deepseek-coder-v2:16b", Backend: BackendLocal, Provider: "ollama",
		DisplayName: "DeepSeek Coder V2 16B", ContextWindow: 131072,
		Aliases: []string{"deepseek-coder"},
	},
	{
		ID: "llama3.3:70b", Backend: BackendLocal, Provider: "ollama",
		DisplayName: "Llama 3.3 70B", ContextWindow: 131072,
		Aliases: []string{"llama"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or
// nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	needle := strings.ToLower(modelID)
	for i := range Models {
		m := &Models[i]
		if strings.ToLower(m.ID) == needle {
			return m
		}
		for _, alias := range m.Aliases {
			if strings.ToLower(alias) == needle {
				return m
			}
		}
	}
	return nil
}

// GetLatestModel returns the first catalog entry for a backend,
// optionally narrowed by provider, or nil when none matches. Catalog
// order encodes preference.
func GetLatestModel(backend, provider string) *ModelInfo {
	for i := range Models {
		m := &Models[i]
		if m.Backend != backend {
			continue
		}
		if provider != "" && m.Provider != provider {
			continue
		}
		return m
	}
	return nil
}

// ResolveModel maps an alias to its canonical model id. Unknown names
// pass through unchanged so arbitrary models still work.
func ResolveModel(idOrAlias string) string {
	if info := GetModelInfo(idOrAlias); info != nil {
		return info.ID
	}
	return idOrAlias
}
