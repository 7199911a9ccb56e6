package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/homieagent/homie/pkg/memory"
)

// MemorySearchTool exposes MemoryStore's hybrid fact/episode search to
// the model as the recall_memory tool.
type MemorySearchTool struct {
	store *memory.Store
	cfg   memory.RetrievalConfig
}

// NewMemorySearchTool wires the tool to store, searching with cfg (pass
// memory.DefaultRetrievalConfig unless the caller has config overrides).
func NewMemorySearchTool(store *memory.Store, cfg memory.RetrievalConfig) *MemorySearchTool {
	return &MemorySearchTool{store: store, cfg: cfg}
}

func (t *MemorySearchTool) Name() string {
	return "recall_memory"
}

func (t *MemorySearchTool) Description() string {
	return "Search your memory of past conversations and known facts about this person. You SHOULD call this proactively at the start of conversations and whenever the user mentions anything that might relate to prior context, preferences, or past discussions. Do not wait to be asked — if prior knowledge could help, search first."
}

func (t *MemorySearchTool) Tier() Tier {
	return TierSafe
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Natural language search query describing what you want to recall",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results to return per category (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}

	limit := 5
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	nowMs := time.Now().UnixMilli()

	facts, err := t.store.HybridSearchFacts(query, limit, t.cfg, nowMs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	episodes, err := t.store.HybridSearchEpisodes(query, limit, t.cfg, nowMs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}

	if len(facts) == 0 && len(episodes) == 0 {
		return SilentResult("No matching memories found.")
	}

	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("Facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
		}
	}
	if len(episodes) > 0 {
		b.WriteString("Past exchanges:\n")
		for _, ep := range episodes {
			fmt.Fprintf(&b, "- %s\n", ep.Content)
		}
	}

	return SilentResult(b.String())
}
