package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/store"
)

// StructuredMemoryTool exposes the structured memory store's search and
// archive surface to the model, distinct from memory_search/memory_store
// (which read/write the markdown-backed pkg/memory index): this one
// searches and forgets the same rows the explicit-remember fast path and
// the Reflector write to, via store.SearchMemories/ArchiveMemory.
type StructuredMemoryTool struct {
	store *store.Store
}

func NewStructuredMemoryTool(st *store.Store) *StructuredMemoryTool {
	return &StructuredMemoryTool{store: st}
}

func (t *StructuredMemoryTool) Name() string { return "recall" }

func (t *StructuredMemoryTool) Description() string {
	return "Search or forget durable facts recorded about this chat or globally. " +
		"Use action=search with a query to recall what's known; action=forget with a memory_id to remove a fact that's wrong or stale."
}

func (t *StructuredMemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action":    map[string]interface{}{"type": "string", "description": "search or forget"},
			"query":     map[string]interface{}{"type": "string", "description": "Search text, required for action=search"},
			"memory_id": map[string]interface{}{"type": "number", "description": "Memory row ID, required for action=forget"},
			"limit":     map[string]interface{}{"type": "number", "description": "Max results for action=search (default 10)"},
		},
		"required": []string{"action"},
	}
}

func (t *StructuredMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.store == nil {
		return "Error: structured memory is unavailable", nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "search":
		return t.search(args)
	case "forget":
		return t.forget(args), nil
	default:
		return "", fmt.Errorf("unknown recall action: %q", action)
	}
}

func (t *StructuredMemoryTool) search(args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "Error: query is required", nil
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	channel, chatID := getExecutionContext(args)
	var internalChatID int64
	if channel != "" && chatID != "" {
		id, err := t.store.ResolveChat(channel, chatID, store.ChatKindDirect)
		if err == nil {
			internalChatID = id
		}
	}

	chatResults, err := t.store.SearchMemories(query, store.ScopeChat, internalChatID, limit)
	if err != nil {
		return fmt.Sprintf("Search error: %v", err), nil
	}
	globalResults, err := t.store.SearchMemories(query, store.ScopeGlobal, 0, limit)
	if err != nil {
		return fmt.Sprintf("Search error: %v", err), nil
	}

	results := append(chatResults, globalResults...)
	if len(results) == 0 {
		return "No matching memories found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d memories:\n", len(results)))
	for _, m := range results {
		sb.WriteString(fmt.Sprintf("[#%d] (%s, %s) %s\n", m.ID, m.Category, m.Scope, m.Content))
	}
	return sb.String(), nil
}

func (t *StructuredMemoryTool) forget(args map[string]interface{}) string {
	idFloat, ok := args["memory_id"].(float64)
	if !ok {
		return "Error: memory_id is required"
	}
	if err := t.store.ArchiveMemory(int64(idFloat)); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("Forgot memory #%d", int64(idFloat))
}
