package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/picoclaw/pkg/store"
)

// UsageTool surfaces the store's per-call usage_records aggregates to the
// model, so a user can ask "how much have we spent" without shelling out.
type UsageTool struct {
	store *store.Store
}

func NewUsageTool(st *store.Store) *UsageTool {
	return &UsageTool{store: st}
}

func (t *UsageTool) Name() string { return "usage" }

func (t *UsageTool) Description() string {
	return "Report token usage and estimated cost. Use action=chat for this conversation's totals, or action=by_model for a breakdown across every model in use."
}

func (t *UsageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{"type": "string", "description": "chat or by_model"},
		},
		"required": []string{"action"},
	}
}

func (t *UsageTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.store == nil {
		return "Error: usage tracking is unavailable", nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "chat":
		return t.chatUsage(args)
	case "by_model":
		return t.byModel()
	default:
		return "", fmt.Errorf("unknown usage action: %q", action)
	}
}

func (t *UsageTool) chatUsage(args map[string]interface{}) (string, error) {
	channel, chatID := getExecutionContext(args)
	if channel == "" || chatID == "" {
		return "Error: no session context available", nil
	}
	internalChatID, err := t.store.ResolveChat(channel, chatID, store.ChatKindDirect)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	u, err := t.store.UsageByChat(internalChatID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return formatUsage(u), nil
}

func (t *UsageTool) byModel() (string, error) {
	byModel, err := t.store.UsageByModel()
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(byModel) == 0 {
		return "No usage recorded yet.", nil
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	var sb strings.Builder
	sb.WriteString("Usage by model:\n")
	for _, m := range models {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", m, formatUsage(byModel[m])))
	}
	return sb.String(), nil
}

func formatUsage(u store.UsageSummary) string {
	return fmt.Sprintf("%d calls, %d tokens in, %d tokens out, ~$%.4f", u.Calls, u.TokensIn, u.TokensOut, u.CostEstimate)
}
