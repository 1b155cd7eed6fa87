package providers

import "testing"

func TestBuildAnthropicParams_SystemAndToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "what's the weather"},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: map[string]interface{}{"city": "nyc"}},
			},
		},
		{Role: "tool", ToolCallID: "call_1", Content: `{"temp_f": 72}`},
	}

	params, err := buildAnthropicParams(messages, nil, "claude-sonnet-4-5-20250929", map[string]interface{}{
		"max_tokens":  256,
		"temperature": 0.4,
	})
	if err != nil {
		t.Fatalf("buildAnthropicParams() error = %v", err)
	}

	if len(params.System) != 1 || params.System[0].Text != "be concise" {
		t.Fatalf("system block not carried through: %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 converted messages (user, assistant, tool-result-as-user), got %d", len(params.Messages))
	}
	if params.MaxTokens != 256 {
		t.Fatalf("MaxTokens = %d, want 256", params.MaxTokens)
	}
}

func TestBuildAnthropicParams_ToolDefinitions(t *testing.T) {
	tools := []ToolDefinition{
		{
			Type: "function",
			Function: ToolFunctionDefinition{
				Name:        "get_weather",
				Description: "Look up current weather",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
					"required":   []interface{}{"city"},
				},
			},
		},
	}

	params, err := buildAnthropicParams(newTestMessages(), tools, "claude-sonnet-4-5-20250929", nil)
	if err != nil {
		t.Fatalf("buildAnthropicParams() error = %v", err)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil || tool.Name != "get_weather" {
		t.Fatalf("tool not translated correctly: %+v", params.Tools[0])
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "city" {
		t.Fatalf("required fields not carried through: %+v", tool.InputSchema.Required)
	}
}

func TestBuildAnthropicParams_DefaultMaxTokens(t *testing.T) {
	params, err := buildAnthropicParams(newTestMessages(), nil, "claude-sonnet-4-5-20250929", map[string]interface{}{})
	if err != nil {
		t.Fatalf("buildAnthropicParams() error = %v", err)
	}
	if params.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d, want default 4096", params.MaxTokens)
	}
}

func TestAnthropicNativeProvider_GetDefaultModel(t *testing.T) {
	p := NewAnthropicNativeProvider("test-key", "")
	if got := p.GetDefaultModel(); got != "claude-sonnet-4-5-20250929" {
		t.Fatalf("GetDefaultModel() = %q", got)
	}
}
