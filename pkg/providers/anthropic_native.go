// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/oauth2"
)

// AnthropicNativeProvider speaks Claude's native Messages API through the
// vendor SDK instead of the generic OpenAI-compatible wire format
// HTTPProvider uses, so content blocks, tool_use/tool_result and stop
// reasons round-trip without the lossy JSON reshaping a compat shim needs.
type AnthropicNativeProvider struct {
	client      *anthropic.Client
	tokenSource oauth2.TokenSource // nil when authenticated by static API key
}

// NewAnthropicNativeProvider builds a statically-keyed native adapter.
func NewAnthropicNativeProvider(apiKey, apiBase string) *AnthropicNativeProvider {
	if apiBase == "" {
		apiBase = "https://api.anthropic.com"
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(apiBase),
	)
	return &AnthropicNativeProvider{client: &client}
}

// NewAnthropicNativeProviderWithTokenSource builds the OAuth-backed variant,
// fetching a fresh bearer token from ts immediately before every call.
func NewAnthropicNativeProviderWithTokenSource(ts oauth2.TokenSource) *AnthropicNativeProvider {
	client := anthropic.NewClient(option.WithBaseURL("https://api.anthropic.com"))
	return &AnthropicNativeProvider{client: &client, tokenSource: ts}
}

func (p *AnthropicNativeProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	var reqOpts []option.RequestOption
	if p.tokenSource != nil {
		tok, err := p.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("anthropic native provider: refresh token: %w", err)
		}
		reqOpts = append(reqOpts, option.WithAuthToken(tok.AccessToken))
	}

	params, err := buildAnthropicParams(messages, tools, model, options)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic native provider: %w", err)
	}
	return parseAnthropicResponse(resp), nil
}

func (p *AnthropicNativeProvider) GetDefaultModel() string {
	return "claude-sonnet-4-5-20250929"
}

func buildAnthropicParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var converted []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			if msg.ToolCallID != "" {
				converted = append(converted, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
			} else {
				converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "assistant":
			converted = append(converted, assistantBlock(msg))
		case "tool":
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	maxTokens := int64(4096)
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = int64(mt)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = translateToolsForAnthropic(tools)
	}
	return params, nil
}

func assistantBlock(msg Message) anthropic.MessageParam {
	if len(msg.ToolCalls) == 0 {
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content))
	}

	var blocks []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		name := tc.Name
		if name == "" && tc.Function != nil {
			name = tc.Function.Name
		}
		if name == "" {
			continue
		}
		args := tc.Arguments
		if len(args) == 0 && tc.Function != nil && tc.Function.Arguments != "" {
			var parsed map[string]interface{}
			if json.Unmarshal([]byte(tc.Function.Arguments), &parsed) == nil {
				args = parsed
			}
		}
		if args == nil {
			args = map[string]interface{}{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, name))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

func translateToolsForAnthropic(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Function.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		if req, ok := t.Function.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseAnthropicResponse(resp *anthropic.Message) *LLMResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]interface{}
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				args = map[string]interface{}{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finishReason = "length"
	case anthropic.StopReasonEndTurn:
		finishReason = "stop"
	}

	return &LLMResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}
