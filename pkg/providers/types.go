// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package providers

import "context"

// Message is one turn of a conversation in the OpenAI-compatible wire
// format every provider in this package speaks: role + content, plus the
// tool-calling extensions (tool_calls on an assistant message, tool_call_id
// on the matching tool-result message).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolResultMessage builds the "tool" role message reporting the outcome
// of one tool call back to the model.
func ToolResultMessage(toolCallID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}

// AssistantMessageFromResponse converts an LLM response into the assistant
// message that must be appended to history before the matching tool
// results, preserving the wire-format tool_calls for the next request.
func AssistantMessageFromResponse(resp *LLMResponse) Message {
	return Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
}

// FunctionCall is the wire-format payload of one requested tool call: a
// function name plus its raw, still-encoded JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one function call the model requested. Function carries the
// wire-format representation (round-tripped back to the provider verbatim
// on the next request); Name/Arguments carry the same call already decoded
// for ToolRegistry.Execute.
type ToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function *FunctionCall          `json:"function,omitempty"`
	Name     string                 `json:"-"`
	Arguments map[string]interface{} `json:"-"`
}

// ToolFunctionDefinition describes one callable tool's name, description
// and JSON-schema parameters, per the OpenAI function-calling contract.
type ToolFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolDefinition wraps a ToolFunctionDefinition the way the wire format
// expects: {"type": "function", "function": {...}}.
type ToolDefinition struct {
	Type     string                  `json:"type"`
	Function ToolFunctionDefinition  `json:"function"`
}

// UsageInfo carries token accounting for one Chat call, when the provider
// reports it.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalized result of one Chat call, independent of
// which upstream wire format produced it.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// LLMProvider is the contract every backend (HTTP OpenAI-compatible,
// native Claude/Codex OAuth adapters) implements so the agent loop can
// remain provider-agnostic.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}
