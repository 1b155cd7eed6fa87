// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Tool is one callable capability exposed to the LLM: a name, a
// human-readable description, a JSON-schema parameter spec, and the
// function that actually runs it.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds every tool available to an agent loop, plus the risk
// policy gating which of them may actually execute.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy ToolExecutionPolicy
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the tool registered under name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetExecutionPolicy installs the risk gate checked on every Execute call.
func (r *ToolRegistry) SetExecutionPolicy(policy ToolExecutionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Execute runs a tool by name with no channel/chat context attached.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return r.ExecuteWithContext(ctx, name, args, "", "")
}

// ExecuteWithContext runs a tool by name, checking the execution policy
// first and injecting channel/chatID (and any trace ID already attached to
// ctx) into the tool's arguments so tools like "message" and "spawn" can
// recover their origin when the caller didn't pass it explicitly.
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	if err := policy.check(name); err != nil {
		return "", err
	}

	traceID := TraceIDFromContext(ctx)
	execArgs := withExecutionContext(args, channel, chatID, traceID)

	return tool.Execute(ctx, execArgs)
}

// GetSummaries returns a one-line "name: description" string per tool, sorted by name.
func (r *ToolRegistry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]string, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, fmt.Sprintf("%s: %s", name, r.tools[name].Description()))
	}
	return summaries
}

// GetDefinitions returns every tool's schema as a plain map, independent of
// any particular wire format.
func (r *ToolRegistry) GetDefinitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		})
	}
	return defs
}

// GetProviderDefinitions returns every tool's schema in the OpenAI-compatible
// function-calling wire format consumed directly by providers.HTTPProvider.Chat.
func (r *ToolRegistry) GetProviderDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// Restricted returns a new registry containing only the named tools that
// exist in r, sharing the same underlying Tool instances. The policy of r
// is not copied. SubagentManager does not use it; it builds its own
// registry in runTask.
func (r *ToolRegistry) Restricted(names ...string) *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewToolRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			sub.tools[name] = t
		}
	}
	return sub
}
