package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/skills"
	"github.com/sipeed/picoclaw/pkg/store"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// ContextBuilder composes the system prompt and the full message list sent
// to the provider on every turn: identity, available tools, the skills
// catalogue, and a token-budgeted bundle of the chat's durable memories.
type ContextBuilder struct {
	workspace    string
	skillsLoader *skills.Loader
	tools        *tools.ToolRegistry

	store             *store.Store
	memoryTokenBudget int
}

func getGlobalConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".picoclaw")
}

// NewContextBuilder creates a builder rooted at workspace. Skills are
// discovered from workspace/skills, ~/.picoclaw/skills, and ./skills (built
// in to the process's working directory), in that priority order.
func NewContextBuilder(workspace string) *ContextBuilder {
	wd, _ := os.Getwd()
	builtinSkillsDir := filepath.Join(wd, "skills")
	globalSkillsDir := filepath.Join(getGlobalConfigDir(), "skills")

	return &ContextBuilder{
		workspace:         workspace,
		skillsLoader:      skills.NewSkillsLoader(workspace, globalSkillsDir, builtinSkillsDir),
		memoryTokenBudget: 1500,
	}
}

// SetToolsRegistry sets the tools registry for dynamic tool summary generation.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.ToolRegistry) {
	cb.tools = registry
}

// SetStore wires the structured-memory backend used for system-prompt
// memory injection. Without it, BuildMessages simply omits the section.
func (cb *ContextBuilder) SetStore(st *store.Store, tokenBudget int) {
	cb.store = st
	if tokenBudget > 0 {
		cb.memoryTokenBudget = tokenBudget
	}
}

func (cb *ContextBuilder) getIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	toolsSection := cb.buildToolsSection()

	return fmt.Sprintf(`# picoclaw

You are picoclaw, a personal AI agent running as a long-lived background
process with persistent memory across conversations.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s

%s

## Operating Rules

1. **Always use tools** to perform actions — never merely describe what you
   would do.
2. **Memory is durable and governed.** What you explicitly ask to be
   remembered is stored with high confidence; anything you casually mention
   may later be captured by background reflection at lower confidence. Both
   kinds can be superseded by a later, contradicting fact.
3. **Be proactive within your granted scope**, but never exceed the
   authorization boundaries of the chat you are in.`,
		now, rt, workspacePath, toolsSection)
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}

	summaries := cb.tools.GetSummaries()
	if len(summaries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("**CRITICAL**: You MUST use tools to perform actions. Do NOT pretend to execute commands or schedule tasks.\n\n")
	for _, s := range summaries {
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}

// scoredMemory pairs a stored fact with the ranking score used to select
// which subset of an unbounded candidate set fits the token budget.
type scoredMemory struct {
	mem   store.StructuredMemory
	score float64
}

// rankMemories orders active memories by confidence weighted by recency: a
// fact seen in the last day counts nearly full confidence; one a month
// stale decays toward a third of it. Ties keep the more recent fact first.
func rankMemories(memories []store.StructuredMemory) []scoredMemory {
	now := time.Now()
	out := make([]scoredMemory, 0, len(memories))
	for _, m := range memories {
		age := now.Sub(parseMemoryTime(m.LastSeen))
		days := age.Hours() / 24
		recency := 1.0 / (1.0 + days/14.0)
		out = append(out, scoredMemory{mem: m, score: m.Confidence * recency})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].mem.LastSeen > out[j].mem.LastSeen
	})
	return out
}

func parseMemoryTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// buildMemorySection renders the chat's active memories into a system
// prompt section, packing highest-ranked facts first until the configured
// token budget (approximated as 4 chars/token) is exhausted. Logs the
// candidate/selected counts for observability.
func (cb *ContextBuilder) buildMemorySection(channel, chatID string) string {
	if cb.store == nil || channel == "" || chatID == "" {
		return ""
	}

	internalChatID, err := cb.store.ResolveChat(channel, chatID, store.ChatKindDirect)
	if err != nil {
		logger.WarnCF("agent", "Failed to resolve chat for memory injection", map[string]interface{}{"error": err.Error()})
		return ""
	}

	active, err := cb.store.ActiveMemories(internalChatID)
	if err != nil {
		logger.WarnCF("agent", "Failed to load active memories", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if len(active) == 0 {
		return ""
	}

	ranked := rankMemories(active)
	budgetChars := cb.memoryTokenBudget * 4

	var sb strings.Builder
	used := 0
	selected := 0
	for _, sm := range ranked {
		line := fmt.Sprintf("- [%s] %s\n", sm.mem.Category, sm.mem.Content)
		if used+len(line) > budgetChars && selected > 0 {
			break
		}
		sb.WriteString(line)
		used += len(line)
		selected++
	}

	if err := cb.store.RecordMemoryInjection(internalChatID, len(ranked), selected); err != nil {
		logger.WarnCF("agent", "Failed to record memory injection", map[string]interface{}{"error": err.Error()})
	}

	return sb.String()
}

// BuildSystemPrompt composes the full system prompt: identity, skills
// catalogue, and (when a store is wired and a chat is known) injected
// memory, joined the way the rest of the corpus separates sections.
func (cb *ContextBuilder) BuildSystemPrompt(channel, chatID string) string {
	parts := []string{cb.getIdentity()}

	skillsSummary := cb.skillsLoader.BuildSkillsSummary()
	if skillsSummary != "" {
		parts = append(parts, fmt.Sprintf(`# Skills

The following skills extend your capabilities. Each skill lists its available actions below. Run scripts via the exec tool. For full details, read the SKILL.md file.

%s`, skillsSummary))
	}

	memorySection := cb.buildMemorySection(channel, chatID)
	if memorySection != "" {
		parts = append(parts, "# Memory\n\n"+memorySection)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages assembles the full message list for one turn: system
// prompt, prior history (with any leading orphaned tool-role messages
// stripped, since a provider will reject a transcript that opens on a tool
// result with no matching call), and the new user message.
func (cb *ContextBuilder) BuildMessages(history []providers.Message, summary string, currentMessage string, attachments []string, channel, chatID string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt(channel, chatID)

	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars": len(systemPrompt),
		"total_lines": strings.Count(systemPrompt, "\n") + 1,
	})

	if summary != "" {
		systemPrompt += "\n\n## Summary of Previous Conversation\n\n" + summary
	}

	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugCF("agent", "Removing orphaned tool message from history", map[string]interface{}{"role": history[0].Role})
		history = history[1:]
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: currentMessage})

	return messages
}

// GetSkillsInfo returns a summary of the eligible skills catalogue, for
// startup logging.
func (cb *ContextBuilder) GetSkillsInfo() map[string]interface{} {
	all := cb.skillsLoader.ListSkills()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Name)
	}
	return map[string]interface{}{
		"total":     len(all),
		"available": len(all),
		"names":     names,
	}
}
