// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/embedstore"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/memoryfile"
	"github.com/sipeed/picoclaw/pkg/memquality"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/store"
	"github.com/sipeed/picoclaw/pkg/tools"
	"github.com/sipeed/picoclaw/pkg/utils"
)

type AgentLoop struct {
	bus              *bus.MessageBus
	provider         providers.LLMProvider
	workspace        string
	model            string
	contextWindow    int // Maximum context window size in tokens
	maxSessionMessages int // Message-count compaction trigger (checked first; the contextWindow-based trigger applies only when this one does not fire)
	compactKeepRecent  int // Messages retained verbatim after a compaction
	maxIterations    int
	llmTimeout       time.Duration // Per-LLM-call timeout (0 = disabled)
	toolTimeout      time.Duration // Per-tool-call timeout (0 = disabled)
	maxParallelTools int           // Max concurrent tools per iteration (<=0 = unlimited)
	sessions         *session.SessionManager
	contextBuilder   *ContextBuilder
	tools            *tools.ToolRegistry
	running          atomic.Bool
	summarizing      sync.Map            // Tracks which sessions are currently being summarized
	statusDelay      time.Duration       // Delay before sending "still working" status updates (0 = disabled)
	memoryStore      *memory.MemoryStore // Searchable memory DB (nil = disabled)

	store          *store.Store         // Structured store: chats, messages, sessions, tasks, memories, usage (nil = disabled)
	memoryFiles    *memoryfile.Store    // Markdown mirror of structured memory writes
	controlChatIDs []string             // Chats authorized for cross-chat / global-memory writes
	embedStore     *embedstore.Store    // Optional semantic dedup index (nil = Jaccard-only)
	cronService    *cron.CronService    // Backs the model-facing "cron" tool
}

// Store exposes the structured store so Scheduler and Reflector actors
// constructed alongside this loop can share it.
func (al *AgentLoop) Store() *store.Store {
	return al.store
}

// Provider exposes the LLM provider so a Reflector built alongside this loop
// can issue its own extraction calls against the same backend.
func (al *AgentLoop) Provider() providers.LLMProvider {
	return al.provider
}

// Model exposes the configured default model id.
func (al *AgentLoop) Model() string {
	return al.model
}

// EmbedStore exposes the optional semantic dedup index so a Reflector
// constructed alongside this loop shares the same embedding-backed index
// explicit-remember writes feed.
func (al *AgentLoop) EmbedStore() *embedstore.Store {
	return al.embedStore
}

// processOptions configures how a message is processed
type processOptions struct {
	SessionKey      string // Session identifier for history/context
	Channel         string // Target channel for tool execution
	ChatID          string // Target chat ID for tool execution
	UserMessage     string // User message content (may include prefix)
	DefaultResponse string // Response when LLM returns empty
	EnableSummary   bool   // Whether to trigger summarization
	SendResponse    bool   // Whether to send response via bus
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider) *AgentLoop {
	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0755)

	toolsRegistry := tools.NewToolRegistry()
	tools.RegisterCoreTools(toolsRegistry, workspace, cfg.Tools.Web.Search.APIKey, cfg.Tools.Web.Search.MaxResults)
	allow, deny := cfg.Tools.AllowList, cfg.Tools.DenyList
	toolsRegistry.SetExecutionPolicy(tools.NewToolExecutionPolicy(len(allow) > 0 || len(deny) > 0, allow, deny))

	// Register message tool
	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string, media []string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
			Media:   media,
		})
		return nil
	})
	toolsRegistry.Register(messageTool)

	// Register spawn tool
	subagentManager := tools.NewSubagentManager(provider, cfg.Agents.Defaults.Model, workspace, msgBus)
	spawnTool := tools.NewSpawnTool(subagentManager)
	toolsRegistry.Register(spawnTool)

	// Register memory tools (graceful degradation if SQLite init fails)
	memoryDBPath := filepath.Join(workspace, "memory", "memory.db")
	memoryDB, err := memory.NewMemoryStore(memoryDBPath, workspace)
	if err != nil {
		logger.WarnCF("agent", "Memory DB unavailable, memory tools disabled", map[string]interface{}{"error": err.Error()})
	} else {
		// Reindex existing markdown files into the search index
		if reindexErr := memoryDB.Reindex(); reindexErr != nil {
			logger.WarnCF("agent", "Memory reindex failed", map[string]interface{}{"error": reindexErr.Error()})
		}
		toolsRegistry.Register(tools.NewMemorySearchTool(memoryDB))
		toolsRegistry.Register(tools.NewMemoryStoreTool(memoryDB))
	}

	// memoryDB may be nil — that's fine, extractAndStoreMemories handles it

	sessionsManager := session.NewSessionManager(filepath.Join(workspace, "sessions"))

	// Open the structured store (chats, messages, sessions, tasks,
	// memories, usage, observability). A failure here disables memory
	// injection and the explicit-remember fast path but never blocks
	// startup — the agent degrades to stateless-memory operation.
	structuredStore, err := store.Open(cfg.DBPath())
	if err != nil {
		logger.WarnCF("agent", "Structured store unavailable, memory injection disabled", map[string]interface{}{"error": err.Error()})
		structuredStore = nil
	}

	// Create context builder and set tools registry
	contextBuilder := NewContextBuilder(workspace)
	contextBuilder.SetToolsRegistry(toolsRegistry)
	if structuredStore != nil {
		contextBuilder.SetStore(structuredStore, cfg.Agents.Defaults.MemoryTokenBudget)
		toolsRegistry.Register(tools.NewStructuredMemoryTool(structuredStore))
		toolsRegistry.Register(tools.NewScheduledTasksTool(structuredStore))
		toolsRegistry.Register(tools.NewUsageTool(structuredStore))
	}

	// Optional semantic dedup index (spec §4.3's embedding-cosine path);
	// nil when embeddings aren't configured, in which case Jaccard overlap
	// alone drives memquality.Dedup.
	embedStore, err := embedstore.New(workspace, cfg.Providers.Embedding)
	if err != nil {
		logger.WarnCF("agent", "Semantic memory index unavailable, falling back to Jaccard dedup only", map[string]interface{}{"error": err.Error()})
		embedStore = nil
	}

	al := &AgentLoop{
		bus:                msgBus,
		provider:           provider,
		workspace:          workspace,
		model:              cfg.Agents.Defaults.Model,
		contextWindow:      cfg.Agents.Defaults.MaxTokens, // Restore context window for summarization
		maxSessionMessages: cfg.Agents.Defaults.MaxSessionMessages,
		compactKeepRecent:  cfg.Agents.Defaults.CompactKeepRecent,
		maxIterations:      cfg.Agents.Defaults.MaxToolIterations,
		llmTimeout:         time.Duration(cfg.Agents.Defaults.LLMTimeoutSeconds) * time.Second,
		toolTimeout:        time.Duration(cfg.Agents.Defaults.ToolTimeoutSeconds) * time.Second,
		maxParallelTools:   cfg.Agents.Defaults.MaxParallelToolCalls,
		sessions:           sessionsManager,
		contextBuilder:     contextBuilder,
		tools:              toolsRegistry,
		summarizing:        sync.Map{},
		statusDelay:        30 * time.Second,
		memoryStore:        memoryDB,
		store:              structuredStore,
		memoryFiles:        memoryfile.New(workspace),
		controlChatIDs:     cfg.Scheduler.ControlChatIDs,
		embedStore:         embedStore,
	}

	// The "cron" tool and its backing CronService are wired last: the
	// service's RunFunc closes over cronTool, which in turn needs al as its
	// AgentExecutor, so cronTool is declared before it's assigned.
	var cronTool *tools.CronTool
	cronService := cron.NewCronService(filepath.Join(workspace, "cron.json"), func(job *cron.CronJob) (string, error) {
		return cronTool.ExecuteJob(context.Background(), job), nil
	})
	cronTool = tools.NewCronTool(cronService, al, msgBus, structuredStore)
	toolsRegistry.Register(cronTool)
	toolsRegistry.Register(tools.NewResetConversationTool(al))

	al.cronService = cronService
	if err := cronService.Start(); err != nil {
		logger.WarnCF("agent", "cron service failed to start", map[string]interface{}{"error": err.Error()})
	}

	return al
}

func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)

	for al.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := al.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}

			response, err := al.processMessage(ctx, msg)
			if err != nil {
				response = fmt.Sprintf("Error processing message: %v", err)
			}

			if response != "" {
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: response,
				})
			}
		}
	}

	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
	if al.cronService != nil {
		al.cronService.Stop()
	}
}

// CloseStore releases the underlying database connection. Callers must
// ensure every other component sharing this Store (Scheduler, Reflector)
// has already stopped before calling this.
func (al *AgentLoop) CloseStore() {
	if al.store == nil {
		return
	}
	if err := al.store.Close(); err != nil {
		logger.WarnCF("agent", "failed to close store", map[string]interface{}{"error": err.Error()})
	}
}

func (al *AgentLoop) RegisterTool(tool tools.Tool) {
	al.tools.Register(tool)
}

func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:    channel,
		SenderID:   "cron",
		ChatID:     chatID,
		Content:    content,
		SessionKey: sessionKey,
	}

	return al.processMessage(ctx, msg)
}

// tryExplicitRemember implements spec §4.7 step 1. It recognizes an
// unambiguous "remember X" intent, upserts it as a structured memory
// (consulting Dedup first), mirrors the write to the matching MemoryFile,
// and returns a terse confirmation — without ever calling the LLM. ok is
// false when msg carried no such intent, or when the structured store is
// unavailable (falls through to the normal loop).
func (al *AgentLoop) tryExplicitRemember(ctx context.Context, msg bus.InboundMessage) (reply string, ok bool) {
	if al.store == nil {
		return "", false
	}
	explicit, matched := memquality.ParseExplicit(msg.Content)
	if !matched {
		return "", false
	}

	internalChatID, err := al.store.ResolveChat(msg.Channel, msg.ChatID, store.ChatKindDirect)
	if err != nil {
		logger.WarnCF("agent", "explicit remember: failed to resolve chat", map[string]interface{}{"error": err.Error()})
		return "", false
	}

	scope := explicit.Scope
	scopeChatID := internalChatID
	if scope == store.ScopeGlobal {
		if !store.IsControlChat(msg.Channel, msg.ChatID, al.controlChatIDs) {
			// Not authorized for a global write; downgrade to this chat's
			// own scope rather than rejecting the remember outright.
			scope = store.ScopeChat
		} else {
			scopeChatID = 0
		}
	}

	existing, err := al.store.ActiveMemories(scopeChatID)
	if err != nil {
		logger.WarnCF("agent", "explicit remember: failed to load existing memories", map[string]interface{}{"error": err.Error()})
		existing = nil
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// Cheap exact-match pass before the Jaccard scan below: a normalized
	// content hash hit is the same fact restated verbatim.
	if hashMatches, err := al.store.FindByContentHash(store.ContentHash(explicit.Content), scope, scopeChatID); err == nil && len(hashMatches) > 0 {
		match := hashMatches[0]
		confidence := match.Confidence + 0.1
		if confidence > 1.0 {
			confidence = 1.0
		}
		if err := al.store.UpdateMemory(match.ID, confidence, now); err != nil {
			logger.WarnCF("agent", "explicit remember: update failed", map[string]interface{}{"error": err.Error()})
		}
		return fmt.Sprintf("Got it, already noted: %s", match.Content), true
	}

	if match, found := memquality.Dedup(explicit.Content, existing); found {
		confidence := match.Confidence + 0.1
		if confidence > 1.0 {
			confidence = 1.0
		}
		if err := al.store.UpdateMemory(match.ID, confidence, now); err != nil {
			logger.WarnCF("agent", "explicit remember: update failed", map[string]interface{}{"error": err.Error()})
		}
		return fmt.Sprintf("Got it, already noted: %s", match.Content), true
	}

	// Jaccard found no match; fall back to semantic similarity when the
	// optional embedding index is available.
	if semanticID, found := al.embedStore.MostSimilarID(ctx, explicit.Content, 0.86); found {
		for _, m := range existing {
			if m.ID != semanticID {
				continue
			}
			confidence := m.Confidence + 0.1
			if confidence > 1.0 {
				confidence = 1.0
			}
			if err := al.store.UpdateMemory(m.ID, confidence, now); err != nil {
				logger.WarnCF("agent", "explicit remember: update failed", map[string]interface{}{"error": err.Error()})
			}
			return fmt.Sprintf("Got it, already noted: %s", m.Content), true
		}
	}

	id, err := al.store.InsertMemory(store.StructuredMemory{
		Scope:          scope,
		InternalChatID: scopeChatID,
		Category:       explicit.Category,
		Content:        explicit.Content,
		Confidence:     0.9,
		Source:         store.SourceExplicit,
		LastSeen:       now,
	})
	if err != nil {
		logger.WarnCF("agent", "explicit remember: insert failed", map[string]interface{}{"error": err.Error()})
		return "", false
	}

	if al.memoryFiles != nil {
		if err := al.memoryFiles.Append(scopeChatID, explicit.Category, explicit.Content); err != nil {
			logger.WarnCF("agent", "explicit remember: markdown mirror failed", map[string]interface{}{"error": err.Error()})
		}
	}
	al.embedStore.Index(ctx, id, explicit.Content)

	logger.InfoCF("agent", "explicit remember stored", map[string]interface{}{"id": id, "scope": scope})
	return fmt.Sprintf("Remembered: %s", explicit.Content), true
}

// touchChat resolves/allocates the chat row and stamps its last_message_time
// so RecentlyActiveChats (the Reflector's candidate query) and usage/memory
// lookups always have a populated chats row to key off of. Best-effort: a
// nil store or a resolve failure never blocks the turn.
func (al *AgentLoop) touchChat(msg bus.InboundMessage) {
	if al.store == nil {
		return
	}
	kind := store.ChatKindDirect
	if msg.ChatKind == bus.ChatKindGroup {
		kind = store.ChatKindGroup
	}
	internalChatID, err := al.store.ResolveChat(msg.Channel, msg.ChatID, kind)
	if err != nil {
		return
	}
	if err := al.store.TouchChat(internalChatID, "", time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.WarnCF("agent", "failed to touch chat", map[string]interface{}{"error": err.Error()})
	}
}

// ResetConversation clears a chat's live history, both the file-JSON
// session the loop actually replays from and the store's mirrored session
// row, so a fresh turn starts with no prior context.
func (al *AgentLoop) ResetConversation(sessionKey, channel, chatID string) {
	al.sessions.Reset(sessionKey)
	if internalChatID, ok := al.resolveChatID(channel, chatID); ok {
		if err := al.store.ResetSession(internalChatID); err != nil {
			logger.WarnCF("agent", "failed to reset stored session", map[string]interface{}{"error": err.Error()})
		}
	}
}

// resolveChatID looks up (or allocates) the internal chat id for
// channel/chatID, reporting false when the store is disabled or the
// resolve fails.
func (al *AgentLoop) resolveChatID(channel, chatID string) (int64, bool) {
	if al.store == nil {
		return 0, false
	}
	internalChatID, err := al.store.ResolveChat(channel, chatID, store.ChatKindDirect)
	if err != nil {
		return 0, false
	}
	return internalChatID, true
}

// appendStoreMessage persists one turn's content into the messages table
// (spec §3's append-only log), the source RecentMessages/RecentlyActiveChats
// read from — the Reflector (spec §4.8) mines this table, so nothing gets
// proposed for extraction unless every turn lands here alongside the
// file-JSON session history.
func (al *AgentLoop) appendStoreMessage(opts processOptions, role store.Role, content string) {
	if al.store == nil || strings.TrimSpace(content) == "" {
		return
	}
	internalChatID, ok := al.resolveChatID(opts.Channel, opts.ChatID)
	if !ok {
		return
	}
	_, err := al.store.AppendMessage(store.Message{
		InternalChatID: internalChatID,
		Role:           role,
		Blocks:         []store.Block{{Kind: store.BlockText, Text: content}},
		SessionID:      opts.SessionKey,
	})
	if err != nil {
		logger.WarnCF("agent", "failed to append message", map[string]interface{}{"error": err.Error()})
	}
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	// Add message preview to log
	preview := utils.Truncate(msg.Content, 80)
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, preview),
		map[string]interface{}{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"session_key": msg.SessionKey,
		})

	// Route system messages to processSystemMessage
	if msg.Channel == "system" {
		return al.processSystemMessage(ctx, msg)
	}

	al.touchChat(msg)

	// Group chats record every message but only reply when the adapter's
	// trigger rule fires (e.g. an @mention); an untriggered message is
	// logged for later catch-up and never reaches the LLM.
	if msg.ChatKind == bus.ChatKindGroup && !msg.Triggered {
		al.appendStoreMessage(processOptions{Channel: msg.Channel, ChatID: msg.ChatID, SessionKey: msg.SessionKey}, store.RoleUser, msg.Content)
		return "", nil
	}

	// Explicit-memory fast path (spec §4.7 step 1): bypass the LLM entirely
	// when the message is an unambiguous "remember X" request.
	if reply, handled := al.tryExplicitRemember(ctx, msg); handled {
		return reply, nil
	}

	userMessage := msg.Content
	if msg.ChatKind == bus.ChatKindGroup {
		userMessage = al.withGroupCatchup(msg)
	}

	// Process as user message
	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      msg.SessionKey,
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		UserMessage:     userMessage,
		DefaultResponse: "I've completed processing but have no response to give.",
		EnableSummary:   true,
		SendResponse:    false,
	})
}

// withGroupCatchup prepends any group messages recorded since the bot's
// last reply to a triggered message's content, so a reply responds to the
// whole missed burst rather than only the single message that triggered it.
// Falls back to the raw message content when the store is unavailable or
// there's nothing to catch up on.
func (al *AgentLoop) withGroupCatchup(msg bus.InboundMessage) string {
	internalChatID, ok := al.resolveChatID(msg.Channel, msg.ChatID)
	if !ok {
		return msg.Content
	}
	history, err := al.store.MessagesSinceLastBotReply(internalChatID)
	if err != nil || len(history) <= 1 {
		return msg.Content
	}

	var sb strings.Builder
	sb.WriteString("Catching up on messages since your last reply in this chat:\n")
	for _, m := range history {
		for _, b := range m.Blocks {
			if b.Kind == store.BlockText && strings.TrimSpace(b.Text) != "" {
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
			}
		}
	}
	sb.WriteString("\nRespond to the latest message:\n")
	sb.WriteString(msg.Content)
	return sb.String()
}

func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	// Verify this is a system message
	if msg.Channel != "system" {
		return "", fmt.Errorf("processSystemMessage called with non-system message channel: %s", msg.Channel)
	}

	logger.InfoCF("agent", "Processing system message",
		map[string]interface{}{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})

	// Parse origin from chat_id (format: "channel:chat_id")
	var originChannel, originChatID string
	if idx := strings.Index(msg.ChatID, ":"); idx > 0 {
		originChannel = msg.ChatID[:idx]
		originChatID = msg.ChatID[idx+1:]
	} else {
		// Fallback
		originChannel = "cli"
		originChatID = msg.ChatID
	}

	// Use the origin session for context
	sessionKey := fmt.Sprintf("%s:%s", originChannel, originChatID)

	// Subagent internal reports should not be forwarded to the end user.
	// They can be stored as internal notes for later integration.
	if strings.HasPrefix(msg.SenderID, "subagent:") {
		event := ""
		if msg.Metadata != nil {
			event = msg.Metadata["subagent_event"]
		}

		// Progress-like events are internal only: store and return no user response.
		switch event {
		case "progress", "note", "warning":
			internal := fmt.Sprintf("[Internal: %s] %s", msg.SenderID, msg.Content)
			al.sessions.AddMessage(sessionKey, "assistant", internal)
			_ = al.sessions.Save(al.sessions.GetOrCreate(sessionKey))
			logger.InfoCF("agent", "Stored subagent update (internal)",
				map[string]interface{}{
					"session_key": sessionKey,
					"event":       event,
					"sender_id":   msg.SenderID,
				})
			return "", nil
		}
	}

	// Process as system message with routing back to origin
	_, err := al.runAgentLoop(ctx, processOptions{
		SessionKey:      sessionKey,
		Channel:         originChannel,
		ChatID:          originChatID,
		UserMessage:     fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
		DefaultResponse: "Background task completed.",
		EnableSummary:   false,
		SendResponse:    true, // Send response back to original channel
	})
	if err != nil {
		// Avoid routing errors to the non-existent "system" channel. Send a fallback
		// message directly to the origin channel/chat.
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: originChannel,
			ChatID:  originChatID,
			Content: fmt.Sprintf("Error processing background task: %v", err),
		})
	}
	return "", nil
}

// runAgentLoop is the core message processing logic.
// It handles context building, LLM calls, tool execution, and response handling.
func (al *AgentLoop) runAgentLoop(ctx context.Context, opts processOptions) (string, error) {
	// 1. Update tool contexts
	al.updateToolContexts(opts.Channel, opts.ChatID)

	// 2. Build messages
	history := al.sessions.GetHistory(opts.SessionKey)
	summary := al.sessions.GetSummary(opts.SessionKey)
	messages := al.contextBuilder.BuildMessages(
		history,
		summary,
		opts.UserMessage,
		nil,
		opts.Channel,
		opts.ChatID,
	)

	// 3. Save user message to session
	al.sessions.AddMessage(opts.SessionKey, "user", opts.UserMessage)
	al.appendStoreMessage(opts, store.RoleUser, opts.UserMessage)

	// 4. Run LLM iteration loop
	finalContent, iteration, err := al.runLLMIteration(ctx, messages, opts)
	if err != nil {
		return "", err
	}

	// 5. Handle empty response
	if finalContent == "" {
		finalContent = opts.DefaultResponse
	}

	// 6. Save final assistant message to session
	al.sessions.AddMessage(opts.SessionKey, "assistant", finalContent)
	al.sessions.Save(al.sessions.GetOrCreate(opts.SessionKey))
	al.appendStoreMessage(opts, store.RoleAssistant, finalContent)

	// 7. Optional: summarization
	if opts.EnableSummary {
		al.maybeSummarize(opts.SessionKey)
	}

	// 8. Optional: send response via bus
	if opts.SendResponse {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: opts.Channel,
			ChatID:  opts.ChatID,
			Content: finalContent,
		})
	}

	// 9. Log response
	responsePreview := utils.Truncate(finalContent, 120)
	logger.InfoCF("agent", fmt.Sprintf("Response: %s", responsePreview),
		map[string]interface{}{
			"session_key":  opts.SessionKey,
			"iterations":   iteration,
			"final_length": len(finalContent),
		})

	return finalContent, nil
}

// runLLMIteration executes the LLM call loop with tool handling.
// Returns the final content, iteration count, and any error.
func (al *AgentLoop) runLLMIteration(ctx context.Context, messages []providers.Message, opts processOptions) (string, int, error) {
	iteration := 0
	var finalContent string
	exhausted := true // assume exhausted; set false on clean exit

	for iteration < al.maxIterations {
		iteration++

		logger.DebugCF("agent", "LLM iteration",
			map[string]interface{}{
				"iteration": iteration,
				"max":       al.maxIterations,
			})

		// Build tool definitions
		providerToolDefs := al.tools.GetProviderDefinitions()

		// Log LLM request details
		logger.DebugCF("agent", "LLM request",
			map[string]interface{}{
				"iteration":         iteration,
				"model":             al.model,
				"messages_count":    len(messages),
				"tools_count":       len(providerToolDefs),
				"max_tokens":        8192,
				"temperature":       0.7,
				"system_prompt_len": len(messages[0].Content),
			})

		// Log full messages (detailed)
		logger.DebugCF("agent", "Full LLM request",
			map[string]interface{}{
				"iteration":     iteration,
				"messages_json": formatMessagesForLog(messages),
				"tools_json":    formatToolsForLog(providerToolDefs),
			})

		// Call LLM
		logger.InfoCF("agent", "Calling LLM",
			map[string]interface{}{
				"iteration":      iteration,
				"model":          al.model,
				"messages_count": len(messages),
				"tools_count":    len(providerToolDefs),
			})
		response, err := al.chatWithTimeout(ctx, messages, providerToolDefs, map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		}, opts)

		if err != nil {
			logger.ErrorCF("agent", "LLM call failed",
				map[string]interface{}{
					"iteration": iteration,
					"error":     err.Error(),
				})
			return "", iteration, fmt.Errorf("LLM call failed: %w", err)
		}

		// Check if no tool calls - we're done
		if len(response.ToolCalls) == 0 {
			finalContent = response.Content
			exhausted = false
			logger.InfoCF("agent", "LLM response without tool calls (direct answer)",
				map[string]interface{}{
					"iteration":     iteration,
					"content_chars": len(finalContent),
				})
			break
		}

		// Log tool calls
		toolNames := make([]string, 0, len(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			toolNames = append(toolNames, tc.Name)
		}
		logger.InfoCF("agent", "LLM requested tool calls",
			map[string]interface{}{
				"tools":     toolNames,
				"count":     len(toolNames),
				"iteration": iteration,
			})

		// Build assistant message with tool calls
		assistantMsg := providers.AssistantMessageFromResponse(response)
		messages = append(messages, assistantMsg)

		// Save assistant message with tool calls to session
		al.sessions.AddFullMessage(opts.SessionKey, assistantMsg)

		// Execute tool calls concurrently and collect results
		toolResults := al.executeToolsConcurrently(ctx, response.ToolCalls, iteration, opts)

		for _, tr := range toolResults {
			messages = append(messages, tr)
			al.sessions.AddFullMessage(opts.SessionKey, tr)
		}
	}

	// If the loop exhausted all iterations without a direct answer,
	// make one final LLM call with no tools to get a progress summary.
	// The user can then say "continue" to resume.
	if exhausted {
		logger.WarnCF("agent", "Tool iteration limit reached, requesting summary",
			map[string]interface{}{
				"iterations": iteration,
				"max":        al.maxIterations,
			})

		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "You've reached your tool call iteration limit. Please summarize what you've accomplished so far and what still needs to be done. The user can tell you to continue.",
		})

		response, err := al.chatWithTimeout(ctx, messages, nil, map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		}, opts)
		if err != nil {
			logger.ErrorCF("agent", "Summary call failed after iteration limit",
				map[string]interface{}{"error": err.Error()})
			finalContent = fmt.Sprintf("I reached my tool call limit (%d iterations) before finishing. Ask me to continue and I'll pick up where I left off.", al.maxIterations)
		} else {
			finalContent = response.Content
		}
	}

	return finalContent, iteration, nil
}

func (al *AgentLoop) chatWithTimeout(
	ctx context.Context,
	messages []providers.Message,
	toolDefs []providers.ToolDefinition,
	options map[string]interface{},
	opts processOptions,
) (*providers.LLMResponse, error) {
	callCtx := ctx
	cancel := func() {}
	if al.llmTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, al.llmTimeout)
	}
	defer cancel()

	start := time.Now()
	response, err := al.provider.Chat(callCtx, messages, toolDefs, al.model, options)
	if err == nil && response != nil {
		al.recordUsage(opts, response, time.Since(start))
	}
	return response, err
}

// recordUsage writes one usage_records row per LLM call (spec §4's Usage
// component), best-effort: a nil store or a provider that didn't report
// token counts simply skips this silently, never blocking the turn.
func (al *AgentLoop) recordUsage(opts processOptions, response *providers.LLMResponse, wall time.Duration) {
	if al.store == nil || response.Usage == nil {
		return
	}
	channel, chatID := opts.Channel, opts.ChatID
	if channel == "" {
		channel = "system"
	}
	internalChatID, err := al.store.ResolveChat(channel, chatID, store.ChatKindDirect)
	if err != nil {
		return
	}
	if err := al.store.RecordUsage(store.UsageRecord{
		InternalChatID: internalChatID,
		ModelID:        al.model,
		TokensIn:       response.Usage.PromptTokens,
		TokensOut:      response.Usage.CompletionTokens,
		WallTimeMS:     wall.Milliseconds(),
	}); err != nil {
		logger.WarnCF("agent", "failed to record usage", map[string]interface{}{"error": err.Error()})
	}
}

// updateToolContexts updates the context for tools that need channel/chatID info.
func (al *AgentLoop) updateToolContexts(channel, chatID string) {
	if tool, ok := al.tools.Get("message"); ok {
		if mt, ok := tool.(*tools.MessageTool); ok {
			mt.SetContext(channel, chatID)
		}
	}
	if tool, ok := al.tools.Get("spawn"); ok {
		if st, ok := tool.(*tools.SpawnTool); ok {
			st.SetContext(channel, chatID)
		}
	}
}

// maybeSummarize triggers summarization if the session history exceeds
// max_session_messages, or, when contextWindow is configured, 75% of its
// token budget — whichever trips first.
func (al *AgentLoop) maybeSummarize(sessionKey string) {
	newHistory := al.sessions.GetHistory(sessionKey)

	maxMessages := al.maxSessionMessages
	if maxMessages <= 0 {
		maxMessages = 20
	}
	shouldSummarize := len(newHistory) > maxMessages

	if !shouldSummarize && al.contextWindow > 0 {
		tokenEstimate := al.estimateTokens(newHistory)
		threshold := al.contextWindow * 75 / 100
		shouldSummarize = tokenEstimate > threshold
	}

	if shouldSummarize {
		if _, loading := al.summarizing.LoadOrStore(sessionKey, true); !loading {
			go func() {
				defer al.summarizing.Delete(sessionKey)
				al.summarizeSession(sessionKey)
			}()
		}
	}
}

// GetStartupInfo returns information about loaded tools and skills for logging.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	info := make(map[string]interface{})

	// Tools info
	tools := al.tools.List()
	info["tools"] = map[string]interface{}{
		"count": len(tools),
		"names": tools,
	}

	// Skills info
	info["skills"] = al.contextBuilder.GetSkillsInfo()

	return info
}

// formatMessagesForLog formats messages for logging
func formatMessagesForLog(messages []providers.Message) string {
	if len(messages) == 0 {
		return "[]"
	}

	var result string
	result += "[\n"
	for i, msg := range messages {
		result += fmt.Sprintf("  [%d] Role: %s\n", i, msg.Role)
		if msg.ToolCalls != nil && len(msg.ToolCalls) > 0 {
			result += "  ToolCalls:\n"
			for _, tc := range msg.ToolCalls {
				result += fmt.Sprintf("    - ID: %s, Type: %s, Name: %s\n", tc.ID, tc.Type, tc.Name)
				if tc.Function != nil {
					result += fmt.Sprintf("      Arguments: %s\n", utils.Truncate(tc.Function.Arguments, 200))
				}
			}
		}
		if msg.Content != "" {
			content := utils.Truncate(msg.Content, 200)
			result += fmt.Sprintf("  Content: %s\n", content)
		}
		if msg.ToolCallID != "" {
			result += fmt.Sprintf("  ToolCallID: %s\n", msg.ToolCallID)
		}
		result += "\n"
	}
	result += "]"
	return result
}

// formatToolsForLog formats tool definitions for logging
func formatToolsForLog(tools []providers.ToolDefinition) string {
	if len(tools) == 0 {
		return "[]"
	}

	var result string
	result += "[\n"
	for i, tool := range tools {
		result += fmt.Sprintf("  [%d] Type: %s, Name: %s\n", i, tool.Type, tool.Function.Name)
		result += fmt.Sprintf("      Description: %s\n", tool.Function.Description)
		if len(tool.Function.Parameters) > 0 {
			result += fmt.Sprintf("      Parameters: %s\n", utils.Truncate(fmt.Sprintf("%v", tool.Function.Parameters), 200))
		}
	}
	result += "]"
	return result
}

// summarizeSession summarizes the conversation history for a session.
func (al *AgentLoop) summarizeSession(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	history := al.sessions.GetHistory(sessionKey)
	summary := al.sessions.GetSummary(sessionKey)

	keepRecent := al.compactKeepRecent
	if keepRecent <= 0 {
		keepRecent = 4
	}
	if len(history) <= keepRecent {
		return
	}

	toSummarize := history[:len(history)-keepRecent]

	// Oversized Message Guard
	// Skip messages larger than 50% of context window to prevent summarizer overflow
	maxMessageTokens := al.contextWindow / 2
	validMessages := make([]providers.Message, 0)
	omitted := false

	for _, m := range toSummarize {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		// Estimate tokens for this message
		msgTokens := len(m.Content) / 4
		if msgTokens > maxMessageTokens {
			omitted = true
			continue
		}
		validMessages = append(validMessages, m)
	}

	if len(validMessages) == 0 {
		return
	}

	// Multi-Part Summarization
	// Split into two parts if history is significant
	var finalSummary string
	if len(validMessages) > 10 {
		mid := len(validMessages) / 2
		part1 := validMessages[:mid]
		part2 := validMessages[mid:]

		s1, _ := al.summarizeBatch(ctx, part1, "")
		s2, _ := al.summarizeBatch(ctx, part2, "")

		// Merge them
		mergePrompt := fmt.Sprintf("Merge these two conversation summaries into one cohesive summary:\n\n1: %s\n\n2: %s", s1, s2)
		resp, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: mergePrompt}}, nil, al.model, map[string]interface{}{
			"max_tokens":  1024,
			"temperature": 0.3,
		})
		if err == nil {
			finalSummary = resp.Content
		} else {
			finalSummary = s1 + " " + s2
		}
	} else {
		finalSummary, _ = al.summarizeBatch(ctx, validMessages, summary)
	}

	if omitted && finalSummary != "" {
		finalSummary += "\n[Note: Some oversized messages were omitted from this summary for efficiency.]"
	}

	if finalSummary != "" {
		al.sessions.SetSummary(sessionKey, finalSummary)
		al.sessions.TruncateHistory(sessionKey, keepRecent)
		al.sessions.Save(al.sessions.GetOrCreate(sessionKey))

		// Extract and store notable memories from the compacted messages
		al.extractAndStoreMemories(ctx, toSummarize)
	}
}

// summarizeBatch summarizes a batch of messages.
func (al *AgentLoop) summarizeBatch(ctx context.Context, batch []providers.Message, existingSummary string) (string, error) {
	prompt := "Provide a concise summary of this conversation segment, preserving core context and key points.\n"
	if existingSummary != "" {
		prompt += "Existing context: " + existingSummary + "\n"
	}
	prompt += "\nCONVERSATION:\n"
	for _, m := range batch {
		prompt += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}

	response, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// estimateTokens estimates the number of tokens in a message list.
func (al *AgentLoop) estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4 // Simple heuristic: 4 chars per token
	}
	return total
}
