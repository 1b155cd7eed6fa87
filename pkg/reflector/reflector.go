// Package reflector implements the background memory-extraction actor
// (spec §4.8): a periodic tick scans recently active chats, asks the LLM to
// propose durable facts from their recent messages, and folds each proposal
// into the structured memory store through the same quality gate and dedup
// pass the explicit-remember fast path uses, so automatic and explicit
// writes land in the store with identical shape.
package reflector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/embedstore"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memquality"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/store"
)

// Reflector periodically mines recent conversation history for durable
// facts and writes them into the structured memory store.
type Reflector struct {
	st           *store.Store
	provider     providers.LLMProvider
	model        string
	tickInterval time.Duration
	lookback     time.Duration
	embed        *embedstore.Store // optional; nil falls back to Jaccard-only dedup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlight sync.Map // internal chat id -> struct{}, single-flight guard per chat
}

// New builds a Reflector. tickInterval <= 0 uses the spec's documented 5
// minute default. embed may be nil (embeddings disabled).
func New(st *store.Store, provider providers.LLMProvider, model string, tickInterval time.Duration, embed *embedstore.Store) *Reflector {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Minute
	}
	return &Reflector{
		st:           st,
		provider:     provider,
		model:        model,
		tickInterval: tickInterval,
		lookback:     2 * tickInterval,
		embed:        embed,
	}
}

// Start begins the poll loop. Idempotent.
func (r *Reflector) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for any in-flight tick to finish.
func (r *Reflector) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Reflector) tick(ctx context.Context) {
	since := time.Now().UTC().Add(-r.lookback).Format(time.RFC3339)
	chats, err := r.st.RecentlyActiveChats(since)
	if err != nil {
		logger.WarnCF("reflector", "poll failed", map[string]interface{}{"error": err.Error()})
		return
	}

	var wg sync.WaitGroup
	for _, chat := range chats {
		if _, alreadyRunning := r.inFlight.LoadOrStore(chat.InternalChatID, struct{}{}); alreadyRunning {
			continue
		}
		c := chat
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.inFlight.Delete(c.InternalChatID)
			r.reflectChat(ctx, c)
		}()
	}
	wg.Wait()
}

// reflectChat extracts candidate memories from one chat's recent messages
// and folds each into the store, recording the tick's counters.
func (r *Reflector) reflectChat(ctx context.Context, chat store.Chat) {
	counters := store.ReflectorRunCounters{InternalChatID: chat.InternalChatID}
	defer func() {
		if err := r.st.RecordReflectorRun(counters); err != nil {
			logger.WarnCF("reflector", "failed to record run", map[string]interface{}{"error": err.Error()})
		}
	}()

	messages, err := r.st.RecentMessages(chat.InternalChatID, 40)
	if err != nil || len(messages) == 0 {
		return
	}

	conversation := renderConversation(messages)
	if strings.TrimSpace(conversation) == "" {
		return
	}

	extractCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(extractionPrompt, conversation)
	response, err := r.provider.Chat(extractCtx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, r.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.2,
	})
	if err != nil {
		logger.WarnCF("reflector", "extraction call failed", map[string]interface{}{
			"internal_chat_id": chat.InternalChatID, "error": err.Error(),
		})
		return
	}

	candidates := parseCandidateLines(response.Content)
	if len(candidates) == 0 {
		return
	}

	existing, err := r.st.ActiveMemories(chat.InternalChatID)
	if err != nil {
		logger.WarnCF("reflector", "failed to load existing memories", map[string]interface{}{"error": err.Error()})
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, cand := range candidates {
		quality := memquality.Score(cand.Content)
		if quality == memquality.QualityReject {
			counters.Skipped++
			continue
		}

		match, found := memquality.Dedup(cand.Content, existing)
		if !found {
			if semanticID, ok := r.embed.MostSimilarID(ctx, cand.Content, 0.86); ok {
				for _, m := range existing {
					if m.ID == semanticID {
						match, found = m, true
						break
					}
				}
			}
		}
		if found {
			confidence := match.Confidence + 0.05
			if confidence > 1.0 {
				confidence = 1.0
			}
			if err := r.st.UpdateMemory(match.ID, confidence, now); err != nil {
				logger.WarnCF("reflector", "update failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			counters.Updated++
			continue
		}

		if older, ok := sameCategoryActive(existing, cand.Category, cand.Content); ok {
			newID, err := r.st.InsertMemory(store.StructuredMemory{
				Scope:          store.ScopeChat,
				InternalChatID: chat.InternalChatID,
				Category:       cand.Category,
				Content:        cand.Content,
				Confidence:     confidenceFor(quality),
				Source:         store.SourceReflector,
				LastSeen:       now,
			})
			if err != nil {
				logger.WarnCF("reflector", "insert (supersede) failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err := r.st.SupersedeMemory(newID, older.ID); err != nil {
				logger.WarnCF("reflector", "supersede failed", map[string]interface{}{"error": err.Error()})
			}
			r.embed.Index(ctx, newID, cand.Content)
			counters.Superseded++
			continue
		}

		newID, err := r.st.InsertMemory(store.StructuredMemory{
			Scope:          store.ScopeChat,
			InternalChatID: chat.InternalChatID,
			Category:       cand.Category,
			Content:        cand.Content,
			Confidence:     confidenceFor(quality),
			Source:         store.SourceReflector,
			LastSeen:       now,
		})
		if err != nil {
			logger.WarnCF("reflector", "insert failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		r.embed.Index(ctx, newID, cand.Content)
		counters.Inserted++
	}
}

// sameCategoryActive finds the most recent active memory that shares cand's
// category AND enough wording overlap with content to plausibly be the same
// topic — the contradiction heuristic that triggers a supersede instead of a
// plain insert. Category alone is not enough: two unrelated facts that
// happen to share a category (a db port and a user's name, both "fact")
// must not archive one another.
func sameCategoryActive(existing []store.StructuredMemory, category, content string) (store.StructuredMemory, bool) {
	for _, m := range existing {
		if m.Category == category && memquality.RelatedTopic(content, m.Content) {
			return m, true
		}
	}
	return store.StructuredMemory{}, false
}

func confidenceFor(q memquality.Quality) float64 {
	switch q {
	case memquality.QualityHigh:
		return 0.8
	case memquality.QualityNormal:
		return 0.6
	default:
		return 0.4
	}
}

func renderConversation(messages []store.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		for _, b := range m.Blocks {
			if b.Kind != store.BlockText || strings.TrimSpace(b.Text) == "" {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
		}
	}
	return sb.String()
}

type candidateMemory struct {
	Category string
	Content  string
}

var candidateLineRe = regexp.MustCompile(`^MEMORY\((\w+)\):\s*(.+)$`)

// parseCandidateLines extracts "MEMORY(category): content" lines from the
// extraction response, identical wire format to the summarization-time
// extractor so both producers feed the same consumer shape.
func parseCandidateLines(text string) []candidateMemory {
	var out []candidateMemory
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := candidateLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		out = append(out, candidateMemory{Category: strings.ToLower(m[1]), Content: content})
	}
	return out
}

const extractionPrompt = `Review this conversation and propose any durable facts about the user or project worth remembering across future sessions. Focus on preferences, personal facts, decisions, and project-specific knowledge that would still be useful weeks from now. Ignore anything already obviously said in passing and already acted on.

Output each candidate on its own line using this exact format:
MEMORY(category): content

Categories: preference, fact, event, note

If nothing is worth remembering, output only: NONE

CONVERSATION:
%s`
