package reflector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/store"
)

type stubProvider struct {
	response string
	err      error
}

func (p *stubProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &providers.LLMResponse{Content: p.response}, nil
}

func (p *stubProvider) GetDefaultModel() string { return "stub-model" }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedConversation(t *testing.T, st *store.Store, chatID int64) {
	t.Helper()
	_, err := st.AppendMessage(store.Message{
		InternalChatID: chatID,
		Role:           store.RoleUser,
		Blocks:         []store.Block{{Kind: store.BlockText, Text: "my favorite database port is 5432"}},
	})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := st.TouchChat(chatID, "", time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("TouchChat failed: %v", err)
	}
}

// TestReflector_InsertsNewMemory covers §8 scenario 6's happy path: a fresh
// durable fact extracted from conversation lands as a new structured memory.
func TestReflector_InsertsNewMemory(t *testing.T) {
	st := newTestStore(t)
	chatID, err := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	if err != nil {
		t.Fatalf("ResolveChat failed: %v", err)
	}
	seedConversation(t, st, chatID)

	provider := &stubProvider{response: "MEMORY(fact): the database port is 5432"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, err := st.GetChat(chatID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory inserted, got %d", len(memories))
	}
	if memories[0].Source != store.SourceReflector {
		t.Errorf("expected reflector-sourced memory, got %q", memories[0].Source)
	}
}

// TestReflector_DedupSkipsNearDuplicate covers §8 scenario 6's dedup path: a
// near-identical restatement of an existing memory updates it instead of
// inserting a duplicate row.
func TestReflector_DedupSkipsNearDuplicate(t *testing.T) {
	st := newTestStore(t)
	chatID, _ := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	seedConversation(t, st, chatID)

	if _, err := st.InsertMemory(store.StructuredMemory{
		Scope:          store.ScopeChat,
		InternalChatID: chatID,
		Category:       "fact",
		Content:        "the database port is 5432",
		Confidence:     0.6,
		Source:         store.SourceReflector,
	}); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	provider := &stubProvider{response: "MEMORY(fact): the database port is 5432"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, _ := st.GetChat(chatID)
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected dedup to avoid a second row, got %d memories", len(memories))
	}
	if memories[0].Confidence <= 0.6 {
		t.Errorf("expected dedup match to raise confidence, got %f", memories[0].Confidence)
	}
}

// TestReflector_SupersedesRelatedFact covers the contradiction/supersede
// path: a same-category fact with overlapping wording but a changed value
// archives the older row instead of living alongside it.
func TestReflector_SupersedesRelatedFact(t *testing.T) {
	st := newTestStore(t)
	chatID, _ := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	seedConversation(t, st, chatID)

	olderID, err := st.InsertMemory(store.StructuredMemory{
		Scope:          store.ScopeChat,
		InternalChatID: chatID,
		Category:       "fact",
		Content:        "the database port used in production is 5432",
		Confidence:     0.6,
		Source:         store.SourceReflector,
	})
	if err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	provider := &stubProvider{response: "MEMORY(fact): the production database now runs on port 5433"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, _ := st.GetChat(chatID)
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected the older fact to be archived, leaving 1 active memory, got %d", len(memories))
	}
	if memories[0].ID == olderID {
		t.Error("expected the active memory to be the newer superseding row")
	}
}

// TestReflector_UnrelatedSameCategoryFactsCoexist is the regression case for
// the contradiction gate: two unrelated facts sharing a category must not
// supersede one another.
func TestReflector_UnrelatedSameCategoryFactsCoexist(t *testing.T) {
	st := newTestStore(t)
	chatID, _ := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	seedConversation(t, st, chatID)

	if _, err := st.InsertMemory(store.StructuredMemory{
		Scope:          store.ScopeChat,
		InternalChatID: chatID,
		Category:       "fact",
		Content:        "the database port is 5432",
		Confidence:     0.6,
		Source:         store.SourceReflector,
	}); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	provider := &stubProvider{response: "MEMORY(fact): Alice enjoys playing chess on weekends"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, _ := st.GetChat(chatID)
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 2 {
		t.Fatalf("expected both unrelated facts to remain active, got %d", len(memories))
	}
}

func TestReflector_LowQualityCandidateSkipped(t *testing.T) {
	st := newTestStore(t)
	chatID, _ := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	seedConversation(t, st, chatID)

	provider := &stubProvider{response: "MEMORY(note): hi there"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, _ := st.GetChat(chatID)
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 0 {
		t.Errorf("expected the short, low-quality candidate to be rejected, got %d memories", len(memories))
	}
}

func TestReflector_NoCandidatesFromEmptyConversation(t *testing.T) {
	st := newTestStore(t)
	chatID, _ := st.ResolveChat("telegram", "1", store.ChatKindDirect)
	if err := st.TouchChat(chatID, "", time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("TouchChat failed: %v", err)
	}

	provider := &stubProvider{response: "NONE"}
	r := New(st, provider, "stub-model", time.Minute, nil)

	chat, _ := st.GetChat(chatID)
	r.reflectChat(context.Background(), *chat)

	memories, err := st.ActiveMemories(chatID)
	if err != nil {
		t.Fatalf("ActiveMemories failed: %v", err)
	}
	if len(memories) != 0 {
		t.Errorf("expected no memories from a chat with no messages, got %d", len(memories))
	}
}

func TestParseCandidateLines(t *testing.T) {
	text := "MEMORY(fact): the sky is blue\nnot a candidate line\nMEMORY(preference): likes dark mode\n"
	candidates := parseCandidateLines(text)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Category != "fact" || candidates[0].Content != "the sky is blue" {
		t.Errorf("unexpected first candidate: %+v", candidates[0])
	}
	if candidates[1].Category != "preference" {
		t.Errorf("unexpected second candidate category: %q", candidates[1].Category)
	}
}

func TestSameCategoryActive_RequiresRelatedWording(t *testing.T) {
	existing := []store.StructuredMemory{
		{ID: 1, Category: "fact", Content: "the database port used in production is 5432"},
	}
	if _, ok := sameCategoryActive(existing, "fact", "Alice enjoys playing chess on weekends"); ok {
		t.Error("expected unrelated same-category content to not match")
	}
	if _, ok := sameCategoryActive(existing, "fact", "the production database now runs on port 5433"); !ok {
		t.Error("expected related same-category content to match")
	}
}
