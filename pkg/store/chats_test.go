package store

import "testing"

func TestResolveChat_AllocatesOnFirstSight(t *testing.T) {
	s := newTestStore(t)

	id, err := s.ResolveChat("telegram", "abc", ChatKindDirect)
	if err != nil {
		t.Fatalf("ResolveChat failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected a positive internal chat id, got %d", id)
	}
}

func TestResolveChat_IsStableAcrossCalls(t *testing.T) {
	s := newTestStore(t)

	first, err := s.ResolveChat("telegram", "abc", ChatKindDirect)
	if err != nil {
		t.Fatalf("ResolveChat failed: %v", err)
	}
	second, err := s.ResolveChat("telegram", "abc", ChatKindDirect)
	if err != nil {
		t.Fatalf("ResolveChat failed: %v", err)
	}
	if first != second {
		t.Errorf("expected the same (channel, external_chat_id) pair to resolve to the same id, got %d and %d", first, second)
	}
}

func TestResolveChat_DistinctChannelsAreDistinctChats(t *testing.T) {
	s := newTestStore(t)

	telegramID, _ := s.ResolveChat("telegram", "abc", ChatKindDirect)
	dingtalkID, _ := s.ResolveChat("dingtalk", "abc", ChatKindDirect)
	if telegramID == dingtalkID {
		t.Error("expected different channels with the same external id to resolve to different chats")
	}
}

func TestGetChat_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetChat(999); err == nil {
		t.Error("expected an error for a nonexistent chat")
	}
}

func TestTouchChat_UpdatesTitleAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.ResolveChat("telegram", "abc", ChatKindGroup)

	if err := s.TouchChat(id, "My Group", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("TouchChat failed: %v", err)
	}

	chat, err := s.GetChat(id)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if chat.Title != "My Group" {
		t.Errorf("expected title to be set, got %q", chat.Title)
	}
	if chat.LastMessageTime != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected last message time: %q", chat.LastMessageTime)
	}
	if chat.Kind != ChatKindGroup {
		t.Errorf("expected kind group, got %q", chat.Kind)
	}
}

func TestTouchChat_EmptyTitleDoesNotClearExisting(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.ResolveChat("telegram", "abc", ChatKindDirect)

	if err := s.TouchChat(id, "First Title", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("TouchChat failed: %v", err)
	}
	if err := s.TouchChat(id, "", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatalf("TouchChat failed: %v", err)
	}

	chat, err := s.GetChat(id)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if chat.Title != "First Title" {
		t.Errorf("expected title to survive an empty update, got %q", chat.Title)
	}
	if chat.LastMessageTime != "2026-01-02T00:00:00Z" {
		t.Errorf("expected last message time to still update, got %q", chat.LastMessageTime)
	}
}

func TestRecentlyActiveChats(t *testing.T) {
	s := newTestStore(t)
	recentID, _ := s.ResolveChat("telegram", "recent", ChatKindDirect)
	staleID, _ := s.ResolveChat("telegram", "stale", ChatKindDirect)

	s.TouchChat(recentID, "", "2026-02-01T00:00:00Z")
	s.TouchChat(staleID, "", "2026-01-01T00:00:00Z")

	chats, err := s.RecentlyActiveChats("2026-01-15T00:00:00Z")
	if err != nil {
		t.Fatalf("RecentlyActiveChats failed: %v", err)
	}
	if len(chats) != 1 || chats[0].InternalChatID != recentID {
		t.Fatalf("expected only the recent chat, got %+v", chats)
	}
}

// TestIsControlChat covers §8 scenario 5: cross-chat/global-scope tool
// operations are authorized only for chats on the configured control list.
func TestIsControlChat(t *testing.T) {
	controlChatIDs := []string{"telegram:99", "42"}

	if !IsControlChat("telegram", "99", controlChatIDs) {
		t.Error("expected an exact channel:id match to be a control chat")
	}
	if !IsControlChat("dingtalk", "42", controlChatIDs) {
		t.Error("expected a bare id entry to match regardless of channel")
	}
	if IsControlChat("telegram", "1", controlChatIDs) {
		t.Error("expected an unlisted chat to not be a control chat")
	}
}

func TestIsControlChat_EmptyList(t *testing.T) {
	if IsControlChat("telegram", "1", nil) {
		t.Error("expected no chat to be a control chat when the list is empty")
	}
}
