package store

import "testing"

func TestRecordReflectorRun_InsertsRow(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)

	if err := s.RecordReflectorRun(ReflectorRunCounters{
		InternalChatID: chatID,
		Inserted:       2,
		Updated:        1,
		Skipped:        3,
		Superseded:     1,
	}); err != nil {
		t.Fatalf("RecordReflectorRun failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_reflector_runs WHERE internal_chat_id = ?`, chatID).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 reflector run row, got %d", count)
	}
}

func TestRecordMemoryInjection_InsertsRow(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)

	if err := s.RecordMemoryInjection(chatID, 5, 2); err != nil {
		t.Fatalf("RecordMemoryInjection failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_injection_logs WHERE internal_chat_id = ?`, chatID).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 injection log row, got %d", count)
	}
}
