package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("expected schema_migrations table to exist: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration recorded, got %d", count)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := s1.ResolveChat("telegram", "1", ChatKindDirect); err != nil {
		t.Fatalf("ResolveChat failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (reopen) failed: %v", err)
	}
	defer s2.Close()

	id, err := s2.ResolveChat("telegram", "1", ChatKindDirect)
	if err != nil {
		t.Fatalf("ResolveChat on reopened store failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected the previously allocated chat to persist across reopen, got id %d", id)
	}
}
