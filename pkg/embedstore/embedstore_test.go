package embedstore

import (
	"context"
	"testing"

	"github.com/sipeed/picoclaw/pkg/config"
)

func TestNew_DisabledReturnsNilStore(t *testing.T) {
	s, err := New(t.TempDir(), config.EmbeddingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s != nil {
		t.Error("expected nil *Store when embeddings are disabled")
	}
}

func TestNew_EnabledWithoutAPIKeyReturnsNilStore(t *testing.T) {
	s, err := New(t.TempDir(), config.EmbeddingConfig{Enabled: true, APIKey: ""})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s != nil {
		t.Error("expected nil *Store when no API key is configured, even if enabled")
	}
}

func TestNilStore_IndexIsNoOp(t *testing.T) {
	var s *Store
	// Must not panic on a nil receiver.
	s.Index(context.Background(), 1, "some content")
}

func TestNilStore_MostSimilarIDReturnsNotFound(t *testing.T) {
	var s *Store
	id, ok := s.MostSimilarID(context.Background(), "some content", 0.8)
	if ok {
		t.Error("expected ok=false on a nil Store")
	}
	if id != 0 {
		t.Errorf("expected id=0 on a nil Store, got %d", id)
	}
}
