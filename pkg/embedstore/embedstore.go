// Package embedstore wraps chromem-go as the optional embedding-backed
// semantic index over structured memory content (spec §4.3's "semantic
// embedding cosine if available" dedup path, on top of memquality's
// Jaccard token-overlap pass). A nil *Store behaves as "embeddings
// unavailable" throughout: every method is a safe no-op on a nil receiver,
// so callers never need their own enabled/disabled branch.
package embedstore

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// Store indexes structured-memory content, keyed by its store row id, in a
// single persistent chromem-go collection under workspace/memory/vectors.
type Store struct {
	collection *chromem.Collection
}

// New builds a Store from the embedding provider config. Returns (nil, nil)
// when embeddings are disabled or no API key is configured; a nil *Store is
// the documented "fall back to Jaccard-only dedup" signal.
func New(workspace string, cfg config.EmbeddingConfig) (*Store, error) {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil, nil
	}

	embeddingFn := chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil)

	dbPath := filepath.Join(workspace, "memory", "vectors")
	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("embedstore: open vector db: %w", err)
	}
	collection, err := db.GetOrCreateCollection("memories", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("embedstore: create collection: %w", err)
	}

	logger.InfoCF("embedstore", "semantic memory index ready", map[string]interface{}{
		"path": dbPath, "count": collection.Count(),
	})
	return &Store{collection: collection}, nil
}

// Index embeds and stores one memory's content so future candidates can be
// compared against it. Best-effort: failures are logged, never returned,
// since indexing is always secondary to the memory write it follows.
func (s *Store) Index(ctx context.Context, id int64, content string) {
	if s == nil {
		return
	}
	doc := chromem.Document{ID: fmt.Sprintf("%d", id), Content: content}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		logger.WarnCF("embedstore", "failed to index memory", map[string]interface{}{"error": err.Error()})
	}
}

// MostSimilarID returns the id of the indexed memory closest to content,
// when its cosine similarity clears minSimilarity. ok is false on a nil
// Store, an empty index, a query error, or a below-threshold top result.
func (s *Store) MostSimilarID(ctx context.Context, content string, minSimilarity float32) (id int64, ok bool) {
	if s == nil || s.collection.Count() == 0 {
		return 0, false
	}
	results, err := s.collection.Query(ctx, content, 1, nil, nil)
	if err != nil || len(results) == 0 {
		return 0, false
	}
	top := results[0]
	if top.Similarity < minSimilarity {
		return 0, false
	}
	if _, err := fmt.Sscanf(top.ID, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
