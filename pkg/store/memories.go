package store

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
)

// MemoryScope is either the global scope or one chat's scope.
type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeChat   MemoryScope = "chat"
)

// MemorySource records how a structured memory was created.
type MemorySource string

const (
	SourceExplicit MemorySource = "explicit"
	SourceReflector MemorySource = "reflector"
	SourceTool      MemorySource = "tool"
)

// StructuredMemory is one durable fact row, chat-scoped or global.
type StructuredMemory struct {
	ID             int64
	Scope          MemoryScope
	InternalChatID int64 // 0 when Scope == global
	Category       string
	Content        string
	Confidence     float64
	Source         MemorySource
	LastSeen       string
	Archived       bool
	Embedding      []byte
	ContentHash    string
	CreatedAt      string
}

func contentHash(content string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(content))))
	return fmt.Sprintf("%x", h[:16])
}

// ContentHash exposes the same normalized hash InsertMemory stores a
// content_hash for, so a caller can probe FindByContentHash before paying
// for a full Jaccard/embedding dedup pass.
func ContentHash(content string) string {
	return contentHash(content)
}

// InsertMemory inserts a new structured memory row.
func (s *Store) InsertMemory(m StructuredMemory) (int64, error) {
	hash := contentHash(m.Content)
	lastSeen := m.LastSeen
	if lastSeen == "" {
		lastSeen = nowISO()
	}
	var chatID interface{}
	if m.Scope == ScopeChat {
		chatID = m.InternalChatID
	}
	res, err := s.db.Exec(`
		INSERT INTO memories (scope, internal_chat_id, category, content, confidence, source, last_seen, archived, embedding, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, string(m.Scope), chatID, m.Category, m.Content, m.Confidence, string(m.Source), lastSeen, m.Embedding, hash, nowISO())
	if err != nil {
		return 0, classifySQLiteError("store: insert memory", err)
	}
	return res.LastInsertId()
}

// UpdateMemory raises confidence (bounded to 1.0) and refreshes last_seen on
// a dedup match.
func (s *Store) UpdateMemory(id int64, newConfidence float64, lastSeen string) error {
	if newConfidence > 1.0 {
		newConfidence = 1.0
	}
	_, err := s.db.Exec(`UPDATE memories SET confidence = ?, last_seen = ? WHERE id = ?`, newConfidence, lastSeen, id)
	return classifySQLiteError("store: update memory", err)
}

// ArchiveMemory marks a memory archived; archived memories are excluded from
// injection but retained for audit.
func (s *Store) ArchiveMemory(id int64) error {
	_, err := s.db.Exec(`UPDATE memories SET archived = 1 WHERE id = ?`, id)
	return classifySQLiteError("store: archive memory", err)
}

// SupersedeMemory records a supersedes(newer, older) edge and archives the
// older record.
func (s *Store) SupersedeMemory(newerID, olderID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return classifySQLiteError("store: supersede memory", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_supersedes (newer_id, older_id) VALUES (?, ?)`, newerID, olderID); err != nil {
		return classifySQLiteError("store: supersede memory", err)
	}
	if _, err := tx.Exec(`UPDATE memories SET archived = 1 WHERE id = ?`, olderID); err != nil {
		return classifySQLiteError("store: supersede memory", err)
	}
	return classifySQLiteError("store: supersede memory", tx.Commit())
}

// ActiveMemories returns every non-archived memory visible to a chat: the
// union of global memories and the chat's own scoped memories.
func (s *Store) ActiveMemories(internalChatID int64) ([]StructuredMemory, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, COALESCE(internal_chat_id,0), category, content, confidence, source, last_seen, archived, embedding, content_hash, created_at
		FROM memories
		WHERE archived = 0 AND (scope = 'global' OR internal_chat_id = ?)
		ORDER BY last_seen DESC
	`, internalChatID)
	if err != nil {
		return nil, classifySQLiteError("store: active memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindByContentHash returns candidate rows sharing the same normalized
// content hash, the cheap first pass before Jaccard/embedding dedup scoring.
func (s *Store) FindByContentHash(hash string, scope MemoryScope, internalChatID int64) ([]StructuredMemory, error) {
	var rows *sql.Rows
	var err error
	if scope == ScopeGlobal {
		rows, err = s.db.Query(`
			SELECT id, scope, COALESCE(internal_chat_id,0), category, content, confidence, source, last_seen, archived, embedding, content_hash, created_at
			FROM memories WHERE content_hash = ? AND scope = 'global'
		`, hash)
	} else {
		rows, err = s.db.Query(`
			SELECT id, scope, COALESCE(internal_chat_id,0), category, content, confidence, source, last_seen, archived, embedding, content_hash, created_at
			FROM memories WHERE content_hash = ? AND internal_chat_id = ?
		`, hash, internalChatID)
	}
	if err != nil {
		return nil, classifySQLiteError("store: find by content hash", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemories performs an FTS5 full-text search ranked by BM25, scoped to
// either global or one chat's own memories (not the union — callers union
// results from two calls when needed).
func (s *Store) SearchMemories(query string, scope MemoryScope, internalChatID int64, limit int) ([]StructuredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	ftsQuery := buildFTSQuery(query)

	var rows *sql.Rows
	var err error
	if scope == ScopeGlobal {
		rows, err = s.db.Query(`
			SELECT m.id, m.scope, COALESCE(m.internal_chat_id,0), m.category, m.content, m.confidence, m.source, m.last_seen, m.archived, m.embedding, m.content_hash, m.created_at
			FROM memories_fts fts JOIN memories m ON m.id = fts.rowid
			WHERE memories_fts MATCH ? AND m.scope = 'global' AND m.archived = 0
			ORDER BY bm25(memories_fts) LIMIT ?
		`, ftsQuery, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT m.id, m.scope, COALESCE(m.internal_chat_id,0), m.category, m.content, m.confidence, m.source, m.last_seen, m.archived, m.embedding, m.content_hash, m.created_at
			FROM memories_fts fts JOIN memories m ON m.id = fts.rowid
			WHERE memories_fts MATCH ? AND m.internal_chat_id = ? AND m.archived = 0
			ORDER BY bm25(memories_fts) LIMIT ?
		`, ftsQuery, internalChatID, limit)
	}
	if err != nil {
		return nil, classifySQLiteError("store: search memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func buildFTSQuery(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return query
	}
	var parts []string
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		parts = append(parts, `"`+w+`"*`)
	}
	return strings.Join(parts, " ")
}

func scanMemories(rows *sql.Rows) ([]StructuredMemory, error) {
	var out []StructuredMemory
	for rows.Next() {
		var m StructuredMemory
		var scope, source string
		var archived int
		if err := rows.Scan(&m.ID, &scope, &m.InternalChatID, &m.Category, &m.Content, &m.Confidence, &source,
			&m.LastSeen, &archived, &m.Embedding, &m.ContentHash, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Scope = MemoryScope(scope)
		m.Source = MemorySource(source)
		m.Archived = archived != 0
		out = append(out, m)
	}
	return out, nil
}
