// Package store implements the single durable database that every other
// component shares: chats, messages, sessions, scheduled tasks, structured
// memories, usage records and observability events, all in one WAL-mode
// sqlite file, following the migration and FTS wiring idiom used by the
// markdown/sqlite memory store this runtime grew out of.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/errs"
)

const currentSchemaVersion = 1

// Store is the sole owner of on-disk state. Every other component holds a
// reference to one Store instance.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the WAL-mode database file at dbPath, running
// forward migrations idempotently.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store: create data directory", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "store: open database", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "store: enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "store: enable foreign keys", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInternal, "store: migrate schema", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS chats (
			internal_chat_id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			external_chat_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'direct',
			title TEXT,
			last_message_time TEXT,
			UNIQUE(channel, external_chat_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			internal_chat_id INTEGER NOT NULL REFERENCES chats(internal_chat_id),
			role TEXT NOT NULL,
			content_blocks TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			session_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(internal_chat_id, id);

		CREATE TABLE IF NOT EXISTS sessions (
			internal_chat_id INTEGER PRIMARY KEY REFERENCES chats(internal_chat_id),
			session_key TEXT NOT NULL,
			blocks TEXT NOT NULL,
			compacted_summary TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			internal_chat_id INTEGER NOT NULL REFERENCES chats(internal_chat_id),
			prompt TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_expr TEXT,
			schedule_tz TEXT,
			schedule_instant TEXT,
			state TEXT NOT NULL DEFAULT 'active',
			last_run TEXT,
			next_run TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(state, next_run);

		CREATE TABLE IF NOT EXISTS scheduled_task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
			ran_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			runtime_ms INTEGER,
			coalesced_count INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			internal_chat_id INTEGER REFERENCES chats(internal_chat_id),
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			source TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, internal_chat_id, archived);
		CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(content_hash);

		CREATE TABLE IF NOT EXISTS memory_supersedes (
			newer_id INTEGER NOT NULL REFERENCES memories(id),
			older_id INTEGER NOT NULL REFERENCES memories(id),
			PRIMARY KEY (newer_id, older_id)
		);

		CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			internal_chat_id INTEGER REFERENCES chats(internal_chat_id),
			model_id TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			cost_estimate REAL NOT NULL DEFAULT 0,
			wall_time_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memory_reflector_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			internal_chat_id INTEGER REFERENCES chats(internal_chat_id),
			inserted INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			ran_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memory_injection_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			internal_chat_id INTEGER REFERENCES chats(internal_chat_id),
			candidate_count INTEGER NOT NULL,
			selected_count INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	var ftsExists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='memories_fts'`).Scan(&ftsExists); err != nil {
		return err
	}
	if ftsExists == 0 {
		if _, err := s.db.Exec(`
			CREATE VIRTUAL TABLE memories_fts USING fts5(
				content, category,
				content='memories', content_rowid='id'
			);
			CREATE TRIGGER memories_ai AFTER INSERT ON memories BEGIN
				INSERT INTO memories_fts(rowid, content, category) VALUES (new.id, new.content, new.category);
			END;
			CREATE TRIGGER memories_ad AFTER DELETE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content, category) VALUES ('delete', old.id, old.content, old.category);
			END;
			CREATE TRIGGER memories_au AFTER UPDATE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content, category) VALUES ('delete', old.id, old.content, old.category);
				INSERT INTO memories_fts(rowid, content, category) VALUES (new.id, new.content, new.category);
			END;
		`); err != nil {
			return err
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", currentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

func classifySQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "database is locked") || contains(msg, "SQLITE_BUSY"):
		return errs.Wrap(errs.KindBusy, op, err)
	case contains(msg, "malformed") || contains(msg, "SQLITE_CORRUPT"):
		return errs.Wrap(errs.KindCorruption, op, err)
	case contains(msg, "constraint") || contains(msg, "SQLITE_CONSTRAINT"):
		return errs.Wrap(errs.KindInternal, op+": constraint violation", err)
	default:
		return errs.Wrap(errs.KindInternal, op, err)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func jsonUnmarshalString(data string, out interface{}) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
