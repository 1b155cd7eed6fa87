// Package session holds the in-memory, optionally disk-persisted
// conversation state AgentLoop operates on for each chat: an ordered
// message history plus an optional compaction summary.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Session is the live conversational state for one chat/session key.
type Session struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
}

// SessionManager owns every live Session, keyed by session key (typically
// "channel:chatID"), and optionally mirrors each one to a JSON file under
// storageDir so a restart can resume where it left off.
type SessionManager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	storageDir string
}

// NewSessionManager creates a manager. If storageDir is non-empty, any
// previously persisted sessions found there are loaded eagerly.
func NewSessionManager(storageDir string) *SessionManager {
	sm := &SessionManager{
		sessions:   make(map[string]*Session),
		storageDir: storageDir,
	}
	sm.loadAll()
	return sm
}

func (sm *SessionManager) loadAll() {
	if sm.storageDir == "" {
		return
	}
	entries, err := os.ReadDir(sm.storageDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sm.storageDir, entry.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		sm.sessions[s.Key] = &s
	}
}

func sessionFileName(key string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "\\", "_")
	return replacer.Replace(key) + ".json"
}

// GetOrCreate returns the live session for key, creating an empty one if
// none exists yet.
func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getOrCreateLocked(key)
}

func (sm *SessionManager) getOrCreateLocked(key string) *Session {
	if s, ok := sm.sessions[key]; ok {
		return s
	}
	s := &Session{Key: key, Messages: []providers.Message{}}
	sm.sessions[key] = s
	return s
}

// AddMessage appends a plain text message to key's history, creating the
// session if it doesn't exist yet.
func (sm *SessionManager) AddMessage(key, role, content string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.Messages = append(s.Messages, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends a complete provider Message (including tool calls
// or a tool_call_id) to key's history.
func (sm *SessionManager) AddFullMessage(key string, msg providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
}

// GetHistory returns a copy of key's message slice; replacing or editing a
// returned message never affects the live session, though each message's
// ToolCalls slice is still shared with it. Returns a non-nil empty slice for
// an unknown key.
func (sm *SessionManager) GetHistory(key string) []providers.Message {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[key]
	if !ok {
		return []providers.Message{}
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// GetSummary returns key's compaction summary, or "" if none is set or the
// session doesn't exist.
func (sm *SessionManager) GetSummary(key string) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

// SetSummary sets key's compaction summary. A no-op for an unknown key.
func (sm *SessionManager) SetSummary(key, summary string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[key]; ok {
		s.Summary = summary
	}
}

// TruncateHistory keeps only the most recent keepRecent messages for key.
// A no-op for an unknown key or when history is already within bound.
func (sm *SessionManager) TruncateHistory(key string, keepRecent int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[key]
	if !ok {
		return
	}
	if len(s.Messages) <= keepRecent {
		return
	}
	s.Messages = append([]providers.Message{}, s.Messages[len(s.Messages)-keepRecent:]...)
}

// Reset clears key's history and summary in memory and removes its
// persisted file, if any. A no-op for an unknown key beyond the file
// removal attempt.
func (sm *SessionManager) Reset(key string) {
	sm.mu.Lock()
	if s, ok := sm.sessions[key]; ok {
		s.Messages = []providers.Message{}
		s.Summary = ""
	}
	sm.mu.Unlock()

	if sm.storageDir == "" {
		return
	}
	os.Remove(filepath.Join(sm.storageDir, sessionFileName(key)))
}

// Save persists session to storageDir as JSON. A no-op returning nil when
// no storage directory is configured.
func (sm *SessionManager) Save(session *Session) error {
	if sm.storageDir == "" {
		return nil
	}
	if err := os.MkdirAll(sm.storageDir, 0755); err != nil {
		return err
	}

	sm.mu.Lock()
	data, err := json.MarshalIndent(session, "", "  ")
	sm.mu.Unlock()
	if err != nil {
		return err
	}

	path := filepath.Join(sm.storageDir, sessionFileName(session.Key))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
