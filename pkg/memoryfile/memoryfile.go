// Package memoryfile mirrors structured memory writes into the
// human-readable markdown documents a user (or an operator reading the
// workspace directly) can open without a database: one global file, and
// one per chat.
package memoryfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/errs"
)

// DefaultMaxBytes bounds a single memory file; writes past this size fail
// with a TooLarge error rather than growing the file unboundedly.
const DefaultMaxBytes = 1 << 20 // 1 MiB

// Store manages the groups/ directory tree: groups/AGENTS.md for the
// global scope, groups/{internal_chat_id}/AGENTS.md per chat.
type Store struct {
	root     string
	maxBytes int64
}

// New creates a memory-file store rooted at workspace/groups.
func New(workspace string) *Store {
	return &Store{
		root:     filepath.Join(workspace, "groups"),
		maxBytes: DefaultMaxBytes,
	}
}

// path returns the file path for the global scope (internalChatID == 0) or
// a chat's scope.
func (s *Store) path(internalChatID int64) string {
	if internalChatID == 0 {
		return filepath.Join(s.root, "AGENTS.md")
	}
	return filepath.Join(s.root, fmt.Sprintf("%d", internalChatID), "AGENTS.md")
}

// Read returns the current contents of the scope's memory file, or "" if
// it has never been written.
func (s *Store) Read(internalChatID int64) (string, error) {
	data, err := os.ReadFile(s.path(internalChatID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.KindInternal, "memoryfile: read", err)
	}
	return string(data), nil
}

// Append adds one entry (as a markdown bullet, timestamped) to the scope's
// memory file, creating it on first write. Atomic: written to a temp file
// in the same directory, then renamed into place.
func (s *Store) Append(internalChatID int64, category, content string) error {
	existing, err := s.Read(internalChatID)
	if err != nil {
		return err
	}

	line := fmt.Sprintf("- [%s] %s (%s)\n", category, content, time.Now().UTC().Format(time.RFC3339))
	updated := existing
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += line

	if int64(len(updated)) > s.maxBytes {
		return errs.New(errs.KindTooLarge, "memoryfile: write would exceed the configured size cap")
	}

	path := s.path(internalChatID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: mkdir", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0644); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: write temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: rename into place", err)
	}
	return nil
}

// Write overwrites the scope's memory file wholesale, used by tools that
// want to manage the document's full content rather than append one line.
func (s *Store) Write(internalChatID int64, content string) error {
	if int64(len(content)) > s.maxBytes {
		return errs.New(errs.KindTooLarge, "memoryfile: content exceeds the configured size cap")
	}

	path := s.path(internalChatID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: mkdir", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: write temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindInternal, "memoryfile: rename into place", err)
	}
	return nil
}

// ListScopes returns the internal_chat_id of every chat-scoped memory file
// that currently exists (0 is never included; query Read(0) directly for
// the global scope).
func (s *Store) ListScopes() ([]int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "memoryfile: list scopes", err)
	}

	var out []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(e.Name(), "%d", &id); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}
