package store

import (
	"database/sql"

	"github.com/sipeed/picoclaw/pkg/errs"
)

// ChatKind distinguishes direct conversations from group chats.
type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

// Chat is the stable identity row for one (channel, external_chat_id) pair.
type Chat struct {
	InternalChatID  int64
	Channel         string
	ExternalChatID  string
	Kind            ChatKind
	Title           string
	LastMessageTime string
}

// ResolveChat is the sole authority mapping (channel, external_chat_id) to an
// internal_chat_id, allocating one on first sight.
func (s *Store) ResolveChat(channel, externalChatID string, kind ChatKind) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT internal_chat_id FROM chats WHERE channel = ? AND external_chat_id = ?`,
		channel, externalChatID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, classifySQLiteError("store: resolve chat", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO chats (channel, external_chat_id, kind) VALUES (?, ?, ?)`,
		channel, externalChatID, string(kind),
	)
	if err != nil {
		return 0, classifySQLiteError("store: allocate chat", err)
	}
	return res.LastInsertId()
}

// GetChat returns the chat row by internal id.
func (s *Store) GetChat(internalChatID int64) (*Chat, error) {
	row := s.db.QueryRow(
		`SELECT internal_chat_id, channel, external_chat_id, kind, COALESCE(title,''), COALESCE(last_message_time,'')
		 FROM chats WHERE internal_chat_id = ?`, internalChatID,
	)
	var c Chat
	var kind string
	if err := row.Scan(&c.InternalChatID, &c.Channel, &c.ExternalChatID, &kind, &c.Title, &c.LastMessageTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, "store: chat not found")
		}
		return nil, classifySQLiteError("store: get chat", err)
	}
	c.Kind = ChatKind(kind)
	return &c, nil
}

// TouchChat updates title and last_message_time for a chat.
func (s *Store) TouchChat(internalChatID int64, title string, lastMessageTime string) error {
	_, err := s.db.Exec(
		`UPDATE chats SET title = COALESCE(NULLIF(?, ''), title), last_message_time = ? WHERE internal_chat_id = ?`,
		title, lastMessageTime, internalChatID,
	)
	return classifySQLiteError("store: touch chat", err)
}

// RecentlyActiveChats returns chats whose last_message_time is at or after
// sinceISO, the Reflector's candidate set for one tick.
func (s *Store) RecentlyActiveChats(sinceISO string) ([]Chat, error) {
	rows, err := s.db.Query(
		`SELECT internal_chat_id, channel, external_chat_id, kind, COALESCE(title,''), COALESCE(last_message_time,'')
		 FROM chats WHERE last_message_time >= ? ORDER BY last_message_time DESC`, sinceISO,
	)
	if err != nil {
		return nil, classifySQLiteError("store: recently active chats", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var kind string
		if err := rows.Scan(&c.InternalChatID, &c.Channel, &c.ExternalChatID, &kind, &c.Title, &c.LastMessageTime); err != nil {
			return nil, err
		}
		c.Kind = ChatKind(kind)
		out = append(out, c)
	}
	return out, nil
}

// IsControlChat reports whether externalChatID (for the given channel) is in
// the configured control_chat_ids set, used to authorize cross-chat and
// global-memory tool operations.
func IsControlChat(channel, externalChatID string, controlChatIDs []string) bool {
	key := channel + ":" + externalChatID
	for _, id := range controlChatIDs {
		if id == key || id == externalChatID {
			return true
		}
	}
	return false
}
