package store

import "database/sql"

// Role distinguishes the three participants in a recorded message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// BlockKind tags the structural shape of a single content block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is one tagged content unit inside a Message or Session.
type Block struct {
	Kind BlockKind `json:"kind"`

	Text string `json:"text,omitempty"`

	ToolUseID   string                 `json:"tool_use_id,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolArgs    map[string]interface{} `json:"tool_args,omitempty"`

	ToolResultID      string `json:"tool_result_id,omitempty"`
	ToolResultOutcome string `json:"tool_result_outcome,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
}

// Message is one append-only persisted record of a turn's content.
type Message struct {
	ID             int64
	InternalChatID int64
	Role           Role
	Blocks         []Block
	Timestamp      string
	SessionID      string
}

// AppendMessage persists one append-only message row.
func (s *Store) AppendMessage(m Message) (int64, error) {
	blocksJSON, err := marshalJSON(m.Blocks)
	if err != nil {
		return 0, err
	}
	ts := m.Timestamp
	if ts == "" {
		ts = nowISO()
	}
	res, err := s.db.Exec(
		`INSERT INTO messages (internal_chat_id, role, content_blocks, timestamp, session_id) VALUES (?, ?, ?, ?, ?)`,
		m.InternalChatID, string(m.Role), blocksJSON, ts, m.SessionID,
	)
	if err != nil {
		return 0, classifySQLiteError("store: append message", err)
	}
	return res.LastInsertId()
}

// RecentMessages returns the most recent N raw messages for a chat in
// chronological order, used by the Reflector to build its extraction prompt.
func (s *Store) RecentMessages(internalChatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, timestamp, COALESCE(session_id,'')
		 FROM messages WHERE internal_chat_id = ? ORDER BY id DESC LIMIT ?`,
		internalChatID, limit,
	)
	if err != nil {
		return nil, classifySQLiteError("store: recent messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, blocksJSON string
		if err := rows.Scan(&m.ID, &m.InternalChatID, &role, &blocksJSON, &m.Timestamp, &m.SessionID); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if err := unmarshalBlocks(blocksJSON, &m.Blocks); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MessagesSinceLastBotReply returns every message in a chat since (and
// excluding) the most recent assistant reply, used by the group-chat
// mention rebuild path.
func (s *Store) MessagesSinceLastBotReply(internalChatID int64) ([]Message, error) {
	var lastAssistantID sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id FROM messages WHERE internal_chat_id = ? AND role = 'assistant' ORDER BY id DESC LIMIT 1`,
		internalChatID,
	).Scan(&lastAssistantID)
	if err != nil && err != sql.ErrNoRows {
		return nil, classifySQLiteError("store: messages since last reply", err)
	}

	var sinceID int64
	if lastAssistantID.Valid {
		sinceID = lastAssistantID.Int64
	}

	r, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, timestamp, COALESCE(session_id,'')
		 FROM messages WHERE internal_chat_id = ? AND id > ? ORDER BY id ASC`,
		internalChatID, sinceID,
	)
	if err != nil {
		return nil, classifySQLiteError("store: messages since last reply", err)
	}
	defer r.Close()

	var out []Message
	for r.Next() {
		var m Message
		var role, blocksJSON string
		if err := r.Scan(&m.ID, &m.InternalChatID, &role, &blocksJSON, &m.Timestamp, &m.SessionID); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if err := unmarshalBlocks(blocksJSON, &m.Blocks); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func unmarshalBlocks(blocksJSON string, out *[]Block) error {
	return jsonUnmarshalString(blocksJSON, out)
}
