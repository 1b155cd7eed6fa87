package bus

import "time"

// ChatKind distinguishes a direct conversation from a group chat, per the
// chat-adapter contract's trigger rule (group messages are always recorded;
// only a subset is forwarded to AgentLoop).
type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

// Attachment is an optional binary/URL attachment carried alongside text.
type Attachment struct {
	Name        string
	URL         string
	ContentType string
	Data        []byte
}

// InboundMessage is the canonical shape a chat adapter produces for every
// message it observes, whether or not it is ultimately forwarded to
// AgentLoop (group messages are always recorded regardless of the adapter's
// trigger rule).
type InboundMessage struct {
	Channel          string
	ExternalChatID   string
	ChatID           string // the adapter's chat id (same value as ExternalChatID); AgentLoop resolves the internal id from Channel+ChatID
	ChatKind         ChatKind
	SenderID         string
	SenderName       string
	Content          string
	Attachments      []Attachment
	Media            []string // local file paths for received media (photos, voice, documents)
	IngressTimestamp time.Time
	Triggered        bool // true if this message meets the adapter's forward rule
	TraceID          string
	SessionKey       string            // conversation/session identifier; defaults to Channel:ChatID
	Metadata         map[string]string // side-channel data, e.g. subagent_event for the "system" channel
}

// OutboundMessage is a single delivery produced by AgentLoop: either a
// mid-conversation delivery emitted during a turn, or the final reply.
type OutboundMessage struct {
	Channel        string
	ExternalChatID string
	ChatID         string
	Content        string
	Attachments    []Attachment
	Media          []string // file paths to send as attachments, per the message tool
	Final          bool
	TraceID        string
}

// MessageHandler processes one inbound message delivered to a registered
// channel; a non-nil error is logged but does not stop the bus.
type MessageHandler func(msg InboundMessage) error
