// Package channels implements the chat-adapter contract (spec §6): each
// adapter translates a platform-specific event stream into canonical
// bus.InboundMessage values and renders bus.OutboundMessage deliveries back
// onto its platform, while AgentLoop and everything upstream of it stays
// entirely platform-agnostic.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// Channel is the contract every adapter implements; Manager drives these
// uniformly without knowing which platform is behind any of them.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the bits every concrete adapter needs regardless of
// platform: its name, a running flag, the shared bus, and an allowlist.
// Concrete channels embed it and implement Start/Stop/Send themselves.
type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	allowFrom map[string]bool

	mu      sync.RWMutex
	running bool
}

// NewBaseChannel builds a BaseChannel. An empty allowFrom permits every
// sender; otherwise only senders present in the list are permitted.
func NewBaseChannel(name string, config interface{}, msgBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return &BaseChannel{
		name:      name,
		config:    config,
		bus:       msgBus,
		allowFrom: allow,
	}
}

func (bc *BaseChannel) Name() string {
	return bc.name
}

// IsAllowed reports whether senderID may reach AgentLoop through this
// channel. An empty allowlist permits everyone.
func (bc *BaseChannel) IsAllowed(senderID string) bool {
	if len(bc.allowFrom) == 0 {
		return true
	}
	return bc.allowFrom[senderID]
}

func (bc *BaseChannel) setRunning(running bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.running = running
}

func (bc *BaseChannel) IsRunning() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.running
}

// HandleMessage translates one platform-native event into a canonical
// InboundMessage and publishes it on the bus, after checking the
// allowlist. A blocked sender's message is silently dropped (never
// recorded on the bus; persistence of blocked traffic, if desired, is the
// concrete adapter's concern before it ever calls HandleMessage).
func (bc *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !bc.IsAllowed(senderID) {
		return
	}
	if bc.bus == nil {
		return
	}

	bc.bus.PublishInbound(bus.InboundMessage{
		Channel:          bc.name,
		ExternalChatID:   chatID,
		ChatID:           chatID,
		SenderID:         senderID,
		Content:          content,
		Media:            media,
		IngressTimestamp: time.Now(),
		Triggered:        true,
		SessionKey:       fmt.Sprintf("%s:%s", bc.name, chatID),
		Metadata:         metadata,
	})
}

// HandleMessageTriggered is HandleMessage's variant for adapters that must
// compute the trigger rule themselves (e.g. "only forward group messages
// that @-mention the bot"): group messages are always recorded on the bus,
// but only those passing triggered are marked for AgentLoop to act on.
func (bc *BaseChannel) HandleMessageTriggered(senderID, chatID, content string, kind bus.ChatKind, triggered bool, metadata map[string]string) {
	if !bc.IsAllowed(senderID) {
		return
	}
	if bc.bus == nil {
		return
	}

	bc.bus.PublishInbound(bus.InboundMessage{
		Channel:          bc.name,
		ExternalChatID:   chatID,
		ChatID:           chatID,
		ChatKind:         kind,
		SenderID:         senderID,
		Content:          content,
		IngressTimestamp: time.Now(),
		Triggered:        triggered,
		SessionKey:       fmt.Sprintf("%s:%s", bc.name, chatID),
		Metadata:         metadata,
	})
}
