package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// Manager owns every registered Channel and, once started, dispatches each
// OutboundMessage published on the bus to the channel whose name matches.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus

	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager builds a Manager bound to msgBus's outbound stream.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// RegisterChannel adds ch under name, replacing any previous registration
// for that name. Does not start it.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// UnregisterChannel removes name. A no-op if it isn't registered.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetEnabledChannels returns the names of every registered channel.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// GetStatus summarizes every registered channel's running state.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{
			"running": ch.IsRunning(),
			"enabled": true,
		}
	}
	return status
}

// StartAll starts every registered channel and spins up a single outbound
// dispatch goroutine shared by all of them. Idempotent: a second call while
// already started is a no-op and never spawns a duplicate dispatcher.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channelsCopy[name] = ch
	}
	m.mu.Unlock()

	var firstErr error
	for name, ch := range channelsCopy {
		if err := ch.Start(ctx); err != nil {
			logger.WarnCF("channels", "channel start failed", map[string]interface{}{"channel": name, "error": err.Error()})
			if firstErr == nil {
				firstErr = fmt.Errorf("start channel %s: %w", name, err)
			}
		}
	}

	m.wg.Add(1)
	go m.dispatchOutbound(dispatchCtx)
	return firstErr
}

// dispatchOutbound is the single consumer of the bus's outbound stream; it
// routes each message to whichever registered channel matches msg.Channel.
// A single consumer is required because SubscribeOutbound dequeues from one
// shared channel (competing consumers would each only see a fraction of
// messages addressed to them).
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer m.wg.Done()
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		ch, found := m.GetChannel(msg.Channel)
		if !found {
			logger.WarnCF("channels", "outbound message for unknown channel", map[string]interface{}{"channel": msg.Channel})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.WarnCF("channels", "channel send failed", map[string]interface{}{"channel": msg.Channel, "error": err.Error()})
		}
	}
}

// StopAll stops every outbound dispatcher and every registered channel.
// Idempotent: calling it again, or calling it before StartAll, is a no-op.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channelsCopy[name] = ch
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var firstErr error
	for name, ch := range channelsCopy {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %s: %w", name, err)
		}
	}
	return firstErr
}

// SendToChannel delivers content to chatID on the named channel directly,
// bypassing the outbound bus.
func (m *Manager) SendToChannel(ctx context.Context, channel, chatID, content string) error {
	ch, ok := m.GetChannel(channel)
	if !ok {
		return fmt.Errorf("channels: unknown channel %q", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		Final:   true,
	})
}
