package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// DiscordChannel bridges a Discord gateway bot session to the message bus.
// Group (guild-channel) messages are always recorded; only messages that
// mention the bot, or are sent in a DM, are marked Triggered.
type DiscordChannel struct {
	*BaseChannel

	cfg     config.DiscordConfig
	session *discordgo.Session
	botID   string
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg, msgBus, cfg.AllowFrom),
		cfg:         cfg,
		session:     session,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway connection: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
	}

	c.setRunning(true)
	logger.InfoCF("discord", "gateway connected", map[string]interface{}{"bot_id": c.botID})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: channel not running")
	}

	if msg.Content != "" {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}

	for _, path := range msg.Media {
		if err := c.sendFile(msg.ChatID, path); err != nil {
			logger.WarnCF("discord", "failed to send attachment", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
	}
	return nil
}

func (c *DiscordChannel) sendFile(channelID, path string) error {
	_, err := c.session.ChannelFileSend(channelID, path, nil)
	return err
}

// onMessageCreate is the gateway event handler. It ignores the bot's own
// messages (discordgo does not filter these by default), tags group
// messages as Triggered only when the bot is mentioned, and always passes
// DMs through.
func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botID {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		return
	}

	isDM := m.GuildID == ""
	mentioned := isDM
	for _, u := range m.Mentions {
		if u.ID == c.botID {
			mentioned = true
			break
		}
	}

	content := m.Content
	if !isDM {
		for _, u := range m.Mentions {
			content = strings.ReplaceAll(content, "<@"+u.ID+">", "")
			content = strings.ReplaceAll(content, "<@!"+u.ID+">", "")
		}
		content = strings.TrimSpace(content)
	}
	if content == "" {
		content = "[empty message]"
	}

	kind := bus.ChatKindGroup
	if isDM {
		kind = bus.ChatKindDirect
	}

	c.HandleMessageTriggered(m.Author.ID, m.ChannelID, content, kind, mentioned, map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
		"username":   m.Author.Username,
	})
}
