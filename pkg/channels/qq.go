package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// QQChannel bridges a QQ guild/channel bot (botgo's websocket gateway) to
// the message bus. Like Discord, only messages that @-mention the bot are
// marked Triggered; direct "QQ频道" private messages are always triggered.
type QQChannel struct {
	*BaseChannel

	cfg config.QQConfig
	api openapi.OpenAPI
}

func NewQQChannel(cfg config.QQConfig, msgBus *bus.MessageBus) (*QQChannel, error) {
	if cfg.AppID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("qq: app id/token not configured")
	}

	tk := token.New(token.TypeBot, cfg.AppID, cfg.Token)
	api := botgo.NewOpenAPI(tk).WithTimeout(10)

	return &QQChannel{
		BaseChannel: NewBaseChannel("qq", cfg, msgBus, cfg.AllowFrom),
		cfg:         cfg,
		api:         api,
	}, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	wsInfo, err := c.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("qq: fetch websocket endpoint: %w", err)
	}

	intent := websocket.RegisterHandlers(
		c.atMessageHandler(),
		c.directMessageHandler(),
	)

	if err := botgo.NewSessionManager().Start(wsInfo, c.api.Token(), &intent); err != nil {
		return fmt.Errorf("qq: start session manager: %w", err)
	}

	c.setRunning(true)
	logger.InfoC("qq", "websocket gateway session started")
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq: channel not running")
	}
	_, err := c.api.PostMessage(ctx, msg.ChatID, &dto.MessageToCreate{
		Content: msg.Content,
		MsgType: dto.RichMediaMsg,
	})
	if err != nil {
		return fmt.Errorf("qq: post message: %w", err)
	}
	return nil
}

func (c *QQChannel) atMessageHandler() event.ATMessageEventHandler {
	return func(ev *dto.WSPayload, data *dto.WSATMessageData) error {
		if data == nil || data.Author == nil {
			return nil
		}
		if !c.IsAllowed(data.Author.ID) {
			return nil
		}
		content := strings.TrimSpace(data.Content)
		if content == "" {
			content = "[empty message]"
		}
		c.HandleMessageTriggered(data.Author.ID, data.ChannelID, content, bus.ChatKindGroup, true, map[string]string{
			"message_id": data.ID,
			"guild_id":   data.GuildID,
		})
		return nil
	}
}

func (c *QQChannel) directMessageHandler() event.DirectMessageEventHandler {
	return func(ev *dto.WSPayload, data *dto.WSDirectMessageData) error {
		if data == nil || data.Author == nil {
			return nil
		}
		if !c.IsAllowed(data.Author.ID) {
			return nil
		}
		content := strings.TrimSpace(data.Content)
		if content == "" {
			content = "[empty message]"
		}
		c.HandleMessageTriggered(data.Author.ID, data.GuildID, content, bus.ChatKindDirect, true, map[string]string{
			"message_id": data.ID,
		})
		return nil
	}
}
