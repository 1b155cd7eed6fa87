package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// LarkChannel bridges a Lark/Feishu bot to the message bus over the long-
// lived websocket event connection (no public callback URL needed), the
// same long-poll-free shape as the Discord gateway adapter.
type LarkChannel struct {
	*BaseChannel

	cfg    config.LarkConfig
	client *lark.Client
	wsCli  *larkws.Client
}

func NewLarkChannel(cfg config.LarkConfig, msgBus *bus.MessageBus) (*LarkChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("lark: app id/secret not configured")
	}

	client := lark.NewClient(cfg.AppID, cfg.AppSecret)

	return &LarkChannel{
		BaseChannel: NewBaseChannel("lark", cfg, msgBus, cfg.AllowFrom),
		cfg:         cfg,
		client:      client,
	}, nil
}

func (c *LarkChannel) Start(ctx context.Context) error {
	handler := larkim.NewDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			c.onMessageReceive(event)
			return nil
		})

	c.wsCli = larkws.NewClient(c.cfg.AppID, c.cfg.AppSecret, larkws.WithEventHandler(handler))

	go func() {
		if err := c.wsCli.Start(ctx); err != nil {
			logger.ErrorCF("lark", "websocket client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.setRunning(true)
	logger.InfoC("lark", "websocket event connection started")
	return nil
}

func (c *LarkChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *LarkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("lark: channel not running")
	}

	content, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return fmt.Errorf("lark: encode message content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("lark: create message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark: create message failed: %s", resp.Msg)
	}
	return nil
}

func (c *LarkChannel) onMessageReceive(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil || event.Event.Sender == nil {
		return
	}

	senderID := ""
	if event.Event.Sender.SenderId != nil && event.Event.Sender.SenderId.OpenId != nil {
		senderID = *event.Event.Sender.SenderId.OpenId
	}
	if senderID == "" || !c.IsAllowed(senderID) {
		return
	}

	chatID := ""
	if event.Event.Message.ChatId != nil {
		chatID = *event.Event.Message.ChatId
	}

	var body struct {
		Text string `json:"text"`
	}
	if event.Event.Message.Content != nil {
		_ = json.Unmarshal([]byte(*event.Event.Message.Content), &body)
	}
	content := strings.TrimSpace(body.Text)
	if content == "" {
		content = "[empty message]"
	}

	kind := bus.ChatKindDirect
	triggered := true
	if event.Event.Message.ChatType != nil && *event.Event.Message.ChatType == "group" {
		kind = bus.ChatKindGroup
		triggered = len(event.Event.Message.Mentions) > 0
	}

	c.HandleMessageTriggered(senderID, chatID, content, kind, triggered, map[string]string{
		"message_id": derefStr(event.Event.Message.MessageId),
	})
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
