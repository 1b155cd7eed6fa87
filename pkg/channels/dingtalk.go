package channels

import (
	"context"
	"fmt"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	dtclient "github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	dtlogger "github.com/open-dingtalk/dingtalk-stream-sdk-go/logger"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
)

// DingTalkChannel bridges a DingTalk stream-mode chatbot to the message bus.
type DingTalkChannel struct {
	*BaseChannel

	cfg    config.DingTalkConfig
	client *dtclient.StreamClient
}

func NewDingTalkChannel(cfg config.DingTalkConfig, msgBus *bus.MessageBus) *DingTalkChannel {
	return &DingTalkChannel{
		BaseChannel: NewBaseChannel("dingtalk", cfg, msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return fmt.Errorf("dingtalk: client id/secret not configured")
	}

	cli := dtclient.NewStreamClient(
		dtclient.WithAppCredential(dtclient.NewAppCredentialConfig(c.cfg.ClientID, c.cfg.ClientSecret)),
		dtclient.WithLogger(dtlogger.DefaultLogger()),
	)
	cli.RegisterChatBotCallbackRouter(c.onChatBotMessageReceived)

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("dingtalk: start stream client: %w", err)
	}

	c.client = cli
	c.setRunning(true)
	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	if c.client != nil {
		c.client.Close()
	}
	c.setRunning(false)
	return nil
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.client == nil {
		return fmt.Errorf("dingtalk: channel not started")
	}
	// Stream-mode chatbot replies are sent via the sessionWebhook captured
	// per incoming message; proactive sends outside a live session are not
	// supported by this transport.
	return fmt.Errorf("dingtalk: proactive send to chat %s not supported in stream mode", msg.ChatID)
}

// onChatBotMessageReceived is the stream client's per-message callback. A
// nil payload (e.g. a malformed or test-injected frame) is ignored rather
// than dereferenced.
func (c *DingTalkChannel) onChatBotMessageReceived(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return []byte(""), nil
	}

	c.HandleMessage(data.SenderId, data.ConversationId, data.Text.Content, nil, map[string]string{
		"sender_nick": data.SenderNick,
	})
	return []byte(""), nil
}
