package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// SlackChannel bridges a Slack Socket Mode app to the message bus. Socket
// Mode (rather than HTTP Events API) keeps this adapter transport-symmetric
// with the other long-lived-connection adapters (Telegram polling, DingTalk
// stream mode) without requiring a public webhook endpoint.
type SlackChannel struct {
	*BaseChannel

	cfg    config.SlackConfig
	api    *slack.Client
	client *socketmode.Client
	botID  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlackChannel(cfg config.SlackConfig, msgBus *bus.MessageBus) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot token and app token must both be configured")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)

	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", cfg, msgBus, cfg.AllowFrom),
		cfg:         cfg,
		api:         api,
		client:      client,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	authTest, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botID = authTest.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.handleEvents(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		_ = c.client.RunContext(runCtx)
	}()

	c.setRunning(true)
	logger.InfoCF("slack", "socket mode connected", map[string]interface{}{"bot_id": c.botID})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack: channel not running")
	}
	if msg.Content != "" {
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(msg.Content, false)); err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	for _, path := range msg.Media {
		_, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel: msg.ChatID,
			File:    path,
		})
		if err != nil {
			logger.WarnCF("slack", "failed to upload attachment", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
	}
	return nil
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			c.client.Ack(*evt.Request)

			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if eventsAPIEvent.Type != slackevents.CallbackEvent {
				continue
			}

			switch inner := eventsAPIEvent.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				c.onMessageEvent(inner)
			case *slackevents.AppMentionEvent:
				c.onAppMention(inner)
			}
		}
	}
}

func (c *SlackChannel) onMessageEvent(evt *slackevents.MessageEvent) {
	if evt.User == "" || evt.User == c.botID || evt.BotID != "" {
		return
	}
	if evt.SubType != "" {
		return
	}
	if !c.IsAllowed(evt.User) {
		return
	}

	kind := bus.ChatKindGroup
	triggered := strings.Contains(evt.Text, "<@"+c.botID+">")
	if strings.HasPrefix(evt.Channel, "D") {
		kind = bus.ChatKindDirect
		triggered = true
	}

	c.HandleMessageTriggered(evt.User, evt.Channel, cleanSlackMention(evt.Text, c.botID), kind, triggered, map[string]string{
		"ts": evt.TimeStamp,
	})
}

func (c *SlackChannel) onAppMention(evt *slackevents.AppMentionEvent) {
	if evt.User == "" || evt.User == c.botID {
		return
	}
	if !c.IsAllowed(evt.User) {
		return
	}
	c.HandleMessageTriggered(evt.User, evt.Channel, cleanSlackMention(evt.Text, c.botID), bus.ChatKindGroup, true, map[string]string{
		"ts": evt.TimeStamp,
	})
}

func cleanSlackMention(text, botID string) string {
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.TrimSpace(text)
	if text == "" {
		text = "[empty message]"
	}
	return text
}
