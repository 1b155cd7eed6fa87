// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Command picoclaw wires every component (Store-backed AgentLoop, the
// configured chat adapters, the Scheduler, and the Reflector) into one
// running process and drops into a local readline REPL on top of it, the
// same "direct terminal chat plus background channels" shape the rest of
// the picoclaw lineage runs in production.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/sipeed/picoclaw/pkg/agent"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/reflector"
	"github.com/sipeed/picoclaw/pkg/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "picoclaw: %v\n", err)
		os.Exit(1)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "picoclaw: no usable LLM provider configured: %v\n", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	loop := agent.NewAgentLoop(cfg, msgBus, provider)

	mgr := channels.NewManager(msgBus)
	registerChannels(mgr, cfg, msgBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.ErrorCF("main", "agent loop stopped with error", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := mgr.StartAll(ctx); err != nil {
		logger.WarnCF("main", "one or more channels failed to start", map[string]interface{}{"error": err.Error()})
	}

	// Deferred first so it unwinds last, after Scheduler/Reflector (both
	// hold the same *store.Store) have stopped.
	defer loop.CloseStore()

	st := loop.Store()
	if st != nil {
		pollInterval := time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second
		sched := scheduler.New(st, loop, pollInterval)
		sched.Start(ctx)
		defer sched.Stop()

		tickInterval := time.Duration(cfg.Reflector.TickIntervalSeconds) * time.Second
		refl := reflector.New(st, provider, loop.Model(), tickInterval, loop.EmbedStore())
		refl.Start(ctx)
		defer refl.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoC("main", "shutting down")
		cancel()
		loop.Stop()
		mgr.StopAll(context.Background())
	}()

	runREPL(ctx, loop)
}

// registerChannels builds and registers every chat adapter whose config
// marks it enabled; a single adapter failing to construct is logged and
// skipped rather than aborting startup.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		registerOrWarn(mgr, "telegram", ch, err)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, msgBus)
		registerOrWarn(mgr, "discord", ch, err)
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := channels.NewSlackChannel(cfg.Channels.Slack, msgBus)
		registerOrWarn(mgr, "slack", ch, err)
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus)
		registerOrWarn(mgr, "whatsapp", ch, err)
	}
	if cfg.Channels.Lark.Enabled {
		ch, err := channels.NewLarkChannel(cfg.Channels.Lark, msgBus)
		registerOrWarn(mgr, "lark", ch, err)
	}
	if cfg.Channels.DingTalk.Enabled {
		mgr.RegisterChannel("dingtalk", channels.NewDingTalkChannel(cfg.Channels.DingTalk, msgBus))
	}
	if cfg.Channels.QQ.Enabled {
		ch, err := channels.NewQQChannel(cfg.Channels.QQ, msgBus)
		registerOrWarn(mgr, "qq", ch, err)
	}
}

func registerOrWarn(mgr *channels.Manager, name string, ch channels.Channel, err error) {
	if err != nil {
		logger.WarnCF("main", "channel disabled: construction failed", map[string]interface{}{"channel": name, "error": err.Error()})
		return
	}
	mgr.RegisterChannel(name, ch)
}

// runREPL drives a local terminal session through the same ProcessDirect
// path a scheduled task or another channel would use, so "picoclaw" run
// bare behaves as one more chat surface rather than a special case.
func runREPL(ctx context.Context, loop *agent.AgentLoop) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "picoclaw> ",
		HistoryFile: "/tmp/picoclaw_history",
	})
	if err != nil {
		logger.ErrorCF("main", "failed to start REPL", map[string]interface{}{"error": err.Error()})
		return
	}
	defer rl.Close()

	const sessionKey = "cli:local"
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return
		}

		reply, err := loop.ProcessDirect(ctx, line, sessionKey)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
			continue
		}
		fmt.Fprintln(rl.Stdout(), reply)
	}
}
