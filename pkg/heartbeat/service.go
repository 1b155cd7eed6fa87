// Package heartbeat runs a periodic "are you still there" turn through the
// agent loop so a chat can receive proactive check-ins even with no
// inbound user message, independent of the cron-job and scheduler-task
// mechanisms.
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

const defaultPrompt = "heartbeat check-in"

// RunFunc executes one heartbeat turn with the given prompt, returning its
// textual result.
type RunFunc func(prompt string) (string, error)

// HeartbeatService ticks on a fixed interval, invoking run with the prompt
// read from <dir>/HEARTBEAT.md if present, else a default prompt.
type HeartbeatService struct {
	mu       sync.Mutex
	dir      string
	run      RunFunc
	interval time.Duration
	enabled  bool

	stopCh  chan struct{}
	running bool
}

// NewHeartbeatService configures a service that (when started) fires every
// intervalSeconds, calling run. enabled gates whether Start actually spins
// up the ticker; intervalSeconds <= 0 is always an error from Start.
func NewHeartbeatService(dir string, run RunFunc, intervalSeconds int, enabled bool) *HeartbeatService {
	return &HeartbeatService{
		dir:      dir,
		run:      run,
		interval: time.Duration(intervalSeconds) * time.Second,
		enabled:  enabled,
	}
}

func (hs *HeartbeatService) promptText() string {
	if hs.dir == "" {
		return defaultPrompt
	}
	data, err := os.ReadFile(filepath.Join(hs.dir, "HEARTBEAT.md"))
	if err != nil || len(data) == 0 {
		return defaultPrompt
	}
	return string(data)
}

// Start begins the ticker. Returns an error if the configured interval is
// not positive. Idempotent: calling Start while already running is a
// no-op. Safe to call again after Stop (recreates the stop channel).
func (hs *HeartbeatService) Start() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.interval <= 0 {
		return fmt.Errorf("heartbeat: interval must be positive, got %s", hs.interval)
	}
	if hs.running {
		return nil
	}
	if !hs.enabled {
		return nil
	}

	hs.stopCh = make(chan struct{})
	hs.running = true
	stopCh := hs.stopCh
	interval := hs.interval

	go hs.loop(stopCh, interval)
	return nil
}

func (hs *HeartbeatService) loop(stopCh chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			prompt := hs.promptText()
			if hs.run == nil {
				continue
			}
			if _, err := hs.run(prompt); err != nil {
				logger.WarnCF("heartbeat", "heartbeat turn failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Stop halts the ticker. Idempotent and safe to call before Start.
func (hs *HeartbeatService) Stop() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if !hs.running {
		return
	}
	hs.running = false
	close(hs.stopCh)
}
