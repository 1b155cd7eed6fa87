// Package scheduler implements the formal Scheduler component: a
// single-flight polling actor that replays due store.ScheduledTask rows as
// synthetic AgentLoop turns (cron or one-shot triggers), independent of the
// JSON-file-backed "cron" tool in pkg/cron that the model itself schedules
// on the user's behalf. Both ultimately run through the same AgentLoop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/store"
)

// Dispatcher is the subset of AgentLoop the Scheduler drives; satisfied by
// *agent.AgentLoop. Kept as an interface so tests can stub it without
// constructing a full loop.
type Dispatcher interface {
	ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// Scheduler polls store for due tasks on a fixed period and runs each as one
// AgentLoop turn, per spec §4.9. A chat's own per-turn mutex (owned by
// AgentLoop) already serializes concurrent turns for that chat; the
// Scheduler only needs to avoid overlapping with itself.
type Scheduler struct {
	st           *store.Store
	dispatch     Dispatcher
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlight sync.Map // task ID -> struct{}, single-flight guard per task
}

// New builds a Scheduler bound to st and dispatch. pollInterval <= 0 uses
// the spec's documented 60s default.
func New(st *store.Store, dispatch Dispatcher, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	return &Scheduler{st: st, dispatch: dispatch, pollInterval: pollInterval}
}

// Start begins the poll loop. Idempotent: a second call while already
// running is a no-op.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel
	sc.running = true
	sc.mu.Unlock()

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		ticker := time.NewTicker(sc.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				sc.tick(runCtx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for any in-flight tick to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	cancel := sc.cancel
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sc.wg.Wait()
}

func (sc *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	nowISO := now.Format(time.RFC3339)

	due, err := sc.st.DueTasks(nowISO)
	if err != nil {
		logger.WarnCF("scheduler", "poll failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, task := range due {
		if _, alreadyRunning := sc.inFlight.LoadOrStore(task.ID, struct{}{}); alreadyRunning {
			continue
		}
		t := task
		go func() {
			defer sc.inFlight.Delete(t.ID)
			sc.runTask(ctx, t, now)
		}()
	}
}

// runTask executes one due task, records history, and recomputes next_run.
// Any instant the task's schedule would also have fired at, strictly
// between its previous next_run and now, is coalesced into one run and
// recorded as a count rather than replayed (spec §4.9, §9 clock-skew note).
func (sc *Scheduler) runTask(ctx context.Context, task store.ScheduledTask, now time.Time) {
	chat, err := sc.st.GetChat(task.InternalChatID)
	if err != nil || chat == nil {
		logger.WarnCF("scheduler", "task references unknown chat", map[string]interface{}{"task_id": task.ID})
		return
	}

	start := time.Now()
	sessionKey := fmt.Sprintf("%s:%s", chat.Channel, chat.ExternalChatID)

	var outcome, detail string
	result, runErr := sc.dispatch.ProcessDirectWithChannel(ctx, task.Prompt, sessionKey, chat.Channel, chat.ExternalChatID)
	if runErr != nil {
		outcome = "error"
		detail = runErr.Error()
	} else {
		outcome = "ok"
		detail = result
	}
	runtimeMS := time.Since(start).Milliseconds()

	coalesced := coalescedRunCount(task, now)

	nextRun, state := sc.nextRunAndState(task, now)

	hist := store.TaskHistoryEntry{
		RanAt:          now.Format(time.RFC3339),
		Outcome:        outcome,
		Detail:         detail,
		RuntimeMS:      runtimeMS,
		CoalescedCount: coalesced,
	}
	if err := sc.st.RecordTaskRun(task.ID, hist.RanAt, nextRun, hist); err != nil {
		logger.WarnCF("scheduler", "failed to record task run", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
	if state != "" {
		if err := sc.st.UpdateTaskState(task.ID, state); err != nil {
			logger.WarnCF("scheduler", "failed to update task state", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
}

// nextRunAndState computes the next fire instant after now, and the
// lifecycle state transition (empty string = no transition). A one-shot
// task always cancels; a recurring cron task recomputes from its
// expression, in its configured timezone.
func (sc *Scheduler) nextRunAndState(task store.ScheduledTask, now time.Time) (string, store.TaskState) {
	if task.Schedule.Kind == store.ScheduleOnce {
		return "", store.TaskCancelled
	}

	loc := time.UTC
	if task.Schedule.TZ != "" {
		if l, err := time.LoadLocation(task.Schedule.TZ); err == nil {
			loc = l
		}
	}
	ref := now.In(loc)
	next, err := gronx.NextTickAfter(task.Schedule.Expr, ref, false)
	if err != nil {
		logger.WarnCF("scheduler", "invalid cron expression, cancelling task", map[string]interface{}{
			"task_id": task.ID, "expr": task.Schedule.Expr, "error": err.Error(),
		})
		return "", store.TaskCancelled
	}
	return next.UTC().Format(time.RFC3339), ""
}

// coalescedRunCount counts how many additional due instants a cron task's
// expression would have produced strictly between its previous next_run and
// now; that many missed runs are recorded as "coalesced" rather than
// replayed, since the Scheduler only ever executes the task once per tick.
func coalescedRunCount(task store.ScheduledTask, now time.Time) int {
	if task.Schedule.Kind != store.ScheduleCron || task.NextRun == "" {
		return 0
	}
	prev, err := time.Parse(time.RFC3339, task.NextRun)
	if err != nil {
		return 0
	}

	loc := time.UTC
	if task.Schedule.TZ != "" {
		if l, err := time.LoadLocation(task.Schedule.TZ); err == nil {
			loc = l
		}
	}

	count := 0
	cursor := prev.In(loc)
	for i := 0; i < 1000; i++ {
		next, err := gronx.NextTickAfter(task.Schedule.Expr, cursor, false)
		if err != nil || !next.Before(now) {
			break
		}
		count++
		cursor = next
	}
	return count
}
