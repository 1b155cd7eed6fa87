package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/store"
)

// AgentExecutor is the slice of AgentLoop a scheduled job needs: replaying
// its prompt as a synthetic turn in a given (channel, chatID) context.
type AgentExecutor interface {
	ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// CronTool exposes CronService's CRUD surface to the model as a tool named
// "cron", and separately serves as the CronService's RunFunc target so a
// due job either delivers directly to a channel or replays through the
// agent loop. When a structured Store is available, every "at" or "cron"
// job is mirrored into store.ScheduledTask so the formal Scheduler can poll
// and run it independently of this process's in-memory CronService; "every"
// (fixed-interval) jobs have no equivalent store.Schedule representation
// and stay CronService-only.
type CronTool struct {
	service  *cron.CronService
	executor AgentExecutor
	msgBus   *bus.MessageBus
	store    *store.Store // optional; nil disables the scheduled_tasks mirror
}

func NewCronTool(service *cron.CronService, executor AgentExecutor, msgBus *bus.MessageBus, st *store.Store) *CronTool {
	return &CronTool{service: service, executor: executor, msgBus: msgBus, store: st}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Schedule, list, enable/disable, or remove reminders and recurring tasks. " +
		"Use action=add with message plus one of at_seconds/cron_expr/every_seconds."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action":        map[string]interface{}{"type": "string", "description": "add, list, remove, enable, or disable"},
			"message":       map[string]interface{}{"type": "string", "description": "Prompt or text to run/deliver when the job fires"},
			"at_seconds":    map[string]interface{}{"type": "number", "description": "Fire once, this many seconds from now"},
			"every_seconds": map[string]interface{}{"type": "number", "description": "Fire repeatedly every N seconds"},
			"cron_expr":     map[string]interface{}{"type": "string", "description": "6-field cron expression for recurring schedules"},
			"deliver":       map[string]interface{}{"type": "boolean", "description": "Send message directly instead of running it through the agent"},
			"channel":       map[string]interface{}{"type": "string", "description": "Target channel; defaults to the current conversation"},
			"chat_id":       map[string]interface{}{"type": "string", "description": "Target chat ID; defaults to the current conversation"},
			"job_id":        map[string]interface{}{"type": "string", "description": "Job ID, for remove/enable/disable"},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(args)
	case "list":
		return t.list(), nil
	case "remove":
		return t.remove(args), nil
	case "enable":
		return t.setEnabled(args, true), nil
	case "disable":
		return t.setEnabled(args, false), nil
	default:
		return "", fmt.Errorf("unknown cron action: %q", action)
	}
}

func (t *CronTool) add(args map[string]interface{}) (string, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return "Error: message is required", nil
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	ctxChannel, ctxChatID := getExecutionContext(args)
	if channel == "" {
		channel = ctxChannel
	}
	if chatID == "" {
		chatID = ctxChatID
	}
	if channel == "" || chatID == "" {
		return "Error: no session context available to schedule this job", nil
	}

	deliver, _ := args["deliver"].(bool)

	var sched cron.CronSchedule
	switch {
	case args["at_seconds"] != nil:
		seconds, _ := args["at_seconds"].(float64)
		at := time.Now().Add(time.Duration(seconds) * time.Second).UnixMilli()
		sched = cron.CronSchedule{Kind: "at", AtMS: &at}
	case args["cron_expr"] != nil && args["cron_expr"].(string) != "":
		sched = cron.CronSchedule{Kind: "cron", Expr: args["cron_expr"].(string)}
	case args["every_seconds"] != nil:
		seconds, _ := args["every_seconds"].(float64)
		everyMS := int64(seconds * 1000)
		sched = cron.CronSchedule{Kind: "every", EveryMS: &everyMS}
	default:
		return "Error: one of at_seconds, cron_expr, or every_seconds is required", nil
	}

	name := fmt.Sprintf("job-%d", time.Now().UnixNano())
	job, err := t.service.AddJob(name, sched, message, deliver, channel, chatID)
	if err != nil {
		return "", err
	}

	t.mirrorToStore(job.ID, sched, message, channel, chatID)

	return fmt.Sprintf("Created job %s", job.ID), nil
}

// mirrorToStore writes the "at"/"cron" equivalent of a freshly created
// CronService job into the structured store, giving the formal Scheduler a
// store.ScheduledTask row to poll. Best-effort: a failure here leaves the
// CronService job as the sole record of the schedule and is only logged.
func (t *CronTool) mirrorToStore(jobID string, sched cron.CronSchedule, prompt, channel, chatID string) {
	if t.store == nil {
		return
	}

	var schedule store.Schedule
	switch sched.Kind {
	case "at":
		if sched.AtMS == nil {
			return
		}
		schedule = store.Schedule{Kind: store.ScheduleOnce, Instant: time.UnixMilli(*sched.AtMS).UTC().Format(time.RFC3339)}
	case "cron":
		schedule = store.Schedule{Kind: store.ScheduleCron, Expr: sched.Expr, TZ: "UTC"}
	default:
		// "every" (fixed-interval) schedules have no store.Schedule
		// representation (cron expr/tz or one-shot instant only); these
		// stay CronService-only by design.
		return
	}

	internalChatID, err := t.store.ResolveChat(channel, chatID, store.ChatKindDirect)
	if err != nil {
		logger.WarnCF("cron", "failed to resolve chat for scheduled task mirror", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}

	nextRun, err := nextRunFor(schedule)
	if err != nil {
		logger.WarnCF("cron", "failed to compute next run for scheduled task mirror", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}

	task := store.ScheduledTask{
		ID:             jobID,
		InternalChatID: internalChatID,
		Prompt:         prompt,
		Schedule:       schedule,
		State:          store.TaskActive,
		NextRun:        nextRun,
	}
	if _, err := t.store.CreateScheduledTask(task); err != nil {
		logger.WarnCF("cron", "failed to mirror scheduled task", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}
}

// nextRunFor computes the first fire instant for a freshly created
// schedule, the same way the Scheduler recomputes subsequent ones.
func nextRunFor(schedule store.Schedule) (string, error) {
	if schedule.Kind == store.ScheduleOnce {
		return schedule.Instant, nil
	}
	next, err := gronx.NextTickAfter(schedule.Expr, time.Now().UTC(), false)
	if err != nil {
		return "", err
	}
	return next.UTC().Format(time.RFC3339), nil
}

func (t *CronTool) list() string {
	jobs := t.service.ListJobs(true)
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}

	var sb strings.Builder
	sb.WriteString("Scheduled jobs:\n")
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		sb.WriteString(fmt.Sprintf("- %s [%s] (%s): %q -> %s:%s\n", j.ID, j.Schedule.Kind, status, j.Payload.Message, j.Payload.Channel, j.Payload.To))
	}
	return sb.String()
}

func (t *CronTool) remove(args map[string]interface{}) string {
	jobID, _ := args["job_id"].(string)
	if t.service.RemoveJob(jobID) {
		return fmt.Sprintf("Removed job %s", jobID)
	}
	return fmt.Sprintf("Error: job %s not found", jobID)
}

func (t *CronTool) setEnabled(args map[string]interface{}, enabled bool) string {
	jobID, _ := args["job_id"].(string)
	job := t.service.EnableJob(jobID, enabled)
	if job == nil {
		return fmt.Sprintf("Error: job %s not found", jobID)
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	return fmt.Sprintf("Job %s %s", jobID, state)
}

// ExecuteJob runs one due job, used as the CronService RunFunc. A
// deliver=true job skips the agent loop and is published straight to the
// outbound bus; otherwise its message is replayed as a synthetic turn.
func (t *CronTool) ExecuteJob(ctx context.Context, job *cron.CronJob) string {
	if job.Payload.Deliver {
		if t.msgBus != nil {
			t.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: job.Payload.Message,
				Final:   true,
			})
		}
		return "ok"
	}

	if t.executor == nil {
		return "Error: no agent executor configured"
	}

	sessionKey := fmt.Sprintf("cron-%s", job.ID)
	result, err := t.executor.ProcessDirectWithChannel(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}
