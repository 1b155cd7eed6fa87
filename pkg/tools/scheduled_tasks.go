package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/store"
)

// ScheduledTasksTool exposes the formal Scheduler's store.ScheduledTask rows
// to the model for inspection and lifecycle control — listing what's due to
// run, checking a task's run history, and pausing/cancelling/resuming it.
// Creating a task goes through the "cron" tool instead; this tool only
// manages tasks that already exist.
type ScheduledTasksTool struct {
	store *store.Store
}

func NewScheduledTasksTool(st *store.Store) *ScheduledTasksTool {
	return &ScheduledTasksTool{store: st}
}

func (t *ScheduledTasksTool) Name() string { return "scheduled_tasks" }

func (t *ScheduledTasksTool) Description() string {
	return "List, inspect, pause, resume, or cancel scheduled tasks created via the cron tool. " +
		"Use action=list to see this chat's tasks, action=history for a task's run log, or action=pause/resume/cancel with a task_id."
}

func (t *ScheduledTasksTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action":  map[string]interface{}{"type": "string", "description": "list, history, pause, resume, or cancel"},
			"task_id": map[string]interface{}{"type": "string", "description": "Task ID, required for history/pause/resume/cancel"},
		},
		"required": []string{"action"},
	}
}

func (t *ScheduledTasksTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.store == nil {
		return "Error: the scheduler store is unavailable", nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "list":
		return t.list(args)
	case "history":
		return t.history(args)
	case "pause":
		return t.setState(args, store.TaskPaused), nil
	case "resume":
		return t.setState(args, store.TaskActive), nil
	case "cancel":
		return t.setState(args, store.TaskCancelled), nil
	default:
		return "", fmt.Errorf("unknown scheduled_tasks action: %q", action)
	}
}

func (t *ScheduledTasksTool) list(args map[string]interface{}) (string, error) {
	var internalChatID int64
	channel, chatID := getExecutionContext(args)
	if channel != "" && chatID != "" {
		id, err := t.store.ResolveChat(channel, chatID, store.ChatKindDirect)
		if err == nil {
			internalChatID = id
		}
	}

	tasks, err := t.store.ListScheduledTasks(internalChatID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var sb strings.Builder
	sb.WriteString("Scheduled tasks:\n")
	for _, tk := range tasks {
		sb.WriteString(fmt.Sprintf("- %s [%s/%s] next_run=%s: %q\n", tk.ID, tk.Schedule.Kind, tk.State, tk.NextRun, tk.Prompt))
	}
	return sb.String(), nil
}

func (t *ScheduledTasksTool) history(args map[string]interface{}) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "Error: task_id is required", nil
	}

	entries, err := t.store.TaskHistory(taskID, 10)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No run history for task %s.", taskID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run history for %s:\n", taskID))
	for _, h := range entries {
		sb.WriteString(fmt.Sprintf("- %s: %s (%dms)%s\n", h.RanAt, h.Outcome, h.RuntimeMS, coalescedSuffix(h.CoalescedCount)))
	}
	return sb.String(), nil
}

func coalescedSuffix(count int) string {
	if count == 0 {
		return ""
	}
	return fmt.Sprintf(" [%d coalesced]", count)
}

func (t *ScheduledTasksTool) setState(args map[string]interface{}, state store.TaskState) string {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "Error: task_id is required"
	}
	task, err := t.store.GetScheduledTask(taskID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if task == nil {
		return fmt.Sprintf("Error: task %s not found", taskID)
	}
	if err := t.store.UpdateTaskState(taskID, state); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return fmt.Sprintf("Task %s is now %s", taskID, state)
}
