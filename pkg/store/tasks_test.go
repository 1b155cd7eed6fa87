package store

import (
	"testing"
	"time"
)

func TestCreateScheduledTask_GeneratesIDWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)

	id, err := s.CreateScheduledTask(ScheduledTask{
		InternalChatID: chatID,
		Prompt:         "say hi",
		Schedule:       Schedule{Kind: ScheduleOnce, Instant: nowISO()},
		State:          TaskActive,
		NextRun:        nowISO(),
	})
	if err != nil {
		t.Fatalf("CreateScheduledTask failed: %v", err)
	}
	if id == "" {
		t.Error("expected a generated task id")
	}
}

func TestCreateScheduledTask_HonorsProvidedID(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)

	id, err := s.CreateScheduledTask(ScheduledTask{
		ID:             "job-123",
		InternalChatID: chatID,
		Prompt:         "say hi",
		Schedule:       Schedule{Kind: ScheduleOnce, Instant: nowISO()},
		State:          TaskActive,
	})
	if err != nil {
		t.Fatalf("CreateScheduledTask failed: %v", err)
	}
	if id != "job-123" {
		t.Errorf("expected the provided ID to be honored, got %q", id)
	}
}

// TestDueTasks_OnlyActiveAndDue covers §8 scenario 4's polling side: only
// active tasks whose next_run has elapsed are returned.
func TestDueTasks_OnlyActiveAndDue(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	dueID, _ := s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "due", Schedule: Schedule{Kind: ScheduleOnce, Instant: past}, State: TaskActive, NextRun: past})
	s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "not due", Schedule: Schedule{Kind: ScheduleOnce, Instant: future}, State: TaskActive, NextRun: future})
	pausedID, _ := s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "paused", Schedule: Schedule{Kind: ScheduleOnce, Instant: past}, State: TaskActive, NextRun: past})
	s.UpdateTaskState(pausedID, TaskPaused)

	due, err := s.DueTasks(time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("DueTasks failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueID {
		t.Fatalf("expected only the one active, past-due task, got %+v", due)
	}
}

func TestGetScheduledTask_NotFoundReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	task, err := s.GetScheduledTask("nonexistent")
	if err != nil {
		t.Fatalf("expected no error for a missing task, got %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task, got %+v", task)
	}
}

func TestListScheduledTasks_FiltersByChatWhenGiven(t *testing.T) {
	s := newTestStore(t)
	chatA, _ := s.ResolveChat("telegram", "a", ChatKindDirect)
	chatB, _ := s.ResolveChat("telegram", "b", ChatKindDirect)

	s.CreateScheduledTask(ScheduledTask{InternalChatID: chatA, Prompt: "a1", Schedule: Schedule{Kind: ScheduleOnce, Instant: nowISO()}, State: TaskActive})
	s.CreateScheduledTask(ScheduledTask{InternalChatID: chatB, Prompt: "b1", Schedule: Schedule{Kind: ScheduleOnce, Instant: nowISO()}, State: TaskActive})

	tasksA, err := s.ListScheduledTasks(chatA)
	if err != nil {
		t.Fatalf("ListScheduledTasks failed: %v", err)
	}
	if len(tasksA) != 1 || tasksA[0].Prompt != "a1" {
		t.Fatalf("expected only chat A's task, got %+v", tasksA)
	}

	allTasks, err := s.ListScheduledTasks(0)
	if err != nil {
		t.Fatalf("ListScheduledTasks(0) failed: %v", err)
	}
	if len(allTasks) != 2 {
		t.Fatalf("expected both tasks when no chat filter is given, got %d", len(allTasks))
	}
}

func TestUpdateTaskState_PauseClearsNextRun(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)
	id, _ := s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "x", Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *"}, State: TaskActive, NextRun: nowISO()})

	if err := s.UpdateTaskState(id, TaskPaused); err != nil {
		t.Fatalf("UpdateTaskState failed: %v", err)
	}

	task, err := s.GetScheduledTask(id)
	if err != nil {
		t.Fatalf("GetScheduledTask failed: %v", err)
	}
	if task.State != TaskPaused {
		t.Errorf("expected state paused, got %q", task.State)
	}
	if task.NextRun != "" {
		t.Errorf("expected next_run cleared on pause, got %q", task.NextRun)
	}
}

func TestRecordTaskRun_UpdatesTaskAndAppendsHistory(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)
	id, _ := s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "x", Schedule: Schedule{Kind: ScheduleOnce, Instant: nowISO()}, State: TaskActive, NextRun: nowISO()})

	ranAt := nowISO()
	if err := s.RecordTaskRun(id, ranAt, "", TaskHistoryEntry{RanAt: ranAt, Outcome: "ok", RuntimeMS: 42}); err != nil {
		t.Fatalf("RecordTaskRun failed: %v", err)
	}

	task, err := s.GetScheduledTask(id)
	if err != nil {
		t.Fatalf("GetScheduledTask failed: %v", err)
	}
	if task.LastRun != ranAt {
		t.Errorf("expected last_run to be updated, got %q", task.LastRun)
	}
	if task.NextRun != "" {
		t.Errorf("expected next_run cleared when passed empty, got %q", task.NextRun)
	}

	history, err := s.TaskHistory(id, 10)
	if err != nil {
		t.Fatalf("TaskHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "ok" || history[0].RuntimeMS != 42 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestTaskHistory_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", ChatKindDirect)
	id, _ := s.CreateScheduledTask(ScheduledTask{InternalChatID: chatID, Prompt: "x", Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *"}, State: TaskActive, NextRun: nowISO()})

	s.RecordTaskRun(id, "2026-01-01T00:00:00Z", nowISO(), TaskHistoryEntry{RanAt: "2026-01-01T00:00:00Z", Outcome: "ok"})
	s.RecordTaskRun(id, "2026-01-02T00:00:00Z", nowISO(), TaskHistoryEntry{RanAt: "2026-01-02T00:00:00Z", Outcome: "error"})

	history, err := s.TaskHistory(id, 10)
	if err != nil {
		t.Fatalf("TaskHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Outcome != "error" {
		t.Errorf("expected most recent run first, got %q", history[0].Outcome)
	}
}
