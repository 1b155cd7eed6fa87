package store

import "database/sql"

// ScheduleKind distinguishes a recurring cron trigger from a one-shot instant.
type ScheduleKind string

const (
	ScheduleCron ScheduleKind = "cron"
	ScheduleOnce ScheduleKind = "once"
)

// TaskState is the lifecycle state of a ScheduledTask.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPaused    TaskState = "paused"
	TaskCancelled TaskState = "cancelled"
)

// Schedule is the (kind, expr/tz | instant) pair controlling when a task runs.
type Schedule struct {
	Kind     ScheduleKind
	Expr     string // 6-field cron expression, set when Kind == cron
	TZ       string // IANA timezone name, set when Kind == cron
	Instant  string // ISO-8601 UTC instant, set when Kind == once
}

// TaskHistoryEntry is one run record for a ScheduledTask.
type TaskHistoryEntry struct {
	RanAt          string
	Outcome        string
	Detail         string
	RuntimeMS      int64
	CoalescedCount int
}

// ScheduledTask is a unit of deferred or recurring work run by the Scheduler
// as a synthetic AgentLoop turn.
type ScheduledTask struct {
	ID             string
	InternalChatID int64
	Prompt         string
	Schedule       Schedule
	State          TaskState
	LastRun        string
	NextRun        string
	History        []TaskHistoryEntry
}

// CreateScheduledTask inserts a new task and returns its generated ID.
func (s *Store) CreateScheduledTask(t ScheduledTask) (string, error) {
	id := t.ID
	if id == "" {
		id = newID()
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks
			(id, internal_chat_id, prompt, schedule_kind, schedule_expr, schedule_tz, schedule_instant, state, last_run, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, t.InternalChatID, t.Prompt, string(t.Schedule.Kind), t.Schedule.Expr, t.Schedule.TZ, t.Schedule.Instant,
		string(t.State), nullIfEmpty(t.LastRun), nullIfEmpty(t.NextRun), nowISO())
	if err != nil {
		return "", classifySQLiteError("store: create scheduled task", err)
	}
	return id, nil
}

// DueTasks returns active tasks whose next_run is at or before now (ISO-8601
// UTC), used by the Scheduler's poll tick.
func (s *Store) DueTasks(nowISOStr string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, internal_chat_id, prompt, schedule_kind, COALESCE(schedule_expr,''), COALESCE(schedule_tz,''),
		       COALESCE(schedule_instant,''), state, COALESCE(last_run,''), COALESCE(next_run,'')
		FROM scheduled_tasks
		WHERE state = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, nowISOStr)
	if err != nil {
		return nil, classifySQLiteError("store: due tasks", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

// GetScheduledTask returns a task by ID.
func (s *Store) GetScheduledTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`
		SELECT id, internal_chat_id, prompt, schedule_kind, COALESCE(schedule_expr,''), COALESCE(schedule_tz,''),
		       COALESCE(schedule_instant,''), state, COALESCE(last_run,''), COALESCE(next_run,'')
		FROM scheduled_tasks WHERE id = ?
	`, id)
	var t ScheduledTask
	var kind, state string
	if err := row.Scan(&t.ID, &t.InternalChatID, &t.Prompt, &kind, &t.Schedule.Expr, &t.Schedule.TZ,
		&t.Schedule.Instant, &state, &t.LastRun, &t.NextRun); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classifySQLiteError("store: get scheduled task", err)
	}
	t.Schedule.Kind = ScheduleKind(kind)
	t.State = TaskState(state)
	return &t, nil
}

// ListScheduledTasks returns all tasks for a chat, or all tasks if
// internalChatID is 0.
func (s *Store) ListScheduledTasks(internalChatID int64) ([]ScheduledTask, error) {
	var rows *sql.Rows
	var err error
	if internalChatID > 0 {
		rows, err = s.db.Query(`
			SELECT id, internal_chat_id, prompt, schedule_kind, COALESCE(schedule_expr,''), COALESCE(schedule_tz,''),
			       COALESCE(schedule_instant,''), state, COALESCE(last_run,''), COALESCE(next_run,'')
			FROM scheduled_tasks WHERE internal_chat_id = ? ORDER BY id
		`, internalChatID)
	} else {
		rows, err = s.db.Query(`
			SELECT id, internal_chat_id, prompt, schedule_kind, COALESCE(schedule_expr,''), COALESCE(schedule_tz,''),
			       COALESCE(schedule_instant,''), state, COALESCE(last_run,''), COALESCE(next_run,'')
			FROM scheduled_tasks ORDER BY id
		`)
	}
	if err != nil {
		return nil, classifySQLiteError("store: list scheduled tasks", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

// UpdateTaskState sets a task's lifecycle state (active/paused/cancelled).
// Pausing or cancelling clears next_run; re-activating leaves it to the
// caller to recompute.
func (s *Store) UpdateTaskState(id string, state TaskState) error {
	if state == TaskPaused || state == TaskCancelled {
		_, err := s.db.Exec(`UPDATE scheduled_tasks SET state = ?, next_run = NULL WHERE id = ?`, string(state), id)
		return classifySQLiteError("store: update task state", err)
	}
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET state = ? WHERE id = ?`, string(state), id)
	return classifySQLiteError("store: update task state", err)
}

// RecordTaskRun updates last_run/next_run after a run and appends a history
// entry. Passing an empty nextRun clears it (task becomes due for
// cancellation by the caller for one-shots).
func (s *Store) RecordTaskRun(id, ranAt, nextRun string, hist TaskHistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return classifySQLiteError("store: record task run", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE scheduled_tasks SET last_run = ?, next_run = ? WHERE id = ?`,
		ranAt, nullIfEmpty(nextRun), id)
	if err != nil {
		return classifySQLiteError("store: record task run", err)
	}

	_, err = tx.Exec(`
		INSERT INTO scheduled_task_history (task_id, ran_at, outcome, detail, runtime_ms, coalesced_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, hist.RanAt, hist.Outcome, hist.Detail, hist.RuntimeMS, hist.CoalescedCount)
	if err != nil {
		return classifySQLiteError("store: record task run", err)
	}

	return classifySQLiteError("store: record task run", tx.Commit())
}

// TaskHistory returns the run history for a task, most recent first.
func (s *Store) TaskHistory(id string, limit int) ([]TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT ran_at, outcome, COALESCE(detail,''), runtime_ms, coalesced_count
		FROM scheduled_task_history WHERE task_id = ? ORDER BY id DESC LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, classifySQLiteError("store: task history", err)
	}
	defer rows.Close()

	var out []TaskHistoryEntry
	for rows.Next() {
		var h TaskHistoryEntry
		if err := rows.Scan(&h.RanAt, &h.Outcome, &h.Detail, &h.RuntimeMS, &h.CoalescedCount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func scanScheduledTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var kind, state string
		if err := rows.Scan(&t.ID, &t.InternalChatID, &t.Prompt, &kind, &t.Schedule.Expr, &t.Schedule.TZ,
			&t.Schedule.Instant, &state, &t.LastRun, &t.NextRun); err != nil {
			return nil, err
		}
		t.Schedule.Kind = ScheduleKind(kind)
		t.State = TaskState(state)
		out = append(out, t)
	}
	return out, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
