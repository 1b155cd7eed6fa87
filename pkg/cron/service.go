// Package cron implements the lightweight, file-persisted job runner behind
// the "cron" tool: a user (or the model, on the user's behalf) schedules a
// one-shot or recurring prompt, and CronService replays it through the
// agent loop at the computed time. This sits alongside the Store-backed
// ScheduledTask model (pkg/store) that the formal Scheduler component
// operates on; CronService is the concrete engine a single process runs.
package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// CronSchedule is one job's trigger: either a fixed-interval repeat
// ("every"), a single future instant ("at"), or a 6-field cron expression
// ("cron").
type CronSchedule struct {
	Kind    string `json:"kind"` // "every" | "at" | "cron"
	EveryMS *int64 `json:"every_ms,omitempty"`
	AtMS    *int64 `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// CronPayload is what runs when the job fires: a prompt, and optionally a
// direct delivery target bypassing the agent loop entirely.
type CronPayload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronJobState tracks the next/last fire time, independent of the schedule
// definition itself so recomputation never loses history.
type CronJobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
	RunCount    int    `json:"run_count"`
}

// CronJob is one scheduled entry: a name, its trigger, its payload, and
// mutable run state.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	Enabled        bool         `json:"enabled"`
	DeleteAfterRun bool         `json:"delete_after_run"`
	State          CronJobState `json:"state"`
	CreatedAtMS    int64        `json:"created_at_ms"`
}

type cronStore struct {
	Jobs []*CronJob `json:"jobs"`
}

// RunFunc executes a due job and returns a human-readable result (or an
// error) describing what happened.
type RunFunc func(job *CronJob) (string, error)

// CronService owns the job list, persists it to a JSON file on every
// mutation, and (once Start is called) polls for due jobs on a ticker.
type CronService struct {
	mu        sync.Mutex
	storePath string
	store     *cronStore
	run       RunFunc
	gron      gronx.Gronx

	stopCh  chan struct{}
	stopped bool
	started bool
}

// NewCronService loads (or initializes) the job store at storePath. run may
// be nil in tests that only exercise CRUD operations, never Start.
func NewCronService(storePath string, run RunFunc) *CronService {
	cs := &CronService{
		storePath: storePath,
		store:     &cronStore{Jobs: []*CronJob{}},
		run:       run,
		gron:      gronx.New(),
	}
	cs.load()
	return cs
}

func (cs *CronService) load() {
	if cs.storePath == "" {
		return
	}
	data, err := os.ReadFile(cs.storePath)
	if err != nil {
		return
	}
	var loaded cronStore
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.WarnCF("cron", "failed to parse cron store, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	if loaded.Jobs == nil {
		loaded.Jobs = []*CronJob{}
	}
	cs.store = &loaded
}

// save persists the current job list. Caller must hold cs.mu.
func (cs *CronService) save() {
	if cs.storePath == "" {
		return
	}
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		logger.WarnCF("cron", "failed to marshal cron store", map[string]interface{}{"error": err.Error()})
		return
	}
	if dir := filepath.Dir(cs.storePath); dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	tmp := cs.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.WarnCF("cron", "failed to write cron store", map[string]interface{}{"error": err.Error()})
		return
	}
	_ = os.Rename(tmp, cs.storePath)
}

// computeNextRun returns the next fire time in epoch-ms for a schedule,
// evaluated relative to nowMS, or nil if the schedule can never fire again.
func (cs *CronService) computeNextRun(sched *CronSchedule, nowMS int64) *int64 {
	switch sched.Kind {
	case "every":
		if sched.EveryMS == nil || *sched.EveryMS <= 0 {
			return nil
		}
		next := nowMS + *sched.EveryMS
		return &next
	case "at":
		if sched.AtMS == nil {
			return nil
		}
		if *sched.AtMS <= nowMS {
			return nil
		}
		at := *sched.AtMS
		return &at
	case "cron":
		if sched.Expr == "" {
			return nil
		}
		next, err := gronx.NextTickAfter(sched.Expr, time.UnixMilli(nowMS), false)
		if err != nil {
			return nil
		}
		ms := next.UnixMilli()
		return &ms
	default:
		return nil
	}
}

// AddJob creates and persists a new job, computing its initial next-run
// time. "at" schedules are marked DeleteAfterRun since they fire once.
func (cs *CronService) AddJob(name string, sched CronSchedule, message string, deliver bool, channel, to string) (*CronJob, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now().UnixMilli()
	job := &CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Schedule:       sched,
		Payload:        CronPayload{Message: message, Deliver: deliver, Channel: channel, To: to},
		Enabled:        true,
		DeleteAfterRun: sched.Kind == "at",
		CreatedAtMS:    now,
	}
	job.State.NextRunAtMS = cs.computeNextRun(&sched, now)

	cs.store.Jobs = append(cs.store.Jobs, job)
	cs.save()
	return job, nil
}

func (cs *CronService) find(id string) *CronJob {
	for _, j := range cs.store.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// RemoveJob deletes a job by ID, returning false if it did not exist.
func (cs *CronService) RemoveJob(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, j := range cs.store.Jobs {
		if j.ID == id {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
			cs.save()
			return true
		}
	}
	return false
}

// EnableJob toggles a job's Enabled flag, recomputing NextRunAtMS (nil when
// disabling, recomputed from now when re-enabling). Returns nil if the job
// does not exist.
func (cs *CronService) EnableJob(id string, enabled bool) *CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	job := cs.find(id)
	if job == nil {
		return nil
	}

	job.Enabled = enabled
	if !enabled {
		job.State.NextRunAtMS = nil
	} else {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, time.Now().UnixMilli())
	}
	cs.save()
	return job
}

// ListJobs returns every job if all is true, else only enabled ones.
func (cs *CronService) ListJobs(all bool) []*CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]*CronJob, 0, len(cs.store.Jobs))
	for _, j := range cs.store.Jobs {
		if all || j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

// Status reports job counts and whether the poll loop is running.
func (cs *CronService) Status() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return map[string]interface{}{
		"jobs":    len(cs.store.Jobs),
		"enabled": cs.started,
	}
}

// Start begins polling for due jobs every second. Idempotent: calling Start
// while already running is a no-op.
func (cs *CronService) Start() error {
	cs.mu.Lock()
	if cs.started {
		cs.mu.Unlock()
		return nil
	}
	cs.stopCh = make(chan struct{})
	cs.started = true
	stopCh := cs.stopCh
	cs.mu.Unlock()

	go cs.loop(stopCh)
	return nil
}

// Stop halts the poll loop. Idempotent and safe to call before Start.
func (cs *CronService) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.started {
		return
	}
	cs.started = false
	close(cs.stopCh)
}

func (cs *CronService) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			cs.tick()
		}
	}
}

func (cs *CronService) tick() {
	now := time.Now().UnixMilli()

	cs.mu.Lock()
	var due []*CronJob
	for _, j := range cs.store.Jobs {
		if j.Enabled && j.State.NextRunAtMS != nil && *j.State.NextRunAtMS <= now {
			due = append(due, j)
		}
	}
	cs.mu.Unlock()

	for _, job := range due {
		cs.runJob(job)
	}
}

func (cs *CronService) runJob(job *CronJob) {
	var result string
	var err error
	if cs.run != nil {
		result, err = cs.run(job)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now().UnixMilli()
	job.State.LastRunAtMS = &now
	job.State.RunCount++
	if err != nil {
		job.State.LastResult = "error: " + err.Error()
	} else {
		job.State.LastResult = result
	}

	if job.DeleteAfterRun {
		job.Enabled = false
		job.State.NextRunAtMS = nil
	} else {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)
	}
	cs.save()
}
