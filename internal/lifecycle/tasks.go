package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/models"
	applog "github.com/narvanalabs/searchnode/pkg/logger"
)

// TaskState is the state of an asynchronous operation.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// maxFinishedTasks bounds how many finished tasks stay queryable.
const maxFinishedTasks = 256

// ErrDraining is returned by Submit once the manager is shutting down.
var ErrDraining = errors.New("lifecycle manager is draining")

// Task is an asynchronous lifecycle operation.
type Task struct {
	ID         string           `json:"id"`
	Operation  Operation        `json:"operation"`
	Node       string           `json:"node"`
	State      TaskState        `json:"state"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
	Result     any              `json:"result,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Job is the body of a task.
type Job func(ctx context.Context, report events.Reporter) (any, error)

type taskRegistry struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	wg       sync.WaitGroup
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func newTaskRegistry() *taskRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskRegistry{tasks: make(map[string]*Task), ctx: ctx, cancel: cancel}
}

// Submit runs job in the background and returns a snapshot of the queued
// task. Progress is published on the broker under the task ID.
func (m *Manager) Submit(op Operation, node string, job Job) (*Task, error) {
	r := m.tasks
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	task := &Task{
		ID:        uuid.NewString(),
		Operation: op,
		Node:      node,
		State:     TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	r.tasks[task.ID] = task
	r.prune()
	snapshot := *task
	r.wg.Add(1)
	r.mu.Unlock()

	report := m.broker.ReporterFor(task.ID, node, string(op))
	report.Report(events.PhaseQueued, 0, "queued")

	go func() {
		defer r.wg.Done()
		m.run(task, job, report)
	}()
	return &snapshot, nil
}

func (m *Manager) run(task *Task, job Job, report events.Reporter) {
	r := m.tasks
	log := m.logger.With("task_id", task.ID, "operation", task.Operation, "node", task.Node)

	r.mu.Lock()
	started := time.Now().UTC()
	task.State = TaskRunning
	task.StartedAt = &started
	r.mu.Unlock()

	result, err := job(applog.ContextWithTaskID(r.ctx, task.ID), report)

	r.mu.Lock()
	finished := time.Now().UTC()
	task.FinishedAt = &finished
	if err != nil {
		task.State = TaskFailed
		task.Error = err.Error()
		task.ErrorKind = models.KindOf(err)
	} else {
		task.State = TaskSucceeded
		task.Result = result
	}
	r.mu.Unlock()

	if err != nil {
		log.Warn("task failed", "error", err, "duration", finished.Sub(started))
		report.Report(events.PhaseFailed, 100, err.Error())
		return
	}
	log.Info("task finished", "duration", finished.Sub(started))
	report.Report(events.PhaseDone, 100, "done")
}

// Task returns a snapshot of a task.
func (m *Manager) Task(id string) (*Task, bool) {
	r := m.tasks
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	snapshot := *t
	return &snapshot, true
}

// Drain stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and Drain returns ctx's error.
func (m *Manager) Drain(ctx context.Context) error {
	r := m.tasks
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// prune drops the oldest finished tasks beyond maxFinishedTasks. Callers
// hold r.mu.
func (r *taskRegistry) prune() {
	var finished []*Task
	for _, t := range r.tasks {
		if t.FinishedAt != nil {
			finished = append(finished, t)
		}
	}
	if len(finished) <= maxFinishedTasks {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].FinishedAt.Before(*finished[j].FinishedAt)
	})
	for _, t := range finished[:len(finished)-maxFinishedTasks] {
		delete(r.tasks, t.ID)
	}
}
