// Package queue implements the task queue: enqueue/dequeue/peek/mutate-status
// operations layered over the persistence store, enforcing priority ordering
// and attempt counting.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/coreerrors"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// Queue is the task queue component.
type Queue struct {
	store storage.Store
}

// New constructs a Queue over store.
func New(store storage.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue creates a pending task from submission and returns its id.
func (q *Queue) Enqueue(sub types.TaskSubmission) (string, error) {
	if sub.Type == "" {
		return "", coreerrors.New("invalid_submission", "task type must not be empty")
	}
	if sub.MaxRetries < 0 {
		return "", coreerrors.New("invalid_submission", "max_retries must be >= 0")
	}
	if sub.TimeoutMS <= 0 {
		return "", coreerrors.New("invalid_submission", "timeout_ms must be > 0")
	}

	priority := sub.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}

	t := &types.Task{
		ID:                   uuid.NewString(),
		Type:                 sub.Type,
		Payload:              sub.Payload,
		Priority:             priority,
		CreatedAt:            time.Now(),
		TimeoutMS:            sub.TimeoutMS,
		RetryPolicy:          sub.RetryPolicy,
		Affinity:             sub.Affinity,
		RequiredCapabilities: sub.RequiredCapabilities,
		Status:               types.TaskPending,
		MaxRetries:           sub.MaxRetries,
		ParentTaskID:         sub.ParentTaskID,
		Metadata:             sub.Metadata,
	}

	if err := q.store.CreateTask(t); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return t.ID, nil
}

// EnqueueBatch enqueues every submission, preserving input ordering in the
// returned id slice. All-or-nothing: on a failure partway, no task in the
// batch persists.
func (q *Queue) EnqueueBatch(subs []types.TaskSubmission) ([]string, error) {
	tasks := make([]*types.Task, 0, len(subs))
	ids := make([]string, 0, len(subs))

	for _, sub := range subs {
		if sub.Type == "" {
			return nil, coreerrors.New("invalid_submission", "task type must not be empty")
		}
		if sub.MaxRetries < 0 {
			return nil, coreerrors.New("invalid_submission", "max_retries must be >= 0")
		}
		if sub.TimeoutMS <= 0 {
			return nil, coreerrors.New("invalid_submission", "timeout_ms must be > 0")
		}
		priority := sub.Priority
		if priority == "" {
			priority = types.PriorityNormal
		}
		t := &types.Task{
			ID:                   uuid.NewString(),
			Type:                 sub.Type,
			Payload:              sub.Payload,
			Priority:             priority,
			CreatedAt:            time.Now(),
			TimeoutMS:            sub.TimeoutMS,
			RetryPolicy:          sub.RetryPolicy,
			Affinity:             sub.Affinity,
			RequiredCapabilities: sub.RequiredCapabilities,
			Status:               types.TaskPending,
			MaxRetries:           sub.MaxRetries,
			ParentTaskID:         sub.ParentTaskID,
			Metadata:             sub.Metadata,
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}

	for i, t := range tasks {
		if err := q.store.CreateTask(t); err != nil {
			for j := 0; j < i; j++ {
				_ = q.store.DeleteTask(tasks[j].ID)
			}
			return nil, fmt.Errorf("enqueue batch: %w", err)
		}
	}
	return ids, nil
}

// Peek returns the highest-priority oldest pending task without mutating it.
func (q *Queue) Peek() (*types.Task, error) {
	pending, err := storage.PendingTasksWithWaitTime(q.store, time.Now())
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0].Task, nil
}

// Dequeue returns the same task Peek would, advancing it to assigned-pending
// ("reserved") state. Only the distributor should call this.
func (q *Queue) Dequeue() (*types.Task, error) {
	t, err := q.Peek()
	if err != nil || t == nil {
		return t, err
	}
	t.Status = types.TaskAssigned
	if err := q.store.UpdateTask(t); err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	return t, nil
}

// Get returns the task by id, or a NotFoundError.
func (q *Queue) Get(id string) (*types.Task, error) {
	t, err := q.store.GetTask(id)
	if err != nil {
		return nil, coreerrors.TaskNotFound(id)
	}
	return t, nil
}

// validTransitions enumerates non-no-op status transitions.
var validTransitions = map[types.TaskStatus]map[types.TaskStatus]bool{
	types.TaskPending:  {types.TaskAssigned: true, types.TaskCancelled: true},
	types.TaskAssigned: {types.TaskRunning: true, types.TaskPending: true, types.TaskCancelled: true, types.TaskFailed: true, types.TaskTimeout: true},
	types.TaskRunning:  {types.TaskCompleted: true, types.TaskFailed: true, types.TaskTimeout: true, types.TaskCancelled: true},
}

// UpdateStatus transitions id to newStatus. Idempotent into terminal states;
// transitions violating the state machine are no-ops that log a warning.
func (q *Queue) UpdateStatus(id string, newStatus types.TaskStatus, taskErr string) error {
	t, err := q.store.GetTask(id)
	if err != nil {
		return coreerrors.TaskNotFound(id)
	}

	if t.Status.IsTerminal() {
		if t.Status == newStatus {
			return nil
		}
		log.Logger.Warn().Str("task_id", id).Str("from", string(t.Status)).Str("to", string(newStatus)).
			Msg("ignoring status transition out of terminal state")
		return nil
	}

	if t.Status != newStatus && !validTransitions[t.Status][newStatus] {
		log.Logger.Warn().Str("task_id", id).Str("from", string(t.Status)).Str("to", string(newStatus)).
			Msg("ignoring invalid task status transition")
		return nil
	}

	now := time.Now()
	t.Status = newStatus
	if taskErr != "" {
		t.LastError = taskErr
	}
	if newStatus == types.TaskRunning && t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	if newStatus.IsTerminal() {
		t.CompletedAt = now
	}

	if err := q.store.UpdateTask(t); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// Assign sets status assigned and records the chosen worker and time. Used
// both for the initial pending-to-assigned coupling and for reassignment of
// an already-assigned/running task to a new worker. A task a concurrent
// caller has already driven to a terminal status raises OptimisticLockError
// rather than silently resurrecting it.
func (q *Queue) Assign(taskID, workerID string) error {
	t, err := q.store.GetTask(taskID)
	if err != nil {
		return coreerrors.TaskNotFound(taskID)
	}
	if t.Status.IsTerminal() {
		return &coreerrors.OptimisticLockError{Entity: "task", ID: taskID}
	}
	t.Status = types.TaskAssigned
	t.AssignedWorker = workerID
	t.AssignedAt = time.Now()
	if err := q.store.UpdateTask(t); err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return nil
}

// IncrementAttempt increments id's attempt counter and returns the new count.
func (q *Queue) IncrementAttempt(id string) (int, error) {
	t, err := q.store.GetTask(id)
	if err != nil {
		return 0, coreerrors.TaskNotFound(id)
	}
	t.AttemptCount++
	if err := q.store.UpdateTask(t); err != nil {
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return t.AttemptCount, nil
}

// Requeue returns a failed/timeout task to pending, clearing its worker
// assignment while preserving attempt count and history.
func (q *Queue) Requeue(id string) error {
	t, err := q.store.GetTask(id)
	if err != nil {
		return coreerrors.TaskNotFound(id)
	}
	t.Status = types.TaskPending
	t.AssignedWorker = ""
	t.AssignedAt = time.Time{}
	t.StartedAt = time.Time{}
	if err := q.store.UpdateTask(t); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// Cancel transitions id to cancelled from any non-terminal state. No-op in
// terminal states.
func (q *Queue) Cancel(id string) error {
	t, err := q.store.GetTask(id)
	if err != nil {
		return coreerrors.TaskNotFound(id)
	}
	if t.Status.IsTerminal() {
		return nil
	}
	t.Status = types.TaskCancelled
	t.CompletedAt = time.Now()
	if err := q.store.UpdateTask(t); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// MoveToDeadLetter copies id into the dead-letter sink and marks the live
// record terminal (failed).
func (q *Queue) MoveToDeadLetter(id, errMsg, stack string) error {
	t, err := q.store.GetTask(id)
	if err != nil {
		return coreerrors.TaskNotFound(id)
	}

	entry := &types.DeadLetterEntry{
		TaskID:          t.ID,
		Type:            t.Type,
		OriginalPayload: t.Payload,
		FinalError:      errMsg,
		FinalStack:      stack,
		RetryCount:      t.AttemptCount,
		FinalStatus:     types.TaskFailed,
		CreatedAt:       t.CreatedAt,
		DeadLetteredAt:  time.Now(),
	}
	if t.AssignedWorker != "" {
		entry.WorkersAttempted = []string{t.AssignedWorker}
	}
	if err := q.store.PutDeadLetter(entry); err != nil {
		return fmt.Errorf("dead letter task: %w", err)
	}

	t.Status = types.TaskFailed
	t.LastError = errMsg
	t.CompletedAt = entry.DeadLetteredAt
	if err := q.store.UpdateTask(t); err != nil {
		return fmt.Errorf("dead letter task: %w", err)
	}
	return nil
}

// RequeueDeadLetter re-enqueues a dead-lettered task as a fresh pending task,
// for operator-driven recovery. Returns the new task's id.
func (q *Queue) RequeueDeadLetter(taskID string) (string, error) {
	entries, err := q.store.ListDeadLetters()
	if err != nil {
		return "", err
	}
	var found *types.DeadLetterEntry
	for _, e := range entries {
		if e.TaskID == taskID {
			found = e
			break
		}
	}
	if found == nil {
		return "", coreerrors.TaskNotFound(taskID)
	}
	return q.Enqueue(types.TaskSubmission{
		Type:      found.Type,
		Payload:   found.OriginalPayload,
		Priority:  types.PriorityNormal,
		TimeoutMS: 60_000,
	})
}

// GetPending returns up to limit pending tasks in priority/creation order.
func (q *Queue) GetPending(limit int) ([]*types.Task, error) {
	pending, err := storage.PendingTasksWithWaitTime(q.store, time.Now())
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*types.Task, len(pending))
	for i, p := range pending {
		out[i] = p.Task
	}
	return out, nil
}

// GetRunning returns every task currently in the running state.
func (q *Queue) GetRunning() ([]*types.Task, error) {
	tasks, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range tasks {
		if t.Status == types.TaskRunning {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetRunningOrAssigned returns every task currently assigned or running, for
// callers (such as a workflow runner driving a test double worker) that need
// to observe in-flight tasks regardless of which of those two states they're
// in.
func (q *Queue) GetRunningOrAssigned() ([]*types.Task, error) {
	tasks, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range tasks {
		if t.Status == types.TaskRunning || t.Status == types.TaskAssigned {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetStats returns aggregate queue counts and timing averages.
func (q *Queue) GetStats() (types.QueueStats, error) {
	return storage.QueueDepth(q.store)
}
