// Package distributor implements the task distributor: atomic coupling of a
// queue entry and a worker, lifecycle transitions thereafter, and the
// failure/timeout handling policy that requeues or dead-letters a task.
package distributor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/warren/pkg/coreerrors"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/workers"
)

// DefaultSweepInterval is how often the background timeout sweep runs.
const DefaultSweepInterval = 10 * time.Second

// Binding is a successful coupling of a task to a worker.
type Binding struct {
	Task   *types.Task
	Worker *types.Worker
}

// Distributor is the task distributor component.
type Distributor struct {
	queue   *queue.Queue
	workers *workers.Manager
	store   storage.Store

	strategy workers.Strategy

	considerCapabilities bool
	respectAffinity      bool
	maxLoadThreshold     float64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Distributor wired to queue, workerMgr and store, using
// strategy as the default worker-selection policy for general selection.
// considerCapabilities and respectAffinity gate whether FindWorkerForTask
// applies required-capability filtering and affinity precedence at all;
// maxLoadThreshold excludes workers at or above that fraction of capacity
// from general selection (<=0 disables the soft-load filter).
func New(q *queue.Queue, workerMgr *workers.Manager, store storage.Store, strategy workers.Strategy, considerCapabilities, respectAffinity bool, maxLoadThreshold float64) *Distributor {
	return &Distributor{
		queue:                q,
		workers:              workerMgr,
		store:                store,
		strategy:             strategy,
		considerCapabilities: considerCapabilities,
		respectAffinity:      respectAffinity,
		maxLoadThreshold:     maxLoadThreshold,
	}
}

// FindWorkerForTask resolves a worker for task per the affinity precedence:
// required_worker, same_worker_as, preferred_worker, exclusion-filtered
// general selection.
func (d *Distributor) FindWorkerForTask(task *types.Task) (*types.Worker, error) {
	if d.respectAffinity && task.Affinity != nil {
		aff := task.Affinity

		if aff.RequiredWorker != "" {
			w, err := d.workers.Get(aff.RequiredWorker)
			if err != nil {
				return nil, nil
			}
			if !w.Active() || !d.withinLoadThreshold(w) {
				return nil, nil
			}
			return w, nil
		}

		if aff.SameWorkerAs != "" {
			refTask, err := d.queue.Get(aff.SameWorkerAs)
			if err == nil && refTask.AssignedWorker != "" {
				w, err := d.workers.Get(refTask.AssignedWorker)
				if err == nil && w.Active() && d.withinLoadThreshold(w) {
					return w, nil
				}
			}
			// Falls through to general selection below.
		}

		if aff.PreferredWorker != "" {
			w, err := d.workers.Get(aff.PreferredWorker)
			if err == nil && w.Active() && d.withinLoadThreshold(w) {
				return w, nil
			}
			// Miss falls through to general selection.
		}
	}

	candidates, err := d.workers.GetActive()
	if err != nil {
		return nil, err
	}
	var excluded map[string]struct{}
	if d.respectAffinity && task.Affinity != nil {
		excluded = task.Affinity.ExcludedWorkers
	}

	filtered := candidates[:0:0]
	for _, w := range candidates {
		if excluded != nil {
			if _, skip := excluded[w.ID]; skip {
				continue
			}
		}
		filtered = append(filtered, w)
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	var required map[string]struct{}
	if d.considerCapabilities && len(task.RequiredCapabilities) > 0 {
		required = task.RequiredCapabilities
	}
	return d.workers.SelectWorker(d.strategy, required, d.maxLoadThreshold)
}

// withinLoadThreshold reports whether w has hard capacity left and, when
// maxLoadThreshold is set, sits below that fraction of its capacity. Used
// for the affinity-precedence paths in FindWorkerForTask, which bypass
// SelectWorker's own filtering.
func (d *Distributor) withinLoadThreshold(w *types.Worker) bool {
	if w.CurrentLoad >= w.MaxLoad {
		return false
	}
	if d.maxLoadThreshold > 0 && w.LoadFactor() >= d.maxLoadThreshold {
		return false
	}
	return true
}

// Assign transactionally couples taskID to workerID: queue.Assign,
// worker.IncrementLoad, and an assignment row insert.
func (d *Distributor) Assign(taskID, workerID string, reason types.AssignmentReason) error {
	if err := d.queue.Assign(taskID, workerID); err != nil {
		return err
	}
	if err := d.workers.IncrementLoad(workerID); err != nil {
		return err
	}
	a := &types.Assignment{
		TaskID:     taskID,
		WorkerID:   workerID,
		AssignedAt: time.Now(),
		Reason:     reason,
	}
	if err := d.store.PutAssignment(a); err != nil {
		return fmt.Errorf("record assignment: %w", err)
	}
	return nil
}

func assignmentReason(task *types.Task) types.AssignmentReason {
	if task.Affinity != nil && task.Affinity.RequiredWorker != "" {
		return types.ReasonRequiredWorker
	}
	if task.Affinity != nil && (task.Affinity.PreferredWorker != "" || task.Affinity.SameWorkerAs != "") {
		return types.ReasonAffinity
	}
	if len(task.RequiredCapabilities) > 0 {
		return types.ReasonCapabilityMatch
	}
	return types.ReasonLoadBalance
}

// AssignNext peeks the queue and, if a worker is found, atomically binds
// them. If no worker is available the task stays pending.
func (d *Distributor) AssignNext() (*Binding, error) {
	task, err := d.queue.Peek()
	if err != nil || task == nil {
		return nil, err
	}

	worker, err := d.FindWorkerForTask(task)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, nil
	}

	if err := d.Assign(task.ID, worker.ID, assignmentReason(task)); err != nil {
		return nil, err
	}
	return &Binding{Task: task, Worker: worker}, nil
}

// StartTask transitions id from assigned to running, worker-initiated. A
// task whose status is timeout yields a typed TaskTimeoutError. The timeout
// sweep requeues or dead-letters a timed-out task right away, so a late start
// usually finds it pending or failed, and UpdateStatus ignores that
// transition with a logged warning.
func (d *Distributor) StartTask(id string) error {
	task, err := d.queue.Get(id)
	if err != nil {
		return err
	}
	if task.Status == types.TaskTimeout {
		return &coreerrors.TaskTimeoutError{TaskID: id, TimeoutMS: task.TimeoutMS}
	}
	return d.queue.UpdateStatus(id, types.TaskRunning, "")
}

// CompleteTask records the outcome of an execution attempt: writes a result
// row, sets terminal queue status, closes the assignment, and decrements
// worker load. Failures are handed to the retry/dead-letter policy.
func (d *Distributor) CompleteTask(id string, success bool, result []byte, errMsg, stack string) error {
	task, err := d.queue.Get(id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	var durationMS int64
	if !task.StartedAt.IsZero() {
		durationMS = time.Since(task.StartedAt).Milliseconds()
	}

	r := &types.TaskResult{
		TaskID:      id,
		Success:     success,
		Result:      result,
		Error:       errMsg,
		Stack:       stack,
		DurationMS:  durationMS,
		WorkerID:    task.AssignedWorker,
		CompletedAt: time.Now(),
	}
	if err := d.store.PutResult(r); err != nil {
		return fmt.Errorf("write task result: %w", err)
	}

	if err := d.closeAssignmentAndDecrement(task.AssignedWorker, id); err != nil {
		return err
	}

	if success {
		return d.queue.UpdateStatus(id, types.TaskCompleted, "")
	}

	if err := d.queue.UpdateStatus(id, types.TaskFailed, errMsg); err != nil {
		return err
	}
	return d.handleFailure(task, errMsg, stack)
}

func (d *Distributor) closeAssignmentAndDecrement(workerID, taskID string) error {
	if workerID == "" {
		return nil
	}
	if err := d.workers.DecrementLoad(workerID); err != nil {
		return err
	}
	a, err := d.store.GetAssignment(taskID)
	if err == nil {
		a.Closed = true
		if err := d.store.PutAssignment(a); err != nil {
			return err
		}
	}
	return nil
}

// CancelTask transitions id to cancelled, decrementing load if assigned.
func (d *Distributor) CancelTask(id string) error {
	task, err := d.queue.Get(id)
	if err != nil {
		return err
	}
	if task.AssignedWorker != "" {
		if err := d.closeAssignmentAndDecrement(task.AssignedWorker, id); err != nil {
			return err
		}
	}
	return d.queue.Cancel(id)
}

// ReassignTask moves id from its current worker to newWorkerID, incrementing
// the reassignment counter.
func (d *Distributor) ReassignTask(id, newWorkerID string) error {
	task, err := d.queue.Get(id)
	if err != nil {
		return err
	}

	newWorker, err := d.workers.Get(newWorkerID)
	if err != nil {
		return err
	}
	if !newWorker.Active() || !d.withinLoadThreshold(newWorker) {
		return &coreerrors.NoAvailableWorkerError{TaskID: id, Reason: "reassignment target is offline or at capacity"}
	}

	reassignCount := 0
	if task.AssignedWorker != "" {
		if err := d.workers.DecrementLoad(task.AssignedWorker); err != nil {
			return err
		}
		if a, err := d.store.GetAssignment(id); err == nil {
			a.Closed = true
			reassignCount = a.ReassignmentCount + 1
			_ = d.store.PutAssignment(a)
		}
	}

	if err := d.queue.Assign(id, newWorkerID); err != nil {
		return err
	}
	if err := d.workers.IncrementLoad(newWorkerID); err != nil {
		return err
	}
	a := &types.Assignment{
		TaskID:            id,
		WorkerID:          newWorkerID,
		AssignedAt:        time.Now(),
		Reason:            types.ReasonManual,
		ReassignmentCount: reassignCount,
	}
	return d.store.PutAssignment(a)
}

// CheckTimeouts reads the timeout-candidates view and invokes handleTimeout
// for each, returning the list processed.
func (d *Distributor) CheckTimeouts() ([]*types.Task, error) {
	candidates, err := storage.TimeoutCandidates(d.store, time.Now())
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if err := d.handleTimeout(t); err != nil {
			log.Error(fmt.Sprintf("handle timeout for task %s: %v", t.ID, err))
		}
	}
	return candidates, nil
}

func (d *Distributor) handleTimeout(task *types.Task) error {
	if err := d.queue.UpdateStatus(task.ID, types.TaskTimeout, "task exceeded configured timeout"); err != nil {
		return err
	}
	if task.AssignedWorker != "" {
		if err := d.closeAssignmentAndDecrement(task.AssignedWorker, task.ID); err != nil {
			return err
		}
		if err := d.workers.RecordFailure(task.AssignedWorker); err != nil {
			return err
		}
	}
	return d.handleFailure(task, "task exceeded configured timeout", "")
}

// handleFailure implements the retry/dead-letter policy: increment the
// attempt counter, dead-letter on exhaustion, otherwise requeue. The backoff
// delay is advisory — computed for observability but not currently enforced
// as a not_before filter in Peek/Dequeue.
func (d *Distributor) handleFailure(task *types.Task, errMsg, stack string) error {
	attempts, err := d.queue.IncrementAttempt(task.ID)
	if err != nil {
		return err
	}

	if attempts > task.MaxRetries {
		return d.queue.MoveToDeadLetter(task.ID, errMsg, stack)
	}

	if task.RetryPolicy != nil {
		_ = retryDelay(task.RetryPolicy, attempts)
	}
	return d.queue.Requeue(task.ID)
}

// retryDelay computes the exponential backoff delay for the given attempt
// count under policy, capped at MaxDelay.
func retryDelay(policy *types.RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = policy.BackoffFactor
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// Start spins up the background timeout sweep at interval. Errors in the
// sweep are logged and do not stop the timer.
func (d *Distributor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := d.CheckTimeouts(); err != nil {
					log.Error(fmt.Sprintf("timeout sweep error: %v", err))
				}
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the timeout sweep. Idempotent.
func (d *Distributor) Stop() {
	if d.stopCh == nil {
		return
	}
	select {
	case <-d.stopCh:
		return
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}
