package storage

import (
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// StalenessThreshold is how long a worker may go without a heartbeat before
// it is considered stale by ActiveWorkersWithStaleness and StaleWorkers.
const StalenessThreshold = 30 * time.Second

// WorkerStaleness pairs a worker with how long it has been silent.
type WorkerStaleness struct {
	Worker     *types.Worker
	SinceLast  time.Duration
	Stale      bool
}

// ActiveWorkersWithStaleness lists every non-offline worker annotated with
// time since its last heartbeat, relative to now.
func ActiveWorkersWithStaleness(s Store, now time.Time) ([]WorkerStaleness, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerStaleness, 0, len(workers))
	for _, w := range workers {
		if w.State == types.WorkerOffline {
			continue
		}
		since := now.Sub(w.LastHeartbeat)
		out = append(out, WorkerStaleness{
			Worker:    w,
			SinceLast: since,
			Stale:     since > StalenessThreshold,
		})
	}
	return out, nil
}

// StaleWorkers returns the subset of active workers that have exceeded the
// staleness threshold; SystemHealthView reports their count. The heartbeat
// sweep does not use it: it marks workers offline via workers.Manager.GetStale.
func StaleWorkers(s Store, now time.Time) ([]*types.Worker, error) {
	annotated, err := ActiveWorkersWithStaleness(s, now)
	if err != nil {
		return nil, err
	}
	var stale []*types.Worker
	for _, a := range annotated {
		if a.Stale {
			stale = append(stale, a.Worker)
		}
	}
	return stale, nil
}

// PendingTaskWait pairs a pending task with how long it has waited so far.
type PendingTaskWait struct {
	Task    *types.Task
	WaitMS  int64
}

// PendingTasksWithWaitTime returns every pending task ordered by priority
// (descending) then creation time (ascending) — the queue's dequeue order —
// each annotated with elapsed wait time. BoltDB keeps no secondary index, so
// the ordering is computed here rather than by the storage engine.
func PendingTasksWithWaitTime(s Store, now time.Time) ([]PendingTaskWait, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []PendingTaskWait
	for _, t := range tasks {
		if t.Status != types.TaskPending {
			continue
		}
		out = append(out, PendingTaskWait{
			Task:   t,
			WaitMS: now.Sub(t.CreatedAt).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := types.PriorityValue(out[i].Task.Priority), types.PriorityValue(out[j].Task.Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].Task.CreatedAt.Before(out[j].Task.CreatedAt)
	})
	return out, nil
}

// TimeoutCandidates returns running or assigned tasks whose elapsed time
// exceeds their configured TimeoutMS, measured from StartedAt once the task
// has started and from AssignedAt before that.
func TimeoutCandidates(s Store, now time.Time) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range tasks {
		if t.Status != types.TaskRunning && t.Status != types.TaskAssigned {
			continue
		}
		if t.TimeoutMS <= 0 {
			continue
		}
		ref := t.AssignedAt
		if !t.StartedAt.IsZero() {
			ref = t.StartedAt
		}
		if ref.IsZero() {
			continue
		}
		elapsed := now.Sub(ref).Milliseconds()
		if elapsed > t.TimeoutMS {
			out = append(out, t)
		}
	}
	return out, nil
}

// WorkerPerformanceSummary returns the accumulated performance record for
// every known worker, sorted by success rate descending.
func WorkerPerformanceSummary(s Store) ([]*types.WorkerPerformance, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkerPerformance, 0, len(workers))
	for _, w := range workers {
		p, err := s.GetWorkerMetrics(w.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SuccessRate > out[j].SuccessRate
	})
	return out, nil
}

// QueueDepth computes QueueStats across the task bucket's current contents.
func QueueDepth(s Store) (types.QueueStats, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return types.QueueStats{}, err
	}
	deadLetters, err := s.ListDeadLetters()
	if err != nil {
		return types.QueueStats{}, err
	}

	var stats types.QueueStats
	var waitSum, durationSum float64
	var waitN, durationN int

	now := time.Now()
	for _, t := range tasks {
		switch t.Status {
		case types.TaskPending:
			stats.Pending++
			waitSum += float64(now.Sub(t.CreatedAt).Milliseconds())
			waitN++
		case types.TaskAssigned:
			stats.Assigned++
		case types.TaskRunning:
			stats.Running++
		case types.TaskCompleted:
			stats.Completed++
			if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
				durationSum += float64(t.CompletedAt.Sub(t.StartedAt).Milliseconds())
				durationN++
			}
		case types.TaskFailed:
			stats.Failed++
		case types.TaskTimeout:
			stats.Timeout++
		case types.TaskCancelled:
			stats.Cancelled++
		}
	}
	stats.DeadLettered = len(deadLetters)
	if waitN > 0 {
		stats.AvgWaitMS = waitSum / float64(waitN)
	}
	if durationN > 0 {
		stats.AvgDurationMS = durationSum / float64(durationN)
	}
	return stats, nil
}

// WorkerPoolStats computes WorkerStats across the worker bucket's current
// contents.
func WorkerPoolStats(s Store) (types.WorkerStats, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return types.WorkerStats{}, err
	}
	var stats types.WorkerStats
	var loadSum float64
	for _, w := range workers {
		stats.Total++
		switch w.State {
		case types.WorkerIdle:
			stats.Idle++
		case types.WorkerBusy:
			stats.Busy++
		case types.WorkerOffline:
			stats.Offline++
		case types.WorkerError:
			stats.Error++
		}
		stats.TotalCapacity += w.MaxLoad
		stats.UsedCapacity += w.CurrentLoad
		loadSum += w.LoadFactor()
	}
	if stats.Total > 0 {
		stats.AvgLoadFactor = loadSum / float64(stats.Total)
	}
	return stats, nil
}

// SystemHealthView assembles the coordinator's aggregate health snapshot.
func SystemHealthView(s Store, now time.Time) (types.SystemHealth, error) {
	qs, err := QueueDepth(s)
	if err != nil {
		return types.SystemHealth{}, err
	}
	ws, err := WorkerPoolStats(s)
	if err != nil {
		return types.SystemHealth{}, err
	}
	stale, err := StaleWorkers(s, now)
	if err != nil {
		return types.SystemHealth{}, err
	}
	return types.SystemHealth{
		Healthy:      ws.Idle+ws.Busy > 0,
		QueueStats:   qs,
		WorkerStats:  ws,
		StaleWorkers: len(stale),
		Timestamp:    now,
	}, nil
}

// ProgressView summarizes overall queue progress, including a crude ETA
// computed as the average pending wait time multiplied by the pending count.
func ProgressView(s Store) (types.ProgressReport, error) {
	qs, err := QueueDepth(s)
	if err != nil {
		return types.ProgressReport{}, err
	}
	total := qs.Pending + qs.Assigned + qs.Running + qs.Completed + qs.Failed + qs.Timeout + qs.Cancelled
	report := types.ProgressReport{
		Total:     total,
		Completed: qs.Completed,
		Pending:   qs.Pending,
		Running:   qs.Running,
		Failed:    qs.Failed + qs.Timeout,
	}
	if total > 0 {
		report.PercentComplete = float64(qs.Completed) / float64(total) * 100
	}
	if qs.AvgWaitMS > 0 {
		report.EstimatedRemainingMS = qs.AvgWaitMS * float64(qs.Pending)
	}
	return report, nil
}
