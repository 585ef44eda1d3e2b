package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/types"
)

// pollInterval is how often ExecuteWorkflow polls submitted task ids for a
// terminal status while waiting for a wave to complete.
const pollInterval = 200 * time.Millisecond

// ExecuteWorkflow validates def's dependency graph, then drives it to
// completion wave by wave: each wave is the current ready set (tasks whose
// dependencies are all satisfied), submitted up to maxConcurrency at a time
// and awaited before the next wave is computed.
func (c *Coordinator) ExecuteWorkflow(def *types.WorkflowDefinition) (*types.WorkflowExecution, error) {
	if err := validateDAG(def); err != nil {
		return nil, err
	}

	exec := &types.WorkflowExecution{
		WorkflowID:   def.ID,
		ExecutionID:  uuid.NewString(),
		Status:       types.WorkflowRunning,
		StartedAt:    time.Now(),
		TaskStatuses: map[string]types.TaskStatus{},
		TaskResults:  map[string][]byte{},
		TaskErrors:   map[string]string{},
	}
	if err := c.store.PutWorkflowExecution(exec); err != nil {
		return nil, err
	}

	c.Events.Publish(&events.Event{
		Type:    events.EventWorkflowStarted,
		Message: fmt.Sprintf("workflow %s started", exec.ExecutionID),
		Metadata: map[string]string{"workflow_execution_id": exec.ExecutionID},
	})

	completed := map[string]bool{}

	for len(completed) < len(def.Tasks) {
		ready := readySet(def.Tasks, completed)
		if len(ready) == 0 {
			exec.Status = types.WorkflowFailed
			exec.FailureMsg = "stuck: circular dependency or unreachable task"
			exec.CompletedAt = time.Now()
			_ = c.store.PutWorkflowExecution(exec)
			c.Events.Publish(&events.Event{
				Type:    events.EventWorkflowFailed,
				Message: exec.FailureMsg,
				Metadata: map[string]string{"workflow_execution_id": exec.ExecutionID},
			})
			return exec, nil
		}

		wave := ready
		if def.MaxConcurrency > 0 && len(wave) > def.MaxConcurrency {
			wave = wave[:def.MaxConcurrency]
		}

		submittedIDs := make([]string, 0, len(wave))
		for _, wt := range wave {
			id, err := c.SubmitTask(types.TaskSubmission{
				Type:                 wt.Type,
				Payload:              wt.Payload,
				Priority:             wt.Priority,
				RetryPolicy:          wt.RetryPolicy,
				RequiredCapabilities: wt.RequiredCapabilities,
				TimeoutMS:            c.cfg.DefaultTaskTimeout.Milliseconds(),
				Metadata: map[string]string{
					"workflow_id":           def.ID,
					"workflow_execution_id": exec.ExecutionID,
					"workflow_task_id":      wt.ID,
				},
			})
			if err != nil {
				return nil, err
			}
			submittedIDs = append(submittedIDs, id)
		}

		terminal, err := c.awaitTerminal(submittedIDs)
		if err != nil {
			return nil, err
		}

		failFastTriggered := false
		for i, wt := range wave {
			taskID := submittedIDs[i]
			status := terminal[taskID]
			exec.TaskStatuses[wt.ID] = status

			if status == types.TaskCompleted {
				completed[wt.ID] = true
				if result, err := c.store.GetResult(taskID); err == nil {
					exec.TaskResults[wt.ID] = result.Result
				}
			} else {
				if result, err := c.store.GetResult(taskID); err == nil {
					exec.TaskErrors[wt.ID] = result.Error
				} else {
					exec.TaskErrors[wt.ID] = fmt.Sprintf("task ended in status %s", status)
				}
				if def.FailFast {
					failFastTriggered = true
				}
				// A non-completed, non-fail-fast task is still considered
				// "processed" for loop-termination purposes — it will never
				// retry within this workflow wave.
				completed[wt.ID] = true
			}
		}

		if failFastTriggered {
			exec.Status = types.WorkflowFailed
			exec.CompletedAt = time.Now()
			if exec.FailureMsg == "" {
				for k, v := range exec.TaskErrors {
					exec.FailureMsg = fmt.Sprintf("task %s failed: %s", k, v)
					break
				}
			}
			_ = c.store.PutWorkflowExecution(exec)
			c.Events.Publish(&events.Event{
				Type:    events.EventWorkflowFailed,
				Message: exec.FailureMsg,
				Metadata: map[string]string{"workflow_execution_id": exec.ExecutionID},
			})
			return exec, nil
		}
	}

	if len(exec.TaskErrors) > 0 {
		exec.Status = types.WorkflowFailed
	} else {
		exec.Status = types.WorkflowCompleted
	}
	exec.CompletedAt = time.Now()
	if err := c.store.PutWorkflowExecution(exec); err != nil {
		return nil, err
	}

	if exec.Status == types.WorkflowCompleted {
		c.Events.Publish(&events.Event{
			Type:    events.EventWorkflowCompleted,
			Message: fmt.Sprintf("workflow %s completed", exec.ExecutionID),
			Metadata: map[string]string{"workflow_execution_id": exec.ExecutionID},
		})
	} else {
		c.Events.Publish(&events.Event{
			Type:    events.EventWorkflowFailed,
			Message: fmt.Sprintf("workflow %s failed", exec.ExecutionID),
			Metadata: map[string]string{"workflow_execution_id": exec.ExecutionID},
		})
	}
	return exec, nil
}

// awaitTerminal polls the queue at pollInterval until every id in ids
// reaches a terminal status, returning each id's final status.
func (c *Coordinator) awaitTerminal(ids []string) (map[string]types.TaskStatus, error) {
	result := make(map[string]types.TaskStatus, len(ids))
	remaining := append([]string(nil), ids...)

	for len(remaining) > 0 {
		var next []string
		for _, id := range remaining {
			task, err := c.Queue.Get(id)
			if err != nil {
				return nil, err
			}
			if task.Status.IsTerminal() {
				result[id] = task.Status
				continue
			}
			next = append(next, id)
		}
		remaining = next
		if len(remaining) > 0 {
			time.Sleep(pollInterval)
		}
	}
	return result, nil
}

// readySet returns workflow task defs not yet completed whose dependencies
// are all satisfied.
func readySet(tasks []*types.WorkflowTaskDef, completed map[string]bool) []*types.WorkflowTaskDef {
	var ready []*types.WorkflowTaskDef
	for _, t := range tasks {
		if completed[t.ID] {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	return ready
}

// validateDAG rejects a workflow definition containing a dependency on an
// unknown task id or a cycle, detected via Kahn's algorithm.
func validateDAG(def *types.WorkflowDefinition) error {
	byID := make(map[string]*types.WorkflowTaskDef, len(def.Tasks))
	for _, t := range def.Tasks {
		byID[t.ID] = t
	}
	for _, t := range def.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow %s: task %s depends on unknown task %s", def.ID, t.ID, dep)
			}
		}
	}

	inDegree := map[string]int{}
	for _, t := range def.Tasks {
		inDegree[t.ID] = len(t.DependsOn)
	}
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	dependents := map[string][]string{}
	for _, t := range def.Tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(def.Tasks) {
		return fmt.Errorf("workflow %s: dependency graph contains a cycle", def.ID)
	}
	return nil
}
