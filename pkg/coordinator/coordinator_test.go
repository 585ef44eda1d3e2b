package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/workers"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.store.Close() })
	return c
}

func TestSubmitTaskAssignsAvailableWorker(t *testing.T) {
	c := newTestCoordinator(t)

	workerID, err := c.Workers.Register(workers.Registration{Name: "w1", MaxLoad: 2, Capabilities: map[string]struct{}{"c": {}}})
	require.NoError(t, err)

	taskID, err := c.SubmitTask(types.TaskSubmission{
		Type:                 "t",
		TimeoutMS:            5000,
		RequiredCapabilities: map[string]struct{}{"c": {}},
	})
	require.NoError(t, err)

	task, err := c.Queue.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, workerID, task.AssignedWorker)
}

func TestHappyPathEndToEnd(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Workers.Register(workers.Registration{Name: "w1", MaxLoad: 2, Capabilities: map[string]struct{}{"c": {}}})
	require.NoError(t, err)

	taskID, err := c.SubmitTask(types.TaskSubmission{
		Type:                 "t",
		TimeoutMS:            5000,
		RequiredCapabilities: map[string]struct{}{"c": {}},
	})
	require.NoError(t, err)

	require.NoError(t, c.Distributor.StartTask(taskID))
	require.NoError(t, c.Distributor.CompleteTask(taskID, true, []byte("ok"), "", ""))

	result, err := c.store.GetResult(taskID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result.Result)

	stats, err := c.Queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestRequiredWorkerOfflineStaysPendingAcrossProcessQueue(t *testing.T) {
	c := newTestCoordinator(t)

	workerID, err := c.Workers.Register(workers.Registration{Name: "w1"})
	require.NoError(t, err)
	require.NoError(t, c.Workers.Unregister(workerID))

	taskID, err := c.SubmitTask(types.TaskSubmission{
		Type:      "t",
		TimeoutMS: 5000,
		Affinity:  &types.AffinityRules{RequiredWorker: workerID},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.ProcessQueue())
	}

	task, err := c.Queue.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestExecuteWorkflowWithDependency(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Workers.Register(workers.Registration{Name: "w1", MaxLoad: 5})
	require.NoError(t, err)
	_, err = c.Workers.Register(workers.Registration{Name: "w2", MaxLoad: 5})
	require.NoError(t, err)

	def := &types.WorkflowDefinition{
		ID:   "wf-1",
		Name: "fan-out",
		Tasks: []*types.WorkflowTaskDef{
			{ID: "A", Type: "t"},
			{ID: "B", Type: "t", DependsOn: []string{"A"}},
			{ID: "C", Type: "t", DependsOn: []string{"A"}},
		},
		MaxConcurrency: 2,
	}

	done := make(chan *types.WorkflowExecution, 1)
	errCh := make(chan error, 1)
	go func() {
		exec, err := c.ExecuteWorkflow(def)
		if err != nil {
			errCh <- err
			return
		}
		done <- exec
	}()

	// Drive task completion as a worker would, since no real worker process
	// is attached in this test.
	deadline := time.After(5 * time.Second)
	completedIDs := map[string]bool{}
	for len(completedIDs) < 3 {
		select {
		case <-deadline:
			t.Fatal("workflow did not complete in time")
		default:
		}
		running, err := c.Queue.GetRunningOrAssigned()
		require.NoError(t, err)
		for _, task := range running {
			if completedIDs[task.ID] {
				continue
			}
			if task.Status == types.TaskAssigned {
				require.NoError(t, c.Distributor.StartTask(task.ID))
			} else if task.Status == types.TaskRunning {
				require.NoError(t, c.Distributor.CompleteTask(task.ID, true, []byte("ok"), "", ""))
				completedIDs[task.ID] = true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case exec := <-done:
		assert.Equal(t, types.WorkflowCompleted, exec.Status)
		assert.Equal(t, types.TaskCompleted, exec.TaskStatuses["A"])
		assert.Equal(t, types.TaskCompleted, exec.TaskStatuses["B"])
		assert.Equal(t, types.TaskCompleted, exec.TaskStatuses["C"])
	case err := <-errCh:
		t.Fatalf("workflow execution failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for workflow result")
	}
}

func TestExecuteWorkflowCircularDependencyFails(t *testing.T) {
	c := newTestCoordinator(t)

	def := &types.WorkflowDefinition{
		ID: "wf-cycle",
		Tasks: []*types.WorkflowTaskDef{
			{ID: "A", Type: "t", DependsOn: []string{"B"}},
			{ID: "B", Type: "t", DependsOn: []string{"A"}},
		},
	}

	_, err := c.ExecuteWorkflow(def)
	assert.Error(t, err)
}
