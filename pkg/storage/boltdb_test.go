package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetWorker(t *testing.T) {
	s := newTestStore(t)

	w := &types.Worker{ID: "w1", Name: "alpha", State: types.WorkerIdle, MaxLoad: 3, CreatedAt: time.Now()}
	require.NoError(t, s.CreateWorker(w))

	got, err := s.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, types.WorkerIdle, got.State)
}

func TestGetWorkerNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorker("missing")
	assert.Error(t, err)
}

func TestUpdateWorkerUpserts(t *testing.T) {
	s := newTestStore(t)

	w := &types.Worker{ID: "w1", Name: "alpha", State: types.WorkerIdle}
	require.NoError(t, s.CreateWorker(w))

	w.State = types.WorkerBusy
	require.NoError(t, s.UpdateWorker(w))

	got, err := s.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerBusy, got.State)
}

func TestListWorkers(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateWorker(&types.Worker{ID: "w1", Name: "a"}))
	require.NoError(t, s.CreateWorker(&types.Worker{ID: "w2", Name: "b"}))

	list, err := s.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{ID: "t1", Type: "render", Status: types.TaskPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	got.Status = types.TaskRunning
	require.NoError(t, s.UpdateTask(got))

	got, err = s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status)

	require.NoError(t, s.DeleteTask("t1"))
	_, err = s.GetTask("t1")
	assert.Error(t, err)
}

func TestPutAndGetResult(t *testing.T) {
	s := newTestStore(t)

	res := &types.TaskResult{TaskID: "t1", Success: true, Result: []byte("ok"), DurationMS: 42}
	require.NoError(t, s.PutResult(res))

	got, err := s.GetResult("t1")
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, int64(42), got.DurationMS)
}

func TestAssignmentLifecycle(t *testing.T) {
	s := newTestStore(t)

	a := &types.Assignment{TaskID: "t1", WorkerID: "w1", AssignedAt: time.Now()}
	require.NoError(t, s.PutAssignment(a))

	open, err := s.ListOpenAssignments()
	require.NoError(t, err)
	assert.Len(t, open, 1)

	a.Closed = true
	require.NoError(t, s.PutAssignment(a))

	open, err = s.ListOpenAssignments()
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, s.DeleteAssignment("t1"))
	_, err = s.GetAssignment("t1")
	assert.Error(t, err)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newTestStore(t)

	entry := &types.DeadLetterEntry{TaskID: "t1", Type: "render", FinalError: "boom", RetryCount: 3}
	require.NoError(t, s.PutDeadLetter(entry))

	list, err := s.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "boom", list[0].FinalError)
}

func TestDependenciesScopedByTaskID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutDependency(&types.TaskDependency{TaskID: "b", DependsOnTaskID: "a"}))
	require.NoError(t, s.PutDependency(&types.TaskDependency{TaskID: "c", DependsOnTaskID: "a"}))

	deps, err := s.ListDependencies("b")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "a", deps[0].DependsOnTaskID)
}

func TestGetWorkerMetricsDefaultsToZeroValue(t *testing.T) {
	s := newTestStore(t)

	perf, err := s.GetWorkerMetrics("unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", perf.WorkerID)
	assert.Zero(t, perf.TasksCompleted)
}

func TestPutWorkerMetrics(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutWorkerMetrics(&types.WorkerPerformance{WorkerID: "w1", TasksCompleted: 5}))

	perf, err := s.GetWorkerMetrics("w1")
	require.NoError(t, err)
	assert.Equal(t, 5, perf.TasksCompleted)
}

func TestWorkflowExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	exec := &types.WorkflowExecution{
		WorkflowID:  "wf1",
		ExecutionID: "exec1",
		Status:      types.WorkflowRunning,
	}
	require.NoError(t, s.PutWorkflowExecution(exec))

	got, err := s.GetWorkflowExecution("exec1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, got.Status)
}
