// Package storage is the persistence layer: a durable, locally-stored,
// transactional key-value store (BoltDB, which journals writes via an
// mmap'd B+tree and a write-ahead page freelist) holding the schema for
// workers, tasks, results, assignments, dead-letter entries, dependencies,
// worker metrics and workflow executions, plus the aggregate read views the
// rest of the coordinator composes into its observability surface.
package storage

import (
	"github.com/cuemby/warren/pkg/types"
)

// Store is the interface every other component programs against. A single
// BoltStore implementation backs it; tests may substitute an in-memory
// fake built on the same bbolt engine against t.TempDir().
type Store interface {
	// Workers
	CreateWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(w *types.Worker) error

	// Tasks
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(id string) error

	// Task results
	PutResult(r *types.TaskResult) error
	GetResult(taskID string) (*types.TaskResult, error)

	// Assignments — exactly one open assignment per task at a time
	PutAssignment(a *types.Assignment) error
	GetAssignment(taskID string) (*types.Assignment, error)
	DeleteAssignment(taskID string) error
	ListOpenAssignments() ([]*types.Assignment, error)

	// Dead letter
	PutDeadLetter(e *types.DeadLetterEntry) error
	ListDeadLetters() ([]*types.DeadLetterEntry, error)

	// Dependencies
	PutDependency(d *types.TaskDependency) error
	ListDependencies(taskID string) ([]*types.TaskDependency, error)

	// Worker metrics (accumulated performance counters)
	GetWorkerMetrics(workerID string) (*types.WorkerPerformance, error)
	PutWorkerMetrics(p *types.WorkerPerformance) error

	// Workflow executions
	PutWorkflowExecution(e *types.WorkflowExecution) error
	GetWorkflowExecution(executionID string) (*types.WorkflowExecution, error)

	Close() error
}
