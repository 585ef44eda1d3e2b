// Package coreerrors defines the typed error taxonomy exposed across the
// public operation surface of the queue, worker manager, distributor and
// coordinator, per the error contract.
package coreerrors

import "fmt"

// NotFoundKind distinguishes the two not-found error cases.
type NotFoundKind string

const (
	KindWorker NotFoundKind = "worker"
	KindTask   NotFoundKind = "task"
)

// NotFoundError is returned when a worker or task id does not resolve.
type NotFoundError struct {
	Kind NotFoundKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// WorkerNotFound constructs a NotFoundError for a worker id.
func WorkerNotFound(id string) error { return &NotFoundError{Kind: KindWorker, ID: id} }

// TaskNotFound constructs a NotFoundError for a task id.
func TaskNotFound(id string) error { return &NotFoundError{Kind: KindTask, ID: id} }

// NoAvailableWorkerError indicates no worker satisfied selection constraints.
type NoAvailableWorkerError struct {
	TaskID string
	Reason string
}

func (e *NoAvailableWorkerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no available worker for task %s: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("no available worker for task %s", e.TaskID)
}

// TaskTimeoutError indicates a task exceeded its configured timeout.
type TaskTimeoutError struct {
	TaskID    string
	TimeoutMS int64
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded timeout of %dms", e.TaskID, e.TimeoutMS)
}

// OptimisticLockError indicates a concurrent mutation raced a state update.
type OptimisticLockError struct {
	Entity string
	ID     string
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock failure on %s %s", e.Entity, e.ID)
}

// DistributedSystemError is the generic escape-hatch error with a code and
// free-form details, for failures that don't fit the other categories.
type DistributedSystemError struct {
	Code    string
	Details string
}

func (e *DistributedSystemError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("distributed system error [%s]", e.Code)
	}
	return fmt.Sprintf("distributed system error [%s]: %s", e.Code, e.Details)
}

// New constructs a DistributedSystemError.
func New(code, details string) error {
	return &DistributedSystemError{Code: code, Details: details}
}
