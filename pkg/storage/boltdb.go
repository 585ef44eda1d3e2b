package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkers            = []byte("workers")
	bucketTasks              = []byte("task_queue")
	bucketResults            = []byte("task_results")
	bucketAssignments        = []byte("worker_assignments")
	bucketDeadLetter         = []byte("dead_letter_queue")
	bucketDependencies       = []byte("task_dependencies")
	bucketWorkerMetrics      = []byte("worker_metrics")
	bucketWorkflowExecutions = []byte("workflow_executions")
)

// BoltStore implements Store on top of an embedded, WAL-backed BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the coordinator's datastore under
// dataDir and ensures every bucket in the schema exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coordinator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers,
			bucketTasks,
			bucketResults,
			bucketAssignments,
			bucketDeadLetter,
			bucketDependencies,
			bucketWorkerMetrics,
			bucketWorkflowExecutions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying once on a transient
// I/O error before propagating it to the caller. Constraint violations
// surfaced by fn (e.g. a missing record) are not retried.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	err := s.db.Update(fn)
	if err != nil && isTransient(err) {
		err = s.db.Update(fn)
	}
	return err
}

func isTransient(err error) bool {
	switch err {
	case bolt.ErrDatabaseNotOpen, bolt.ErrTimeout:
		return true
	default:
		return false
	}
}

// --- Workers ---

func (s *BoltStore) CreateWorker(w *types.Worker) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(w *types.Worker) error {
	return s.CreateWorker(w) // upsert
}

// --- Tasks ---

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(t *types.Task) error {
	return s.CreateTask(t)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// --- Task results ---

func (s *BoltStore) PutResult(r *types.TaskResult) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.TaskID), data)
	})
}

func (s *BoltStore) GetResult(taskID string) (*types.TaskResult, error) {
	var r types.TaskResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("result not found: %s", taskID)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Assignments ---

func (s *BoltStore) PutAssignment(a *types.Assignment) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.TaskID), data)
	})
}

func (s *BoltStore) GetAssignment(taskID string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("assignment not found: %s", taskID)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) DeleteAssignment(taskID string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		return b.Delete([]byte(taskID))
	})
}

func (s *BoltStore) ListOpenAssignments() ([]*types.Assignment, error) {
	var out []*types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		return b.ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if !a.Closed {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- Dead letter ---

func (s *BoltStore) PutDeadLetter(e *types.DeadLetterEntry) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.TaskID), data)
	})
}

func (s *BoltStore) ListDeadLetters() ([]*types.DeadLetterEntry, error) {
	var out []*types.DeadLetterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		return b.ForEach(func(k, v []byte) error {
			var e types.DeadLetterEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

// --- Dependencies ---

func dependencyKey(taskID, dependsOnID string) []byte {
	return []byte(taskID + "|" + dependsOnID)
}

func (s *BoltStore) PutDependency(d *types.TaskDependency) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(dependencyKey(d.TaskID, d.DependsOnTaskID), data)
	})
}

func (s *BoltStore) ListDependencies(taskID string) ([]*types.TaskDependency, error) {
	var out []*types.TaskDependency
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		return b.ForEach(func(k, v []byte) error {
			var d types.TaskDependency
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.TaskID == taskID {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// --- Worker metrics ---

func (s *BoltStore) GetWorkerMetrics(workerID string) (*types.WorkerPerformance, error) {
	var p types.WorkerPerformance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMetrics)
		data := b.Get([]byte(workerID))
		if data == nil {
			p = types.WorkerPerformance{WorkerID: workerID}
			return nil
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) PutWorkerMetrics(p *types.WorkerPerformance) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerMetrics)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.WorkerID), data)
	})
}

// --- Workflow executions ---

func (s *BoltStore) PutWorkflowExecution(e *types.WorkflowExecution) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowExecutions)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ExecutionID), data)
	})
}

func (s *BoltStore) GetWorkflowExecution(executionID string) (*types.WorkflowExecution, error) {
	var e types.WorkflowExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflowExecutions)
		data := b.Get([]byte(executionID))
		if data == nil {
			return fmt.Errorf("workflow execution not found: %s", executionID)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}
