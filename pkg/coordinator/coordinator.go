// Package coordinator is the composition root: it wires the persistence
// layer, task queue, worker manager and task distributor together, owns the
// heartbeat and timeout sweep timers, publishes named lifecycle events, and
// runs DAG-shaped workflows on top of the task queue.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/distributor"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/workers"
)

// Coordinator composes the queue, worker manager and distributor and drives
// the system's lifecycle.
type Coordinator struct {
	cfg *Config

	store       storage.Store
	Queue       *queue.Queue
	Workers     *workers.Manager
	Distributor *distributor.Distributor
	Events      *events.Broker

	mu      sync.Mutex
	started bool

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// New opens the datastore under cfg.DataDir and wires every component.
func New(cfg *Config) (*Coordinator, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open coordinator store: %w", err)
	}

	q := queue.New(store)
	w := workers.New(store, cfg.WorkerDefaultMaxLoad, cfg.WorkerDefaultHeartbeatMS, cfg.WorkerStaleThresholdFactor)
	d := distributor.New(q, w, store, cfg.LoadBalancerStrategy, cfg.ConsiderCapabilities, cfg.RespectAffinity, cfg.MaxLoadThreshold)
	broker := events.NewBroker()

	return &Coordinator{
		cfg:         cfg,
		store:       store,
		Queue:       q,
		Workers:     w,
		Distributor: d,
		Events:      broker,
	}, nil
}

// Start spins up the heartbeat sweep and the distributor's timeout sweep.
// Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.Events.Start()
	c.Distributor.Start(c.cfg.TimeoutCheckInterval)

	c.heartbeatStop = make(chan struct{})
	c.heartbeatDone = make(chan struct{})
	go c.heartbeatSweepLoop()
}

func (c *Coordinator) heartbeatSweepLoop() {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.cfg.WorkerAutoCleanup {
				continue
			}
			if _, err := c.Workers.AutoCleanup(); err != nil {
				log.Error(fmt.Sprintf("heartbeat sweep error: %v", err))
			}
		case <-c.heartbeatStop:
			return
		}
	}
}

// Stop halts the heartbeat and timeout sweep timers. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false

	close(c.heartbeatStop)
	<-c.heartbeatDone
	c.Distributor.Stop()
	c.Events.Stop()
}

// applyDefaults fills in submission fields left unset by the caller from
// coordinator config.
func (c *Coordinator) applyDefaults(sub types.TaskSubmission) types.TaskSubmission {
	if sub.TimeoutMS == 0 {
		sub.TimeoutMS = c.cfg.DefaultTaskTimeout.Milliseconds()
	}
	if sub.RetryPolicy == nil {
		sub.RetryPolicy = c.cfg.DefaultRetryPolicy
	}
	if sub.MaxRetries == 0 && c.cfg.DefaultRetryPolicy != nil {
		sub.MaxRetries = c.cfg.DefaultRetryPolicy.MaxRetries
	}
	return sub
}

// SubmitTask applies config defaults, enqueues the task, emits task:enqueued
// and triggers a ProcessQueue pass.
func (c *Coordinator) SubmitTask(sub types.TaskSubmission) (string, error) {
	sub = c.applyDefaults(sub)
	id, err := c.Queue.Enqueue(sub)
	if err != nil {
		return "", err
	}
	c.Events.Publish(&events.Event{
		Type:    events.EventTaskEnqueued,
		Message: fmt.Sprintf("task %s enqueued", id),
		Metadata: map[string]string{"task_id": id},
	})
	if err := c.ProcessQueue(); err != nil {
		log.Error(fmt.Sprintf("process queue after submit: %v", err))
	}
	return id, nil
}

// SubmitTasks is the batch form of SubmitTask.
func (c *Coordinator) SubmitTasks(subs []types.TaskSubmission) ([]string, error) {
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		id, err := c.SubmitTask(sub)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ProcessQueue pulls up to the worker pool's available capacity of pending
// tasks and assigns each a worker where possible. Safe to call re-entrantly.
func (c *Coordinator) ProcessQueue() error {
	stats, err := c.Workers.GetStats()
	if err != nil {
		return err
	}
	availableSlots := stats.TotalCapacity - stats.UsedCapacity

	if c.cfg.MaxConcurrentTasks > 0 {
		inFlight, err := c.Queue.GetRunningOrAssigned()
		if err != nil {
			return err
		}
		if room := c.cfg.MaxConcurrentTasks - len(inFlight); room < availableSlots {
			availableSlots = room
		}
	}
	if availableSlots <= 0 {
		return nil
	}

	pending, err := c.Queue.GetPending(availableSlots)
	if err != nil {
		return err
	}

	for _, task := range pending {
		worker, err := c.Distributor.FindWorkerForTask(task)
		if err != nil {
			log.Error(fmt.Sprintf("find worker for task %s: %v", task.ID, err))
			continue
		}
		if worker == nil {
			continue
		}
		if err := c.Distributor.Assign(task.ID, worker.ID, assignmentReasonFor(task)); err != nil {
			log.Error(fmt.Sprintf("assign task %s: %v", task.ID, err))
			continue
		}
		c.Events.Publish(&events.Event{
			Type:    events.EventTaskAssigned,
			Message: fmt.Sprintf("task %s assigned to worker %s", task.ID, worker.ID),
			Metadata: map[string]string{"task_id": task.ID, "worker_id": worker.ID},
		})
	}
	return nil
}

func assignmentReasonFor(task *types.Task) types.AssignmentReason {
	if task.Affinity != nil && task.Affinity.RequiredWorker != "" {
		return types.ReasonRequiredWorker
	}
	if len(task.RequiredCapabilities) > 0 {
		return types.ReasonCapabilityMatch
	}
	return types.ReasonLoadBalance
}

// GetProgress aggregates queue stats into a ProgressReport.
func (c *Coordinator) GetProgress() (types.ProgressReport, error) {
	return storage.ProgressView(c.store)
}

// GetHealth reads the aggregate system-health view.
func (c *Coordinator) GetHealth() (types.SystemHealth, error) {
	return storage.SystemHealthView(c.store, time.Now())
}

// Shutdown halts the sweep timers, waits (bounded by cfg.ShutdownTimeout)
// for running tasks to finish, then closes the store. SubmitTask is not
// refused while Shutdown waits. Tasks still running at the bound are logged
// and abandoned; they remain durable for the next start.
func (c *Coordinator) Shutdown() error {
	c.Stop()

	deadline := time.Now().Add(c.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		running, err := c.Queue.GetRunning()
		if err != nil {
			break
		}
		if len(running) == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	if running, err := c.Queue.GetRunning(); err == nil && len(running) > 0 {
		log.Error(fmt.Sprintf("shutdown: %d task(s) still running at deadline, abandoning", len(running)))
	}

	return c.store.Close()
}
