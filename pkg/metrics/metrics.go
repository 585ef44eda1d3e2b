// Package metrics defines and registers the coordinator's Prometheus
// metrics and exposes the HTTP handler that serves them for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_workers_total",
			Help: "Total number of registered workers by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	DeadLetteredTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_dead_lettered_total",
			Help: "Total number of tasks currently in the dead-letter sink",
		},
	)

	WorkerLoadFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_worker_load_factor",
			Help: "Current load factor (current_load/max_load) per worker",
		},
		[]string{"worker_id"},
	)

	TaskEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
	)

	TaskCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TaskFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Total number of task attempts that failed",
		},
	)

	TaskTimeoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_tasks_timeout_total",
			Help: "Total number of tasks that exceeded their timeout",
		},
	)

	TaskWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_task_wait_duration_seconds",
			Help:    "Time a task spent pending before assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_task_execution_duration_seconds",
			Help:    "Time a task spent running before reaching a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_assignment_duration_seconds",
			Help:    "Time taken to find and bind a worker to a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_workflows_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"status"},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	HeartbeatSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_heartbeat_sweep_duration_seconds",
			Help:    "Time taken for a heartbeat/stale-worker sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	TimeoutSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_timeout_sweep_duration_seconds",
			Help:    "Time taken for a timeout-detection sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(DeadLetteredTotal)
	prometheus.MustRegister(WorkerLoadFactor)
	prometheus.MustRegister(TaskEnqueuedTotal)
	prometheus.MustRegister(TaskCompletedTotal)
	prometheus.MustRegister(TaskFailedTotal)
	prometheus.MustRegister(TaskTimeoutTotal)
	prometheus.MustRegister(TaskWaitDuration)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(AssignmentDuration)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(HeartbeatSweepDuration)
	prometheus.MustRegister(TimeoutSweepDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
