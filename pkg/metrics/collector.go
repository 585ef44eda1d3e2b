package metrics

import (
	"time"

	"github.com/cuemby/warren/pkg/coordinator"
)

// Collector periodically samples the coordinator's queue and worker state
// into the package's gauge metrics.
type Collector struct {
	coord  *coordinator.Coordinator
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over coord.
func NewCollector(coord *coordinator.Coordinator) *Collector {
	return &Collector{
		coord:  coord,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics at a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	workerList, err := c.coord.Workers.GetAll(true)
	if err != nil {
		return
	}

	counts := map[string]int{}
	for _, w := range workerList {
		counts[string(w.State)]++
		WorkerLoadFactor.WithLabelValues(w.ID).Set(w.LoadFactor())
	}
	for state, count := range counts {
		WorkersTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	stats, err := c.coord.Queue.GetStats()
	if err != nil {
		return
	}

	TasksTotal.WithLabelValues("pending").Set(float64(stats.Pending))
	TasksTotal.WithLabelValues("assigned").Set(float64(stats.Assigned))
	TasksTotal.WithLabelValues("running").Set(float64(stats.Running))
	TasksTotal.WithLabelValues("completed").Set(float64(stats.Completed))
	TasksTotal.WithLabelValues("failed").Set(float64(stats.Failed))
	TasksTotal.WithLabelValues("timeout").Set(float64(stats.Timeout))
	TasksTotal.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
	DeadLetteredTotal.Set(float64(stats.DeadLettered))
}
