package coordinator

import (
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/workers"
)

// Config holds the coordinator's tunables. Every field has a spec-mandated
// default, applied by DefaultConfig.
type Config struct {
	DataDir string

	HeartbeatCheckInterval time.Duration
	TimeoutCheckInterval   time.Duration
	DeadWorkerThreshold    time.Duration
	MaxConcurrentTasks     int
	DefaultTaskTimeout     time.Duration
	DefaultRetryPolicy     *types.RetryPolicy

	LoadBalancerStrategy      workers.Strategy
	ConsiderCapabilities      bool
	RespectAffinity           bool
	MaxLoadThreshold          float64

	WorkerDefaultMaxLoad       int
	WorkerDefaultHeartbeatMS   int64
	WorkerStaleThresholdFactor int
	WorkerAutoCleanup          bool

	MaxAssignmentAttempts int
	ShutdownTimeout       time.Duration
}

// DefaultConfig returns the coordinator's default configuration per the
// external interface contract.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,

		HeartbeatCheckInterval: 30 * time.Second,
		TimeoutCheckInterval:   10 * time.Second,
		DeadWorkerThreshold:    90 * time.Second,
		MaxConcurrentTasks:     50,
		DefaultTaskTimeout:     300 * time.Second,
		DefaultRetryPolicy:     types.DefaultRetryPolicy(),

		LoadBalancerStrategy: workers.StrategyLeastLoaded,
		ConsiderCapabilities: true,
		RespectAffinity:      true,
		MaxLoadThreshold:     0.9,

		WorkerDefaultMaxLoad:       5,
		WorkerDefaultHeartbeatMS:   30_000,
		WorkerStaleThresholdFactor: 2,
		WorkerAutoCleanup:          true,

		MaxAssignmentAttempts: 5,
		ShutdownTimeout:       60 * time.Second,
	}
}
