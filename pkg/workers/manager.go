// Package workers implements the worker manager: registration, heartbeats,
// load tracking and load-balancing worker selection over the persistence
// store.
package workers

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/coreerrors"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// StaleMultiplier is the default multiplier on heartbeat_interval past which
// a worker is considered stale.
const StaleMultiplier = 2

// Strategy selects among candidate workers for a task.
type Strategy string

const (
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyRandom          Strategy = "random"
	StrategyWeighted        Strategy = "weighted"
)

// Registration is the external-facing request to register a worker.
type Registration struct {
	Name                string
	Capabilities        map[string]struct{}
	MaxLoad             int
	HeartbeatIntervalMS int64
	ModelIDs            []string
	Metadata            map[string]string
}

// Manager is the worker manager component.
type Manager struct {
	store storage.Store

	defaultMaxLoad           int
	defaultHeartbeatInterval int64
	staleThresholdFactor     int
}

// New constructs a Manager over store. defaultMaxLoad and
// defaultHeartbeatIntervalMS backfill a Registration that leaves those
// fields unset; pass the coordinator's WorkerDefaultMaxLoad and
// WorkerDefaultHeartbeatMS. Values <= 0 fall back to 1 and 15000ms.
// staleThresholdFactor multiplies a worker's own heartbeat_interval to get
// its staleness cutoff in GetStale; <= 0 falls back to StaleMultiplier.
func New(store storage.Store, defaultMaxLoad int, defaultHeartbeatIntervalMS int64, staleThresholdFactor int) *Manager {
	if defaultMaxLoad <= 0 {
		defaultMaxLoad = 1
	}
	if defaultHeartbeatIntervalMS <= 0 {
		defaultHeartbeatIntervalMS = 15_000
	}
	if staleThresholdFactor <= 0 {
		staleThresholdFactor = StaleMultiplier
	}
	return &Manager{
		store:                    store,
		defaultMaxLoad:           defaultMaxLoad,
		defaultHeartbeatInterval: defaultHeartbeatIntervalMS,
		staleThresholdFactor:     staleThresholdFactor,
	}
}

// Register validates reg and persists a new idle, zero-load worker.
func (m *Manager) Register(reg Registration) (string, error) {
	if reg.Name == "" {
		return "", coreerrors.New("invalid_registration", "worker name must not be empty")
	}
	if reg.Capabilities == nil {
		reg.Capabilities = map[string]struct{}{}
	}
	heartbeatInterval := reg.HeartbeatIntervalMS
	if heartbeatInterval <= 0 {
		heartbeatInterval = m.defaultHeartbeatInterval
	}
	maxLoad := reg.MaxLoad
	if maxLoad <= 0 {
		maxLoad = m.defaultMaxLoad
	}

	w := &types.Worker{
		ID:                  uuid.NewString(),
		Name:                reg.Name,
		Capabilities:        reg.Capabilities,
		State:               types.WorkerIdle,
		CurrentLoad:         0,
		MaxLoad:             maxLoad,
		LastHeartbeat:       time.Now(),
		HeartbeatIntervalMS: heartbeatInterval,
		ModelIDs:            reg.ModelIDs,
		CreatedAt:           time.Now(),
		Metadata:            reg.Metadata,
	}
	if err := m.store.CreateWorker(w); err != nil {
		return "", err
	}
	return w.ID, nil
}

// Unregister transitions id to offline without deleting its record.
// In-flight assignments remain bound until their tasks complete or are
// reassigned.
func (m *Manager) Unregister(id string) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return coreerrors.WorkerNotFound(id)
	}
	w.State = types.WorkerOffline
	return m.store.UpdateWorker(w)
}

// Heartbeat updates id's last-heartbeat instant and optionally its reported
// status and load, resetting consecutive_failures. A heartbeat for an
// unknown worker id is ignored.
func (m *Manager) Heartbeat(id string, status *types.WorkerState, currentLoad *int, metadata map[string]string) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return nil
	}
	w.LastHeartbeat = time.Now()
	w.ConsecutiveFailures = 0
	if status != nil {
		w.State = *status
	}
	if currentLoad != nil {
		w.CurrentLoad = *currentLoad
	}
	if metadata != nil {
		w.Metadata = metadata
	}
	return m.store.UpdateWorker(w)
}

// Get returns the worker by id.
func (m *Manager) Get(id string) (*types.Worker, error) {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return nil, coreerrors.WorkerNotFound(id)
	}
	return w, nil
}

// GetAll returns every worker, optionally including offline ones.
func (m *Manager) GetAll(includeOffline bool) ([]*types.Worker, error) {
	all, err := m.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	if includeOffline {
		return all, nil
	}
	var out []*types.Worker
	for _, w := range all {
		if w.State != types.WorkerOffline {
			out = append(out, w)
		}
	}
	return out, nil
}

// GetActive returns workers whose state is idle or busy.
func (m *Manager) GetActive() ([]*types.Worker, error) {
	all, err := m.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	var out []*types.Worker
	for _, w := range all {
		if w.Active() {
			out = append(out, w)
		}
	}
	return out, nil
}

// GetIdle returns workers in the idle state.
func (m *Manager) GetIdle() ([]*types.Worker, error) {
	all, err := m.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	var out []*types.Worker
	for _, w := range all {
		if w.State == types.WorkerIdle {
			out = append(out, w)
		}
	}
	return out, nil
}

// GetWithCapabilities returns active workers whose capability set is a
// superset of required. Order is unspecified.
func (m *Manager) GetWithCapabilities(required map[string]struct{}) ([]*types.Worker, error) {
	active, err := m.GetActive()
	if err != nil {
		return nil, err
	}
	var out []*types.Worker
	for _, w := range active {
		if w.HasCapabilities(required) {
			out = append(out, w)
		}
	}
	return out, nil
}

// SelectWorker filters to active workers under max_load (optionally further
// restricted to those with requiredCapabilities, and to those under
// maxLoadThreshold fraction of capacity) and applies strategy. A
// maxLoadThreshold <= 0 disables the soft-load filter. Returns nil if the
// candidate set is empty.
func (m *Manager) SelectWorker(strategy Strategy, requiredCapabilities map[string]struct{}, maxLoadThreshold float64) (*types.Worker, error) {
	active, err := m.GetActive()
	if err != nil {
		return nil, err
	}

	var candidates []*types.Worker
	for _, w := range active {
		if w.CurrentLoad >= w.MaxLoad {
			continue
		}
		if maxLoadThreshold > 0 && w.LoadFactor() >= maxLoadThreshold {
			continue
		}
		if requiredCapabilities != nil && !w.HasCapabilities(requiredCapabilities) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	return applyStrategy(strategy, candidates, requiredCapabilities), nil
}

func applyStrategy(strategy Strategy, candidates []*types.Worker, requiredCapabilities map[string]struct{}) *types.Worker {
	switch strategy {
	case StrategyRoundRobin:
		for _, w := range candidates {
			if w.State == types.WorkerIdle {
				return w
			}
		}
		return candidates[0]

	case StrategyCapabilityMatch:
		if requiredCapabilities != nil {
			for _, w := range candidates {
				if len(w.Capabilities) == len(requiredCapabilities) && w.HasCapabilities(requiredCapabilities) {
					return w
				}
			}
		}
		return leastLoaded(candidates)

	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))]

	case StrategyWeighted:
		return weightedPick(candidates)

	case StrategyLeastLoaded:
		fallthrough
	default:
		return leastLoaded(candidates)
	}
}

func leastLoaded(candidates []*types.Worker) *types.Worker {
	best := candidates[0]
	bestFactor := best.LoadFactor()
	for _, w := range candidates[1:] {
		f := w.LoadFactor()
		if f < bestFactor {
			best = w
			bestFactor = f
		}
	}
	return best
}

func weightedPick(candidates []*types.Worker) *types.Worker {
	total := 0
	weights := make([]int, len(candidates))
	for i, w := range candidates {
		remaining := w.MaxLoad - w.CurrentLoad
		if remaining < 0 {
			remaining = 0
		}
		weights[i] = remaining
		total += remaining
	}
	if total == 0 {
		return candidates[0]
	}
	r := rand.Intn(total)
	for i, w := range weights {
		if r < w {
			return candidates[i]
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// IncrementLoad bumps id's current_load by one.
func (m *Manager) IncrementLoad(id string) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return coreerrors.WorkerNotFound(id)
	}
	w.CurrentLoad++
	return m.store.UpdateWorker(w)
}

// DecrementLoad reduces id's current_load by one, clamped at zero.
func (m *Manager) DecrementLoad(id string) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return coreerrors.WorkerNotFound(id)
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	return m.store.UpdateWorker(w)
}

// UpdateStatus sets id's lifecycle state directly.
func (m *Manager) UpdateStatus(id string, state types.WorkerState) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return coreerrors.WorkerNotFound(id)
	}
	w.State = state
	return m.store.UpdateWorker(w)
}

// RecordFailure increments id's consecutive_failures and transitions it to
// the error state on crossing the threshold.
func (m *Manager) RecordFailure(id string) error {
	w, err := m.store.GetWorker(id)
	if err != nil {
		return coreerrors.WorkerNotFound(id)
	}
	w.ConsecutiveFailures++
	if w.ConsecutiveFailures >= types.MaxConsecutiveFailures {
		w.State = types.WorkerError
	}
	return m.store.UpdateWorker(w)
}

// GetStale returns active workers whose last heartbeat exceeds
// heartbeat_interval * staleThresholdFactor.
func (m *Manager) GetStale() ([]*types.Worker, error) {
	all, err := m.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var stale []*types.Worker
	for _, w := range all {
		if w.State == types.WorkerOffline {
			continue
		}
		threshold := time.Duration(w.HeartbeatIntervalMS*int64(m.staleThresholdFactor)) * time.Millisecond
		if now.Sub(w.LastHeartbeat) > threshold {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// MarkStaleAsOffline transitions every stale worker to offline and returns
// the count marked.
func (m *Manager) MarkStaleAsOffline() (int, error) {
	stale, err := m.GetStale()
	if err != nil {
		return 0, err
	}
	for _, w := range stale {
		w.State = types.WorkerOffline
		if err := m.store.UpdateWorker(w); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// AutoCleanup delegates to MarkStaleAsOffline; invoked periodically by the
// coordinator's heartbeat sweep.
func (m *Manager) AutoCleanup() (int, error) {
	return m.MarkStaleAsOffline()
}

// GetStats returns aggregate worker pool counts.
func (m *Manager) GetStats() (types.WorkerStats, error) {
	return storage.WorkerPoolStats(m.store)
}
