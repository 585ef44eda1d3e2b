package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, 5, 30_000, 2)
}

func TestRegisterDefaultsToIdle(t *testing.T) {
	m := newTestManager(t)

	id, err := m.Register(Registration{Name: "worker-a", MaxLoad: 4})
	require.NoError(t, err)

	w, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerIdle, w.State)
	assert.Equal(t, 0, w.CurrentLoad)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Register(Registration{})
	assert.Error(t, err)
}

func TestHeartbeatUnknownWorkerIsIgnored(t *testing.T) {
	m := newTestManager(t)
	err := m.Heartbeat("does-not-exist", nil, nil, nil)
	assert.NoError(t, err)
}

func TestHeartbeatResetsConsecutiveFailures(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Register(Registration{Name: "worker-a"})
	require.NoError(t, err)

	require.NoError(t, m.RecordFailure(id))
	require.NoError(t, m.Heartbeat(id, nil, nil, nil))

	w, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ConsecutiveFailures)
}

func TestRecordFailureTransitionsToErrorAfterThreshold(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Register(Registration{Name: "worker-a"})
	require.NoError(t, err)

	for i := 0; i < types.MaxConsecutiveFailures; i++ {
		require.NoError(t, m.RecordFailure(id))
	}

	w, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerError, w.State)
}

func TestSelectWorkerLeastLoaded(t *testing.T) {
	m := newTestManager(t)

	idA, err := m.Register(Registration{Name: "a", MaxLoad: 10})
	require.NoError(t, err)
	idB, err := m.Register(Registration{Name: "b", MaxLoad: 10})
	require.NoError(t, err)

	require.NoError(t, m.IncrementLoad(idA))
	require.NoError(t, m.IncrementLoad(idA))

	w, err := m.SelectWorker(StrategyLeastLoaded, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, idB, w.ID)
}

func TestSelectWorkerExcludesAtCapacity(t *testing.T) {
	m := newTestManager(t)

	id, err := m.Register(Registration{Name: "a", MaxLoad: 1})
	require.NoError(t, err)
	require.NoError(t, m.IncrementLoad(id))

	w, err := m.SelectWorker(StrategyLeastLoaded, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestSelectWorkerCapabilityMatch(t *testing.T) {
	m := newTestManager(t)

	idGeneral, err := m.Register(Registration{Name: "general", MaxLoad: 10, Capabilities: map[string]struct{}{"gpu": {}, "cpu": {}}})
	require.NoError(t, err)
	idExact, err := m.Register(Registration{Name: "exact", MaxLoad: 10, Capabilities: map[string]struct{}{"gpu": {}}})
	require.NoError(t, err)
	_ = idGeneral

	w, err := m.SelectWorker(StrategyCapabilityMatch, map[string]struct{}{"gpu": {}}, 0)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, idExact, w.ID)
}

func TestSelectWorkerEmptyCandidatesReturnsNone(t *testing.T) {
	m := newTestManager(t)
	w, err := m.SelectWorker(StrategyLeastLoaded, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestDecrementLoadClampsAtZero(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Register(Registration{Name: "a"})
	require.NoError(t, err)

	require.NoError(t, m.DecrementLoad(id))

	w, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentLoad)
}

func TestGetStaleAndMarkStaleAsOffline(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Register(Registration{Name: "a", HeartbeatIntervalMS: 1})
	require.NoError(t, err)

	w, err := m.Get(id)
	require.NoError(t, err)
	w.LastHeartbeat = w.LastHeartbeat.Add(-time.Hour)
	require.NoError(t, m.store.UpdateWorker(w))

	stale, err := m.GetStale()
	require.NoError(t, err)
	require.Len(t, stale, 1)

	count, err := m.MarkStaleAsOffline()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	w, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOffline, w.State)
}
