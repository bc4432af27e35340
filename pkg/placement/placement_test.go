package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

func newEngine(t *testing.T) (*Engine, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

func addNode(t *testing.T, store *storage.BoltStore, id string, status types.NodeStatus, capacity, used int) {
	t.Helper()
	require.NoError(t, store.CreateNode(&types.Node{
		ID:         id,
		Host:       id + ".internal",
		CapacityMb: capacity,
		UsedMb:     used,
		Status:     types.NodeStatusProvisioning,
		CreatedAt:  time.Now(),
	}))
	if status == types.NodeStatusProvisioning {
		return
	}
	_, err := store.TransitionNode(id, types.NodeStatusProvisioning, types.NodeStatusActive, "seed", "test")
	require.NoError(t, err)
	if status == types.NodeStatusActive {
		return
	}
	_, err = store.TransitionNode(id, types.NodeStatusActive, status, "seed", "test")
	require.NoError(t, err)
}

func TestFindPlacementPicksMaxSlack(t *testing.T) {
	engine, store := newEngine(t)

	addNode(t, store, "small", types.NodeStatusActive, 1024, 900) // 124 free
	addNode(t, store, "big", types.NodeStatusActive, 4096, 1000)  // 3096 free
	addNode(t, store, "mid", types.NodeStatusActive, 2048, 500)   // 1548 free

	candidate, err := engine.FindPlacement(100)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "big", candidate.NodeID)
	assert.Equal(t, 3096, candidate.AvailableMb)
}

func TestFindPlacementExcludesAndFilters(t *testing.T) {
	engine, store := newEngine(t)

	addNode(t, store, "big", types.NodeStatusActive, 4096, 0)
	addNode(t, store, "degraded", types.NodeStatusDegraded, 8192, 0)
	addNode(t, store, "draining", types.NodeStatusDraining, 8192, 0)
	addNode(t, store, "fallback", types.NodeStatusActive, 1024, 0)

	candidate, err := engine.FindPlacement(100, "big")
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "fallback", candidate.NodeID)
}

func TestFindPlacementNoCapacity(t *testing.T) {
	engine, store := newEngine(t)
	addNode(t, store, "tiny", types.NodeStatusActive, 256, 200)

	candidate, err := engine.FindPlacement(100)
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestFindPlacementDefaultRequirement(t *testing.T) {
	engine, store := newEngine(t)
	addNode(t, store, "n", types.NodeStatusActive, 512, 400) // 112 free

	candidate, err := engine.FindPlacement(0)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "n", candidate.NodeID)
}
