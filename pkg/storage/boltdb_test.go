package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_JoinNode(t *testing.T) {
	store := newTestStore(t)

	node, err := store.JoinNode(&types.ClusterNode{ID: 2, Address: "10.0.0.2:2375", JoinedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, types.MembershipJoining, node.State)
	assert.Equal(t, t0, node.LastHeartbeat)

	_, err = store.JoinNode(&types.ClusterNode{ID: 2, Address: "10.0.0.9:2375", JoinedAt: t0})
	assert.True(t, errdefs.IsIdentity(err))

	_, err = store.JoinNode(&types.ClusterNode{ID: 1, Address: "10.0.0.1:2375", JoinedAt: t0})
	require.NoError(t, err)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, types.NodeID(1), nodes[0].ID)
	assert.Equal(t, types.NodeID(2), nodes[1].ID)

	version, err := store.MembershipVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestBoltStore_HeartbeatAndSweep(t *testing.T) {
	store := newTestStore(t)

	_, err := store.JoinNode(&types.ClusterNode{ID: 1, Address: "a:1", JoinedAt: t0})
	require.NoError(t, err)
	_, err = store.JoinNode(&types.ClusterNode{ID: 2, Address: "b:1", JoinedAt: t0})
	require.NoError(t, err)

	node, err := store.Heartbeat(1, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.MembershipActive, node.State)

	before, err := store.MembershipVersion()
	require.NoError(t, err)

	// Refreshing an active node does not bump the membership version
	_, err = store.Heartbeat(1, t0.Add(20*time.Second))
	require.NoError(t, err)
	after, err := store.MembershipVersion()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	marked, err := store.MarkUnreachable(t0.Add(15 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{2}, marked)

	node, err = store.GetNode(2)
	require.NoError(t, err)
	assert.Equal(t, types.MembershipUnreachable, node.State)

	// An unreachable node may rejoin under its own id with a new address
	node, err = store.JoinNode(&types.ClusterNode{ID: 2, Address: "b:2", JoinedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, types.MembershipActive, node.State)
	assert.Equal(t, "b:2", node.Address)
	assert.Equal(t, t0, node.JoinedAt)

	_, err = store.Heartbeat(9, t0)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestBoltStore_DeleteNode(t *testing.T) {
	store := newTestStore(t)

	_, err := store.JoinNode(&types.ClusterNode{ID: 3, Address: "c:1", JoinedAt: t0})
	require.NoError(t, err)
	require.NoError(t, store.DeleteNode(3))

	_, err = store.GetNode(3)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, store.DeleteNode(3), errdefs.ErrNotFound)
}

func lease(id string, version uint64, ttl time.Duration) *types.RunLease {
	return &types.RunLease{ID: id, Project: "shop", Owner: id + "@host", Version: version, AcquiredAt: t0, ExpiresAt: t0.Add(ttl)}
}

func TestBoltStore_LeaseLifecycle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AcquireLease(lease("r1", 1, time.Minute), t0))

	err := store.AcquireLease(lease("r2", 2, time.Minute), t0.Add(time.Second))
	require.True(t, errdefs.IsConflict(err))

	renewed, err := store.RenewLease("shop", "r1", t0.Add(2*time.Minute), t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Minute), renewed.ExpiresAt)

	_, err = store.RenewLease("shop", "r2", t0.Add(3*time.Minute), t0)
	assert.True(t, errdefs.IsConflict(err))

	record := &types.ConvergenceRecord{Project: "shop", Version: 1, Digest: "sha256:abc", RunID: "r1", AppliedAt: t0.Add(time.Minute)}
	require.NoError(t, store.CommitRun("r1", record, []byte(`{"project":"shop"}`), t0.Add(time.Minute)))

	_, err = store.GetLease("shop")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	got, err := store.GetRecord("shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	// Versions must strictly increase
	err = store.AcquireLease(lease("r3", 1, time.Minute), t0.Add(2*time.Minute))
	assert.True(t, errdefs.IsConflict(err))

	state, err := store.GetDesired("shop", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"project":"shop"}`, string(state))

	versions, err := store.ListDesiredVersions("shop")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, versions)
}

func TestBoltStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AcquireLease(lease("r1", 1, time.Minute), t0))
	require.NoError(t, store.AcquireLease(lease("r2", 1, 3*time.Minute), t0.Add(2*time.Minute)))

	err := store.CommitRun("r1", &types.ConvergenceRecord{Project: "shop", Version: 1}, nil, t0.Add(2*time.Minute))
	assert.True(t, errdefs.IsConflict(err))

	assert.True(t, errdefs.IsConflict(store.ReleaseLease("shop", "r1")))
	require.NoError(t, store.ReleaseLease("shop", "r2"))
	require.NoError(t, store.ReleaseLease("shop", "r2"))
}

func TestBoltStore_ConcurrentAcquireHasOneWinner(t *testing.T) {
	store := newTestStore(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- store.AcquireLease(lease(string(rune('a'+i)), 1, time.Minute), t0)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errdefs.IsConflict(err))
	}
	assert.Equal(t, 1, wins)
}

func TestBoltStore_DumpRestore(t *testing.T) {
	src := newTestStore(t)

	_, err := src.JoinNode(&types.ClusterNode{ID: 1, Address: "a:1", JoinedAt: t0})
	require.NoError(t, err)
	require.NoError(t, src.AcquireLease(lease("r1", 4, time.Minute), t0))
	require.NoError(t, src.CommitRun("r1", &types.ConvergenceRecord{Project: "shop", Version: 4}, []byte(`{}`), t0))

	snapshot, err := src.Dump()
	require.NoError(t, err)
	require.Len(t, snapshot.Desired, 1)
	assert.Equal(t, "shop", snapshot.Desired[0].Project)
	assert.Equal(t, uint64(4), snapshot.Desired[0].Version)

	dst := newTestStore(t)
	_, err = dst.JoinNode(&types.ClusterNode{ID: 7, Address: "z:1", JoinedAt: t0})
	require.NoError(t, err)
	require.NoError(t, dst.Restore(snapshot))

	nodes, err := dst.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeID(1), nodes[0].ID)

	version, err := dst.MembershipVersion()
	require.NoError(t, err)
	assert.Equal(t, snapshot.MembershipVersion, version)

	record, err := dst.GetRecord("shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), record.Version)
}
