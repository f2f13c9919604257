package convergence

import (
	"context"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newPropagator(t testing.TB) (*Propagator, *fakeclock.FakeClock) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	backend := state.NewLocalBackend(store)
	t.Cleanup(func() { backend.Close() })

	clk := fakeclock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Backend: backend, LeaseTTL: time.Minute, Clock: clk, Owner: "test"}), clk
}

func TestPropagator_CommitAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	p, _ := newPropagator(t)

	version, err := NextVersion(ctx, p, "shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	lease, err := p.BeginRun(ctx, "shop", version)
	require.NoError(t, err)
	assert.Equal(t, "test", lease.Owner)

	record, err := p.CommitRun(ctx, lease, "sha256:aa", []types.NodeID{3}, []byte(`{"project":"shop","version":1}`))
	require.NoError(t, err)
	assert.Equal(t, lease.ID, record.RunID)

	got, err := p.Record(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, []types.NodeID{3}, got.PendingNodes)

	current, err := p.Lease("shop")
	require.NoError(t, err)
	assert.Nil(t, current)

	// Same version again is stale
	_, err = p.BeginRun(ctx, "shop", 1)
	assert.True(t, errdefs.IsConflict(err))

	version, err = NextVersion(ctx, p, "shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	history, err := p.History("shop")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, history)
}

func TestPropagator_AbortKeepsRecord(t *testing.T) {
	ctx := context.Background()
	p, _ := newPropagator(t)

	lease, err := p.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)
	require.NoError(t, p.AbortRun(ctx, lease))

	record, err := p.Record(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, record)

	// Lease is free again and the version was never consumed
	_, err = p.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)
}

func TestPropagator_RenewAndTakeover(t *testing.T) {
	ctx := context.Background()
	p, clk := newPropagator(t)

	first, err := p.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)

	clk.Increment(45 * time.Second)
	renewed, err := p.RenewRun(ctx, first)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(first.ExpiresAt))

	clk.Increment(45 * time.Second)
	_, err = p.BeginRun(ctx, "shop", 1)
	assert.True(t, errdefs.IsConflict(err), "renewed lease must still be held")

	clk.Increment(time.Minute)
	second, err := p.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = p.RenewRun(ctx, first)
	assert.True(t, errdefs.IsConflict(err))
	_, err = p.CommitRun(ctx, first, "", nil, nil)
	assert.True(t, errdefs.IsConflict(err))
}

func TestPropagator_ConcurrentBeginHasOneWinner(t *testing.T) {
	ctx := context.Background()
	p, _ := newPropagator(t)

	const runs = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*types.RunLease
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.BeginRun(ctx, "shop", 1)
			if err != nil {
				assert.True(t, errdefs.IsConflict(err))
				return
			}
			mu.Lock()
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, leases, 1)
}

// Any interleaving of begin/commit/abort calls from several runs keeps the
// committed version strictly increasing and never lets two runs hold the
// lease at the same time.
func TestPropagator_ConflictSafetyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		p, clk := newPropagator(t)

		held := map[int]*types.RunLease{}
		var committed uint64

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			run := rapid.IntRange(0, 2).Draw(rt, "run")
			switch rapid.IntRange(0, 3).Draw(rt, "action") {
			case 0:
				version := committed + uint64(rapid.IntRange(0, 2).Draw(rt, "ahead"))
				if version == 0 {
					version = 1
				}
				lease, err := p.BeginRun(ctx, "proj", version)
				if err == nil {
					for other, l := range held {
						if other != run && !l.Expired(clk.Now()) {
							rt.Fatalf("run %d acquired while run %d holds %s", run, other, l.ID)
						}
					}
					if version <= committed {
						rt.Fatalf("acquired stale version %d (committed %d)", version, committed)
					}
					held = map[int]*types.RunLease{run: lease}
				} else if !errdefs.IsConflict(err) {
					rt.Fatalf("unexpected error: %v", err)
				}
			case 1:
				if lease, ok := held[run]; ok {
					if _, err := p.CommitRun(ctx, lease, "", nil, nil); err == nil {
						if lease.Version <= committed {
							rt.Fatalf("committed non-increasing version %d after %d", lease.Version, committed)
						}
						committed = lease.Version
						delete(held, run)
					}
				}
			case 2:
				if lease, ok := held[run]; ok {
					if err := p.AbortRun(ctx, lease); err == nil {
						delete(held, run)
					}
				}
			case 3:
				clk.Increment(time.Duration(rapid.IntRange(1, 90).Draw(rt, "seconds")) * time.Second)
			}
		}

		record, err := p.Record(ctx, "proj")
		if err != nil {
			rt.Fatalf("record: %v", err)
		}
		if committed == 0 && record != nil || committed > 0 && (record == nil || record.Version != committed) {
			rt.Fatalf("record %+v does not match committed version %d", record, committed)
		}
	})
}
