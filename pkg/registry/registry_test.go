package registry

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type recorder struct {
	events []*events.Event
}

func (r *recorder) Publish(ev *events.Event) { r.events = append(r.events, ev) }

func (r *recorder) types() []events.EventType {
	var out []events.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newRegistry(t *testing.T) (*Registry, *fakeclock.FakeClock, *recorder) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	backend := state.NewLocalBackend(store)
	t.Cleanup(func() { backend.Close() })

	tokens, err := NewTokenManager(testToken)
	require.NoError(t, err)

	clk := fakeclock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	rec := &recorder{}
	reg, err := New(Config{
		Backend:           backend,
		Tokens:            tokens,
		LivenessThreshold: 30 * time.Second,
		Clock:             clk,
		Events:            rec,
	})
	require.NoError(t, err)
	return reg, clk, rec
}

func TestRegistry_Join(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		id      types.NodeID
		check   func(error) bool
		wantErr bool
	}{
		{name: "valid join", token: testToken, id: 1},
		{name: "token mismatch", token: "wrong", id: 2, wantErr: true, check: errdefs.IsAuth},
		{name: "non-positive id", token: testToken, id: 0, wantErr: true, check: errdefs.IsIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newRegistry(t)
			id, err := reg.Join(ctx, tt.token, tt.id, "10.0.0.1:2375", false)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, tt.check(err), "unexpected error class: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestRegistry_JoinDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	reg, clk, _ := newRegistry(t)

	_, err := reg.Join(ctx, testToken, 3, "10.0.0.3:2375", false)
	require.NoError(t, err)

	// Joining: rejected
	_, err = reg.Join(ctx, testToken, 3, "10.0.0.4:2375", false)
	assert.True(t, errdefs.IsIdentity(err))

	// Active: rejected
	_, err = reg.Heartbeat(ctx, 3)
	require.NoError(t, err)
	_, err = reg.Join(ctx, testToken, 3, "10.0.0.4:2375", false)
	assert.True(t, errdefs.IsIdentity(err))

	// Unreachable: may rejoin with a new address
	clk.Increment(time.Minute)
	marked, err := reg.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{3}, marked)

	_, err = reg.Join(ctx, testToken, 3, "10.0.0.4:2375", false)
	require.NoError(t, err)
	addr, err := reg.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4:2375", addr)
}

func TestRegistry_LivenessLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, clk, rec := newRegistry(t)

	for _, id := range []types.NodeID{2, 1} {
		_, err := reg.Join(ctx, testToken, id, "host:2375", false)
		require.NoError(t, err)
		_, err = reg.Heartbeat(ctx, id)
		require.NoError(t, err)
	}

	active, err := reg.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, types.NodeID(1), active[0].ID)
	assert.Equal(t, types.NodeID(2), active[1].ID)

	clk.Increment(20 * time.Second)
	_, err = reg.Heartbeat(ctx, 1)
	require.NoError(t, err)

	clk.Increment(20 * time.Second)
	marked, err := reg.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{2}, marked)

	active, err = reg.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, types.NodeID(1), active[0].ID)

	// Unreachable nodes are kept until forgotten explicitly
	all, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	node, err := reg.Heartbeat(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, types.MembershipActive, node.State)

	assert.Contains(t, rec.types(), events.EventNodeUnreachable)
	assert.Contains(t, rec.types(), events.EventNodeRecovered)
}

func TestRegistry_Forget(t *testing.T) {
	ctx := context.Background()
	reg, _, rec := newRegistry(t)

	_, err := reg.Join(ctx, testToken, 5, "10.0.0.5:2375", false)
	require.NoError(t, err)

	before, err := reg.Membership()
	require.NoError(t, err)

	require.NoError(t, reg.Forget(ctx, 5))

	after, err := reg.Membership()
	require.NoError(t, err)
	assert.Greater(t, after.Version, before.Version)
	assert.Empty(t, after.Nodes)

	err = reg.Forget(ctx, 5)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.Equal(t, []events.EventType{events.EventNodeJoined, events.EventNodeForgotten}, rec.types())
	for _, ev := range rec.events {
		assert.Equal(t, types.NodeID(5), ev.Node)
	}
}

func TestRegistry_RunSweepsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg, clk, _ := newRegistry(t)

	_, err := reg.Join(ctx, testToken, 1, "a:1", false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 5*time.Second)
		close(done)
	}()

	clk.WaitForWatcherAndIncrement(time.Minute)
	require.Eventually(t, func() bool {
		node, err := reg.Get(1)
		return err == nil && node.State == types.MembershipUnreachable
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestIDs(t *testing.T) {
	set := IDs([]*types.ClusterNode{{ID: 1}, {ID: 4}})
	assert.True(t, set.Contains(1))
	assert.True(t, set.Contains(4))
	assert.False(t, set.Contains(2))
}
