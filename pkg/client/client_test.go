package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/test/bufconn"

	"github.com/overnode-org/overnode/pkg/api"
	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/registry"
	"github.com/overnode-org/overnode/pkg/rollout"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
)

const testToken = "0123456789abcdef0123456789abcdef"

// cluster runs in-memory agents; "agent-1" hosts the registry
type cluster struct {
	listeners map[string]*bufconn.Listener
	drivers   map[string]*runtime.MemoryDriver
	registry  *registry.Registry
}

func (c *cluster) dial(ctx context.Context, addr string) (net.Conn, error) {
	lis, ok := c.listeners[addr]
	if !ok {
		return nil, fmt.Errorf("no route to %s", addr)
	}
	return lis.DialContext(ctx)
}

func newCluster(t *testing.T, agents int) *cluster {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	backend := state.NewLocalBackend(store)
	t.Cleanup(func() { backend.Close() })

	tokens, err := registry.NewTokenManager(testToken)
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{Backend: backend, Tokens: tokens})
	require.NoError(t, err)
	prop := convergence.New(convergence.Config{Backend: backend, LeaseTTL: time.Minute, Owner: "registry"})

	c := &cluster{
		listeners: make(map[string]*bufconn.Listener),
		drivers:   make(map[string]*runtime.MemoryDriver),
		registry:  reg,
	}
	for i := 1; i <= agents; i++ {
		addr := fmt.Sprintf("agent-%d", i)
		driver := runtime.NewMemoryDriver()
		cfg := api.Config{Driver: driver, Validate: tokens.Validate}
		if i == 1 {
			cfg.Registry = reg
			cfg.Coordinator = prop
		}
		srv, err := api.NewServer(cfg)
		require.NoError(t, err)

		lis := bufconn.Listen(1 << 20)
		go func() { _ = srv.Serve(lis) }()
		t.Cleanup(srv.Shutdown)

		c.listeners[addr] = lis
		c.drivers[addr] = driver
	}
	return c
}

func (c *cluster) client(t *testing.T, addr, token string) *Client {
	t.Helper()
	cl, err := New(addr, token, WithDialer(c.dial), WithOwner("tester"), WithTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

// join admits every agent under its index and marks it active
func (c *cluster) join(t *testing.T, registryHost *Client) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= len(c.listeners); i++ {
		id := types.NodeID(i)
		_, err := registryHost.Join(ctx, &api.JoinRequest{Token: testToken, ID: id, Address: fmt.Sprintf("agent-%d", i)})
		require.NoError(t, err)
		_, err = registryHost.Heartbeat(ctx, id)
		require.NoError(t, err)
	}
}

func TestJoinOverTheWire(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	host := c.client(t, "agent-1", testToken)

	_, err := host.Join(ctx, &api.JoinRequest{Token: "wrong", ID: 2, Address: "agent-2"})
	assert.True(t, errdefs.IsAuth(err), "got %v", err)

	resp, err := host.Join(ctx, &api.JoinRequest{Token: testToken, ID: 2, Address: "agent-2"})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(2), resp.ID)
	require.Len(t, resp.Membership.Nodes, 1)
	assert.Equal(t, types.MembershipJoining, resp.Membership.Nodes[0].State)

	_, err = host.Join(ctx, &api.JoinRequest{Token: testToken, ID: 2, Address: "agent-9"})
	assert.True(t, errdefs.IsIdentity(err), "got %v", err)

	node, err := host.Heartbeat(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, types.MembershipActive, node.State)

	nodes, err := host.List()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "agent-2", nodes[0].Address)

	require.NoError(t, host.Forget(ctx, 2))
	nodes, err = host.List()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestCallsRequireToken(t *testing.T) {
	c := newCluster(t, 1)
	stranger := c.client(t, "agent-1", "not-the-token")

	_, err := stranger.Inspect(context.Background(), "shop")
	assert.True(t, errdefs.IsAuth(err), "got %v", err)
}

func TestRegistryCallsOnPlainNode(t *testing.T) {
	c := newCluster(t, 2)
	plain := c.client(t, "agent-2", testToken)

	_, err := plain.BeginRun(context.Background(), "shop", 1)
	assert.True(t, errors.Is(err, api.ErrNotRegistryHost), "got %v", err)

	// runtime calls are served by every node
	containers, err := plain.Inspect(context.Background(), "shop")
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestLeaseConflictOverTheWire(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	host := c.client(t, "agent-1", testToken)

	record, err := host.Record(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, record)

	lease, err := host.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)
	assert.Equal(t, "tester", lease.Owner)

	_, err = host.BeginRun(ctx, "shop", 1)
	var conflict *errdefs.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, "shop", conflict.Project)

	renewed, err := host.RenewRun(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, lease.ID, renewed.ID)

	record, err = host.CommitRun(ctx, renewed, "sha256:aa", nil, []byte(`{"project":"shop"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Version)

	version, err := convergence.NextVersion(ctx, host, "shop")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestRuntimeCallsOverTheWire(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	node := c.client(t, "agent-1", testToken)
	spec := &types.ServiceSpec{
		Name:        "web",
		Image:       "docker.io/library/nginx:latest",
		HealthCheck: &types.HealthCheck{Type: types.HealthCheckTCP, Endpoint: "localhost:80", Interval: time.Second},
	}

	id, err := node.Create(ctx, "shop", spec, "sha256:fp")
	require.NoError(t, err)
	assert.Equal(t, runtime.ContainerID("shop", "web"), id)
	require.NoError(t, node.Start(ctx, id))

	health, err := node.HealthOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, health)

	containers, err := node.Inspect(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "sha256:fp", containers[0].Fingerprint)
	assert.Equal(t, types.ContainerRunning, containers[0].State)

	c.drivers["agent-1"].FailOn("stop", "web", errors.New("device busy"))
	err = node.Stop(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")

	_, err = node.HealthOf(ctx, "shop_missing")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)
}

func TestUnreachableAgentIsNetworkError(t *testing.T) {
	c := newCluster(t, 1)
	gone := c.client(t, "agent-404", testToken)

	_, err := gone.Inspect(context.Background(), "shop")
	assert.True(t, errdefs.IsNetwork(err), "got %v", err)
}

func TestRolloutThroughAgents(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	host := c.client(t, "agent-1", testToken)
	c.join(t, host)

	pool := NewPool(testToken, WithDialer(c.dial))
	t.Cleanup(func() { pool.Close() })

	o := rollout.New(rollout.Config{
		Coordinator: host,
		Nodes:       host,
		Dialer:      pool,
		BatchSize:   1,
		Health:      rollout.HealthPolicy{Timeout: time.Second, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	})
	desired := &types.DesiredState{Project: "shop", Services: map[string]*types.ServiceSpec{
		"web": {Name: "web", Image: "docker.io/library/nginx:latest", Placement: &types.Placement{Mode: types.PlacementAll}},
	}}

	report := o.Run(ctx, desired)
	require.Equal(t, types.RunCompleted, report.State, report.Error)
	assert.Equal(t, types.OutcomeFullyApplied, report.Outcome)
	assert.Len(t, report.Waves, 2)

	for _, addr := range []string{"agent-1", "agent-2"} {
		_, ok := c.drivers[addr].Container(runtime.ContainerID("shop", "web"))
		assert.True(t, ok, addr)
	}

	record, err := host.Record(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, report.RunID, record.RunID)
}
