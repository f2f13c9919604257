package rollout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/observer"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []events.EventType
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
}

func (r *recorder) seen() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EventType(nil), r.events...)
}

type harness struct {
	prop    *convergence.Propagator
	drivers map[types.NodeID]runtime.Driver
	mem     map[types.NodeID]*runtime.MemoryDriver
	nodes   []*types.ClusterNode
	events  *recorder
}

func newHarness(t *testing.T, ids ...types.NodeID) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	backend := state.NewLocalBackend(store)
	t.Cleanup(func() { backend.Close() })

	h := &harness{
		prop:    convergence.New(convergence.Config{Backend: backend, LeaseTTL: time.Minute, Owner: "test"}),
		drivers: make(map[types.NodeID]runtime.Driver),
		mem:     make(map[types.NodeID]*runtime.MemoryDriver),
		events:  &recorder{},
	}
	for _, id := range ids {
		d := runtime.NewMemoryDriver()
		h.mem[id] = d
		h.drivers[id] = d
		h.nodes = append(h.nodes, &types.ClusterNode{ID: id, Address: fmt.Sprintf("10.0.0.%d:2375", id), State: types.MembershipActive})
	}
	return h
}

func (h *harness) orchestrator(batch int) *Orchestrator {
	return New(Config{
		Coordinator: h.prop,
		Nodes:       NodeListerFunc(func() ([]*types.ClusterNode, error) { return h.nodes, nil }),
		Dialer: observer.DialerFunc(func(n *types.ClusterNode) (runtime.Driver, error) {
			return h.drivers[n.ID], nil
		}),
		BatchSize:      batch,
		ObserveTimeout: time.Second,
		Health: HealthPolicy{
			Timeout:        100 * time.Millisecond,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
		},
		Events: h.events,
	})
}

func layer(n int) *int { return &n }

func onNodes(ids ...types.NodeID) *types.Placement {
	return &types.Placement{Mode: types.PlacementNodes, Nodes: ids}
}

var httpCheck = &types.HealthCheck{Type: types.HealthCheckHTTP, Endpoint: "http://localhost:8080/health"}

func shop(services ...*types.ServiceSpec) *types.DesiredState {
	d := &types.DesiredState{Project: "shop", Services: map[string]*types.ServiceSpec{}}
	for _, s := range services {
		d.Services[s.Name] = s
	}
	return d
}

func scenario() *types.DesiredState {
	return shop(
		&types.ServiceSpec{Name: "web", Image: "nginx:1.25", Layer: layer(0), Placement: onNodes(1, 2), HealthCheck: httpCheck},
		&types.ServiceSpec{Name: "db", Image: "postgres:16", Layer: layer(1), Placement: onNodes(1)},
	)
}

func waveNames(report *types.RunReport) []string {
	var names []string
	for _, w := range report.Waves {
		names = append(names, w.Name)
	}
	return names
}

func TestRunCreatesLayersInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)

	report := h.orchestrator(2).Run(ctx, scenario())

	require.Equal(t, types.RunCompleted, report.State, report.Error)
	assert.Equal(t, types.OutcomeFullyApplied, report.Outcome)
	assert.Equal(t, uint64(1), report.Version)
	assert.Equal(t, []string{"layer 0 batch 1", "layer 1 batch 1"}, waveNames(report))
	assert.Len(t, report.Waves[0].Operations, 2)
	assert.Len(t, report.Waves[1].Operations, 1)
	for _, in := range report.Instances {
		assert.Equal(t, types.InstanceConverged, in.Status, in.Service)
	}

	assert.Equal(t, []string{"create web", "start web", "create db", "start db"}, h.mem[1].Calls())
	assert.Equal(t, []string{"create web", "start web"}, h.mem[2].Calls())

	record, err := h.prop.Record(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1), record.Version)
	assert.Equal(t, report.RunID, record.RunID)
	assert.Empty(t, record.PendingNodes)

	got := h.events.seen()
	require.NotEmpty(t, got)
	assert.Equal(t, events.EventRunStarted, got[0])
	assert.Equal(t, events.EventRunCompleted, got[len(got)-1])

	var states []types.RunState
	for _, tr := range report.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []types.RunState{
		types.RunWaveExecuting, types.RunWaveVerifying,
		types.RunWaveExecuting, types.RunWaveVerifying,
		types.RunCompleted,
	}, states)
}

func TestRunAgainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	o := h.orchestrator(2)

	first := o.Run(ctx, scenario())
	require.Equal(t, types.RunCompleted, first.State, first.Error)
	calls := len(h.mem[1].Calls())

	second := o.Run(ctx, scenario())
	require.Equal(t, types.RunCompleted, second.State, second.Error)
	assert.Equal(t, types.OutcomeFullyApplied, second.Outcome)
	assert.Equal(t, uint64(2), second.Version)
	assert.Empty(t, second.Waves)
	assert.Len(t, h.mem[1].Calls(), calls)

	history, err := h.prop.History("shop")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, history)
}

func TestRunAbortsOnUnhealthyWave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	// declares a check that never reports healthy
	h.mem[2].SetHealth("web", types.HealthUnknown)

	report := h.orchestrator(1).Run(ctx, scenario())

	require.Equal(t, types.RunAborted, report.State)
	assert.Equal(t, types.OutcomePartiallyApplied, report.Outcome)
	assert.Equal(t, 2, report.StoppedAt)
	require.Len(t, report.Waves, 3)
	assert.Equal(t, types.WaveSucceeded, report.Waves[0].Result)
	assert.Equal(t, types.WaveAborted, report.Waves[1].Result)
	assert.Equal(t, types.WaveSkipped, report.Waves[2].Result)
	assert.Equal(t, types.OpResultUnhealthy, report.Waves[1].Operations[0].Result)
	assert.Contains(t, report.Waves[1].Operations[0].Error, "health")
	assert.Equal(t, types.OpResultSkipped, report.Waves[2].Operations[0].Result)

	assert.Equal(t, types.InstanceConverged, report.Instance(1, "web").Status)
	assert.Equal(t, types.InstanceFailed, report.Instance(2, "web").Status)
	assert.Equal(t, types.InstanceNotAttempted, report.Instance(1, "db").Status)
	assert.NotContains(t, h.mem[1].Calls(), "create db")

	record, err := h.prop.Record(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, record)
	lease, err := h.prop.Lease("shop")
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestRunAbortsOnRuntimeError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	h.mem[1].FailOn("create", "web", errors.New("image pull failed"))

	report := h.orchestrator(2).Run(ctx, scenario())

	require.Equal(t, types.RunAborted, report.State)
	// node 2's web was created in the same wave
	assert.Equal(t, types.OutcomePartiallyApplied, report.Outcome)
	assert.Equal(t, 1, report.StoppedAt)
	assert.Equal(t, types.InstanceFailed, report.Instance(1, "web").Status)
	assert.Contains(t, report.Instance(1, "web").Reason, "image pull failed")
	assert.Equal(t, types.InstanceConverged, report.Instance(2, "web").Status)
}

func TestRunRejectedWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)

	held, err := h.prop.BeginRun(ctx, "shop", 1)
	require.NoError(t, err)

	report := h.orchestrator(1).Run(ctx, scenario())
	assert.Equal(t, types.RunConflictRejected, report.State)
	assert.Equal(t, types.OutcomeNothingApplied, report.Outcome)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, h.mem[1].Calls())

	// the other operator's lease is untouched
	lease, err := h.prop.Lease("shop")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, held.ID, lease.ID)

	require.NoError(t, h.prop.AbortRun(ctx, held))
	report = h.orchestrator(1).Run(ctx, scenario())
	assert.Equal(t, types.RunCompleted, report.State, report.Error)
}

// uncommitted loses every commit
type uncommitted struct {
	*convergence.Propagator
}

func (uncommitted) CommitRun(context.Context, *types.RunLease, string, []types.NodeID, []byte) (*types.ConvergenceRecord, error) {
	return nil, errors.New("state store unavailable")
}

func TestRunCommitFailureIsNotSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	o := h.orchestrator(2)
	o.coord = uncommitted{h.prop}

	report := o.Run(ctx, scenario())

	require.Equal(t, types.RunAborted, report.State)
	assert.Equal(t, types.OutcomePartiallyApplied, report.Outcome)
	assert.Contains(t, report.Error, "failed to commit run")
	for _, w := range report.Waves {
		assert.Equal(t, types.WaveSucceeded, w.Result, w.Name)
	}
	assert.Equal(t, events.EventRunAborted, h.events.seen()[len(h.events.seen())-1])

	record, err := h.prop.Record(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, record)
	lease, err := h.prop.Lease("shop")
	require.NoError(t, err)
	assert.Nil(t, lease, "the lease is released after a failed commit")
}

// gatedDriver blocks Inspect until the gate opens
type gatedDriver struct {
	*runtime.MemoryDriver
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (d *gatedDriver) Inspect(ctx context.Context, project string) ([]*types.ObservedContainer, error) {
	d.once.Do(func() {
		close(d.entered)
		<-d.gate
	})
	return d.MemoryDriver.Inspect(ctx, project)
}

func TestConcurrentRunsOneProceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	gated := &gatedDriver{MemoryDriver: h.mem[1], entered: make(chan struct{}), gate: make(chan struct{})}
	h.drivers[1] = gated
	desired := shop(&types.ServiceSpec{Name: "web", Image: "nginx", Placement: onNodes(1)})

	first := make(chan *types.RunReport, 1)
	go func() { first <- h.orchestrator(1).Run(ctx, desired) }()
	<-gated.entered

	second := h.orchestrator(1).Run(ctx, desired)
	assert.Equal(t, types.RunConflictRejected, second.State)

	close(gated.gate)
	report := <-first
	assert.Equal(t, types.RunCompleted, report.State, report.Error)
	assert.Equal(t, []string{"create web", "start web"}, h.mem[1].Calls())
}

func TestRunPlacementErrorAppliesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	desired := shop(&types.ServiceSpec{Name: "web", Image: "nginx", Placement: onNodes(1, 9)})

	report := h.orchestrator(1).Run(ctx, desired)

	assert.Equal(t, types.RunFailed, report.State)
	assert.Equal(t, types.OutcomeNothingApplied, report.Outcome)
	assert.Empty(t, report.Waves)
	assert.Empty(t, h.mem[1].Calls())
	lease, err := h.prop.Lease("shop")
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestRunUnreachableNodeIsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)
	h.mem[2].FailOn("inspect", "*", errors.New("connection refused"))
	desired := shop(&types.ServiceSpec{Name: "web", Image: "nginx", Placement: onNodes(1, 2)})

	report := h.orchestrator(2).Run(ctx, desired)

	require.Equal(t, types.RunCompleted, report.State, report.Error)
	assert.Equal(t, types.OutcomePartiallyApplied, report.Outcome)
	assert.Equal(t, types.InstanceConverged, report.Instance(1, "web").Status)
	assert.Equal(t, types.InstanceBlocked, report.Instance(2, "web").Status)

	record, err := h.prop.Record(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, []types.NodeID{2}, record.PendingNodes)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.orchestrator(1).Run(ctx, scenario())
	assert.Equal(t, types.RunFailed, report.State)
	assert.Equal(t, types.OutcomeNothingApplied, report.Outcome)
	assert.Empty(t, h.mem[1].Calls())
}

func TestDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 2)

	preview, err := h.orchestrator(1).DryRun(ctx, scenario())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), preview.Version)
	assert.Equal(t, 3, preview.Plan.Count(types.OpCreate))
	assert.Len(t, preview.Waves, 3)
	assert.Empty(t, h.mem[1].Calls())
	assert.Empty(t, h.mem[2].Calls())
}

func op(kind types.OperationKind, node types.NodeID, service string, layer int) *types.Operation {
	return &types.Operation{Kind: kind, Node: node, Service: service, Layer: layer, DesiredVersion: 1, SnapshotID: "snap"}
}

func TestBuildWaves(t *testing.T) {
	ops := []*types.Operation{
		op(types.OpCreate, 1, "web", 0),
		op(types.OpCreate, 2, "web", 0),
		op(types.OpNoop, 3, "web", 0),
		op(types.OpRecreate, 3, "api", 0),
		op(types.OpCreate, 1, "db", 1),
		op(types.OpStop, 2, "old", 2),
		op(types.OpRemove, 2, "old", 2),
	}

	waves, err := BuildWaves(ops, 2)
	require.NoError(t, err)

	var got []string
	for _, w := range waves {
		got = append(got, fmt.Sprintf("%d %s %d", w.Index, w.Name, len(w.Operations)))
	}
	assert.Equal(t, []string{
		"1 layer 0 batch 1 2",
		"2 layer 0 batch 2 1",
		"3 layer 1 batch 1 1",
		"4 layer 2 batch 1 step 1 1",
		"5 layer 2 batch 1 step 2 1",
	}, got)
	assert.Equal(t, types.OpStop, waves[3].Operations[0].Kind)
	assert.Equal(t, types.OpRemove, waves[4].Operations[0].Kind)
}

func TestBuildWavesErrors(t *testing.T) {
	_, err := BuildWaves(nil, 0)
	assert.Error(t, err)

	mixed := op(types.OpCreate, 2, "web", 0)
	mixed.DesiredVersion = 2
	_, err = BuildWaves([]*types.Operation{op(types.OpCreate, 1, "web", 0), mixed}, 1)
	assert.Error(t, err)

	stale := op(types.OpCreate, 2, "web", 0)
	stale.SnapshotID = "other"
	_, err = BuildWaves([]*types.Operation{op(types.OpCreate, 1, "web", 0), stale}, 1)
	assert.Error(t, err)

	waves, err := BuildWaves([]*types.Operation{op(types.OpNoop, 1, "web", 0)}, 1)
	require.NoError(t, err)
	assert.Empty(t, waves)
}

func TestBuildWavesProperty(t *testing.T) {
	kinds := []types.OperationKind{types.OpCreate, types.OpRecreate, types.OpStart, types.OpStop, types.OpRemove, types.OpNoop}
	services := []string{"web", "api", "db"}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "ops")
		batch := rapid.IntRange(1, 4).Draw(t, "batch")
		var ops []*types.Operation
		for i := 0; i < n; i++ {
			ops = append(ops, op(
				rapid.SampledFrom(kinds).Draw(t, "kind"),
				types.NodeID(rapid.IntRange(1, 5).Draw(t, "node")),
				rapid.SampledFrom(services).Draw(t, "service"),
				rapid.IntRange(0, 3).Draw(t, "layer"),
			))
		}

		// plans arrive ordered by layer
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].Layer < ops[j].Layer })

		waves, err := BuildWaves(ops, batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		placed := make(map[*types.Operation]int)
		lastLayer := -1
		for i, w := range waves {
			if w.Index != i+1 {
				t.Fatalf("wave %d has index %d", i+1, w.Index)
			}
			if w.Layer < lastLayer {
				t.Fatalf("layer %d after layer %d", w.Layer, lastLayer)
			}
			lastLayer = w.Layer
			pairs := make(map[types.InstanceKey]bool)
			nodes := make(map[types.NodeID]bool)
			for _, o := range w.Operations {
				if pairs[o.Key()] {
					t.Fatalf("wave %d touches %s twice", w.Index, o.Key())
				}
				pairs[o.Key()] = true
				nodes[o.Node] = true
				if o.Layer != w.Layer {
					t.Fatalf("operation of layer %d in wave of layer %d", o.Layer, w.Layer)
				}
				placed[o] = w.Index
			}
			if len(nodes) > batch {
				t.Fatalf("wave %d spans %d nodes with batch %d", w.Index, len(nodes), batch)
			}
		}

		// every change is placed exactly once, and operations on one pair keep plan order
		last := make(map[types.InstanceKey]int)
		for _, o := range ops {
			if o.Kind == types.OpNoop {
				if _, ok := placed[o]; ok {
					t.Fatalf("no-op placed in a wave")
				}
				continue
			}
			idx, ok := placed[o]
			if !ok {
				t.Fatalf("operation %s %s not placed", o.Kind, o.Key())
			}
			if idx <= last[o.Key()] {
				t.Fatalf("operation on %s out of order", o.Key())
			}
			last[o.Key()] = idx
		}
	})
}
