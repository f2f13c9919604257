package observer

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/types"
)

// DefaultTimeout bounds how long one node may take to answer
const DefaultTimeout = 10 * time.Second

// Dialer returns the runtime driver of a node
type Dialer interface {
	Driver(node *types.ClusterNode) (runtime.Driver, error)
}

// DialerFunc adapts a function to a Dialer
type DialerFunc func(node *types.ClusterNode) (runtime.Driver, error)

func (f DialerFunc) Driver(node *types.ClusterNode) (runtime.Driver, error) { return f(node) }

// Observer gathers the actual state of a project across nodes
type Observer struct {
	dialer  Dialer
	timeout time.Duration
	clock   clock.Clock
}

// New creates an observer. A zero timeout uses DefaultTimeout.
func New(dialer Dialer, timeout time.Duration, clk clock.Clock) *Observer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Observer{dialer: dialer, timeout: timeout, clock: clk}
}

// Observe queries every active node in parallel. A node that fails or does
// not answer within the timeout is reported unreachable with the error text;
// nodes the registry does not consider active are not queried. Every call
// produces a new snapshot id.
func (o *Observer) Observe(ctx context.Context, project string, nodes []*types.ClusterNode) *types.Observation {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ObserveDuration)

	obs := &types.Observation{
		SnapshotID: uuid.New().String(),
		Project:    project,
		ObservedAt: o.clock.Now(),
		Nodes:      make(map[types.NodeID]*types.NodeObservation),
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, node := range nodes {
		if node.State != types.MembershipActive {
			continue
		}
		node := node
		g.Go(func() error {
			result := o.observeNode(ctx, project, node)
			mu.Lock()
			obs.Nodes[node.ID] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	unreachable := 0
	for _, n := range obs.Nodes {
		if !n.Reachable {
			unreachable++
		}
	}
	metrics.UnreachableDuringObserve.Add(float64(unreachable))

	logger := log.WithProject(project)
	logger.Debug().
		Str("snapshot_id", obs.SnapshotID).
		Int("nodes", len(obs.Nodes)).
		Int("unreachable", unreachable).
		Dur("duration", timer.Duration()).
		Msg("Observation complete")

	return obs
}

func (o *Observer) observeNode(ctx context.Context, project string, node *types.ClusterNode) *types.NodeObservation {
	result := &types.NodeObservation{Node: node.ID}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	driver, err := o.dialer.Driver(node)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	containers, err := driver.Inspect(ctx, project)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		logger := log.WithNodeID(int(node.ID))
		logger.Warn().Err(err).Str("project", project).Msg("Node unreachable during observe")
		result.Error = err.Error()
		return result
	}

	for _, c := range containers {
		c.Node = node.ID
	}
	result.Reachable = true
	result.Containers = containers
	return result
}
