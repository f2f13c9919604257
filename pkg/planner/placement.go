package planner

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/types"
)

// cluster is the planner's view of nodes: what is registered and what
// answered the observe pass
type cluster struct {
	registered map[types.NodeID]*types.ClusterNode
	live       mapset.Set[types.NodeID]
	obs        *types.Observation
}

func newCluster(nodes []*types.ClusterNode, obs *types.Observation) *cluster {
	c := &cluster{
		registered: make(map[types.NodeID]*types.ClusterNode, len(nodes)),
		live:       mapset.NewThreadUnsafeSet[types.NodeID](),
		obs:        obs,
	}
	for _, n := range nodes {
		if n.State == types.MembershipLeft {
			continue
		}
		c.registered[n.ID] = n
		if n.State != types.MembershipActive {
			continue
		}
		if o, ok := obs.Nodes[n.ID]; ok && o.Reachable {
			c.live.Add(n.ID)
		}
	}
	return c
}

// ids returns registered node ids in ascending order
func (c *cluster) ids() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.registered))
	for id := range c.registered {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	return ids
}

// container returns the observed container of a service on a live node
func (c *cluster) container(node types.NodeID, service string) *types.ObservedContainer {
	o, ok := c.obs.Nodes[node]
	if !ok {
		return nil
	}
	for _, oc := range o.Containers {
		if oc.Service == service && oc.State != types.ContainerMissing {
			return oc
		}
	}
	return nil
}

// placement is where one service should run
type placement struct {
	nodes   []types.NodeID // live nodes selected to run the service
	blocked []types.NodeID // candidates that could not be observed
	warning string
}

// place resolves a service's placement against the cluster. Listed nodes
// must be registered; candidates that are not live are reported as blocked
// and never receive operations.
func (c *cluster) place(spec *types.ServiceSpec, fingerprint string) (*placement, error) {
	var candidates []types.NodeID
	p := spec.Placement
	if p == nil || p.Mode == types.PlacementAll {
		candidates = c.ids()
	} else {
		seen := mapset.NewThreadUnsafeSet[types.NodeID]()
		for _, id := range p.Nodes {
			if _, ok := c.registered[id]; !ok {
				return nil, errdefs.Placementf(spec.Name, "node %d is not registered", id)
			}
			if seen.Add(id) {
				candidates = append(candidates, id)
			}
		}
		sortNodeIDs(candidates)
	}

	var live, blocked []types.NodeID
	for _, id := range candidates {
		if c.live.Contains(id) {
			live = append(live, id)
		} else {
			blocked = append(blocked, id)
		}
	}

	result := &placement{nodes: live, blocked: blocked}
	replicas := 0
	if p != nil {
		replicas = p.Replicas
	}
	if replicas == 0 {
		return result, nil
	}

	if replicas < len(live) {
		result.nodes = c.selectNodes(live, spec.Name, fingerprint, replicas)
	}
	// blocked candidates only matter when the live ones cannot host every replica
	if len(live) >= replicas {
		result.blocked = nil
	}
	if len(candidates) < replicas {
		result.warning = fmt.Sprintf("service %s wants %d replicas but only %d nodes match its placement", spec.Name, replicas, len(candidates))
	} else if len(live) < replicas {
		result.warning = fmt.Sprintf("service %s wants %d replicas but only %d matching nodes are reachable", spec.Name, replicas, len(live))
	}
	return result, nil
}

// selectNodes picks n of the live candidates, preferring nodes that already
// run a matching instance, then nodes holding any instance, then the lowest id
func (c *cluster) selectNodes(live []types.NodeID, service, fingerprint string, n int) []types.NodeID {
	rank := func(id types.NodeID) int {
		oc := c.container(id, service)
		switch {
		case oc == nil:
			return 2
		case oc.Fingerprint == fingerprint && oc.State == types.ContainerRunning:
			return 0
		default:
			return 1
		}
	}
	ranked := append([]types.NodeID(nil), live...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := rank(ranked[i]), rank(ranked[j])
		if ri != rj {
			return ri < rj
		}
		return ranked[i] < ranked[j]
	})
	selected := ranked[:n]
	sortNodeIDs(selected)
	return selected
}

func sortNodeIDs(ids []types.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
