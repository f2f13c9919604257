package planner

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/types"
)

// Plan is the ordered set of operations that converges observed onto desired state
type Plan struct {
	Project    string
	Version    uint64
	SnapshotID string
	// Operations includes no-ops for every converged instance
	Operations []*types.Operation
	// Blocked lists desired instances on nodes that could not be observed
	Blocked  []types.InstanceKey
	Warnings []string
	// Layers in execution order; the last one holds removals
	Layers []int
}

// Changes returns the operations that are not no-ops, in plan order
func (p *Plan) Changes() []*types.Operation {
	var out []*types.Operation
	for _, op := range p.Operations {
		if op.Kind != types.OpNoop {
			out = append(out, op)
		}
	}
	return out
}

// Count returns how many operations of a kind the plan holds
func (p *Plan) Count(kind types.OperationKind) int {
	n := 0
	for _, op := range p.Operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Desired returns every (node, service) pair the plan places, blocked ones included
func (p *Plan) Desired() []types.InstanceKey {
	var keys []types.InstanceKey
	for _, op := range p.Operations {
		if op.Kind != types.OpStop && op.Kind != types.OpRemove {
			keys = append(keys, op.Key())
		}
	}
	return append(keys, p.Blocked...)
}

// Compute diffs desired state against an observation. nodes is the
// registry's membership; only nodes that are active and answered the
// observe pass receive operations. Any error is returned before an
// operation is produced.
func Compute(desired *types.DesiredState, obs *types.Observation, nodes []*types.ClusterNode) (*Plan, error) {
	if obs == nil {
		obs = &types.Observation{Nodes: map[types.NodeID]*types.NodeObservation{}}
	}
	c := newCluster(nodes, obs)
	layers := newLayering(desired)

	plan := &Plan{
		Project:    desired.Project,
		Version:    desired.Version,
		SnapshotID: obs.SnapshotID,
	}
	newOp := func(kind types.OperationKind, node types.NodeID, service string, layer int) *types.Operation {
		return &types.Operation{
			Kind:           kind,
			Node:           node,
			Service:        service,
			Layer:          layer,
			ContainerID:    runtime.ContainerID(desired.Project, service),
			DesiredVersion: desired.Version,
			SnapshotID:     obs.SnapshotID,
		}
	}

	// instances that should exist after the run, per live node
	wanted := make(map[types.NodeID]mapset.Set[string])
	for _, name := range desired.ServiceNames() {
		spec := desired.Services[name]
		fp, err := Fingerprint(spec)
		if err != nil {
			return nil, &errdefs.ConfigError{Source: name, Msg: "cannot fingerprint service", Err: err}
		}
		pl, err := c.place(spec, fp)
		if err != nil {
			return nil, err
		}
		if pl.warning != "" {
			plan.Warnings = append(plan.Warnings, pl.warning)
		}
		for _, id := range pl.blocked {
			plan.Blocked = append(plan.Blocked, types.InstanceKey{Node: id, Service: name})
		}

		layer := layers.of(spec)
		for _, id := range pl.nodes {
			if wanted[id] == nil {
				wanted[id] = mapset.NewThreadUnsafeSet[string]()
			}
			wanted[id].Add(name)

			oc := c.container(id, name)
			op := newOp(diff(oc, fp), id, name, layer)
			if oc != nil {
				op.ContainerID = oc.ID
			}
			op.Fingerprint = fp
			op.Spec = spec
			plan.Operations = append(plan.Operations, op)
		}
	}

	// managed containers nothing wants any more, on live nodes only
	for _, id := range c.live.ToSlice() {
		for _, oc := range obs.Nodes[id].Containers {
			if oc.Project != desired.Project || oc.State == types.ContainerMissing {
				continue
			}
			if wanted[id] != nil && wanted[id].Contains(oc.Service) {
				continue
			}
			if oc.Retain {
				continue
			}
			if oc.State == types.ContainerRunning {
				stop := newOp(types.OpStop, id, oc.Service, layers.cleanup)
				stop.ContainerID = oc.ID
				plan.Operations = append(plan.Operations, stop)
			}
			remove := newOp(types.OpRemove, id, oc.Service, layers.cleanup)
			remove.ContainerID = oc.ID
			plan.Operations = append(plan.Operations, remove)
		}
	}

	sortOperations(plan.Operations)
	sort.Slice(plan.Blocked, func(i, j int) bool {
		if plan.Blocked[i].Node != plan.Blocked[j].Node {
			return plan.Blocked[i].Node < plan.Blocked[j].Node
		}
		return plan.Blocked[i].Service < plan.Blocked[j].Service
	})
	plan.Layers = layers.order()

	for _, kind := range []types.OperationKind{types.OpCreate, types.OpRecreate, types.OpStart, types.OpStop, types.OpRemove, types.OpNoop} {
		metrics.PlannedOperations.WithLabelValues(string(kind)).Set(float64(plan.Count(kind)))
	}
	logger := log.WithProject(desired.Project)
	logger.Debug().
		Int("operations", len(plan.Operations)).
		Int("changes", len(plan.Changes())).
		Int("blocked", len(plan.Blocked)).
		Msg("Plan computed")

	return plan, nil
}

// diff applies the per-instance rules to one observed container
func diff(oc *types.ObservedContainer, fingerprint string) types.OperationKind {
	switch {
	case oc == nil:
		return types.OpCreate
	case oc.Fingerprint != fingerprint:
		return types.OpRecreate
	case oc.State != types.ContainerRunning:
		return types.OpStart
	default:
		return types.OpNoop
	}
}

// layering maps services to execution layers
type layering struct {
	explicit mapset.Set[int]
	fallback int // layer of services that declare none
	cleanup  int // trailing layer for removals
}

func newLayering(desired *types.DesiredState) *layering {
	l := &layering{explicit: mapset.NewThreadUnsafeSet[int]()}
	highest := -1
	for _, spec := range desired.Services {
		if spec.Layer != nil {
			l.explicit.Add(*spec.Layer)
			if *spec.Layer > highest {
				highest = *spec.Layer
			}
		}
	}
	l.fallback = highest + 1
	l.cleanup = l.fallback + 1
	return l
}

func (l *layering) of(spec *types.ServiceSpec) int {
	if spec.Layer != nil {
		return *spec.Layer
	}
	return l.fallback
}

func (l *layering) order() []int {
	layers := l.explicit.ToSlice()
	layers = append(layers, l.fallback, l.cleanup)
	sort.Ints(layers)
	return layers
}

// kindRank orders operations on the same pair: stop before remove
var kindRank = map[types.OperationKind]int{
	types.OpStop:     0,
	types.OpRemove:   1,
	types.OpCreate:   2,
	types.OpRecreate: 2,
	types.OpStart:    2,
	types.OpNoop:     2,
}

// sortOperations orders by layer, node id, service name, then stop before remove
func sortOperations(ops []*types.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return kindRank[a.Kind] < kindRank[b.Kind]
	})
}

// String renders an operation for logs and the CLI
func String(op *types.Operation) string {
	return fmt.Sprintf("%s %s on %s (layer %d)", op.Kind, op.Service, op.Node, op.Layer)
}
