package rollout

import (
	"fmt"
	"sort"

	"github.com/overnode-org/overnode/pkg/types"
)

// BuildWaves groups planned operations into waves: layers in ascending
// order, then batches of batchSize nodes in ascending node order. When a
// batch touches the same (node, service) pair more than once, every repeat
// moves to a follow-up wave so no wave holds two operations on one pair.
// No-ops are left out. Operations must share one desired version and one
// snapshot.
func BuildWaves(ops []*types.Operation, batchSize int) ([]*types.Wave, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	var changes []*types.Operation
	for _, op := range ops {
		if op.Kind == types.OpNoop {
			continue
		}
		if len(changes) > 0 {
			first := changes[0]
			if op.DesiredVersion != first.DesiredVersion {
				return nil, fmt.Errorf("operation %s targets version %d, expected %d", op.Key(), op.DesiredVersion, first.DesiredVersion)
			}
			if op.SnapshotID != first.SnapshotID {
				return nil, fmt.Errorf("operation %s was planned from snapshot %s, expected %s", op.Key(), op.SnapshotID, first.SnapshotID)
			}
		}
		changes = append(changes, op)
	}

	byLayer := make(map[int][]*types.Operation)
	var layers []int
	for _, op := range changes {
		if _, ok := byLayer[op.Layer]; !ok {
			layers = append(layers, op.Layer)
		}
		byLayer[op.Layer] = append(byLayer[op.Layer], op)
	}
	sort.Ints(layers)

	var waves []*types.Wave
	for _, layer := range layers {
		layerOps := byLayer[layer]

		var nodes []types.NodeID
		seen := make(map[types.NodeID]bool)
		for _, op := range layerOps {
			if !seen[op.Node] {
				seen[op.Node] = true
				nodes = append(nodes, op.Node)
			}
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

		for b := 0; b*batchSize < len(nodes); b++ {
			end := (b + 1) * batchSize
			if end > len(nodes) {
				end = len(nodes)
			}
			inBatch := make(map[types.NodeID]bool)
			for _, id := range nodes[b*batchSize : end] {
				inBatch[id] = true
			}

			// the k-th operation on a pair goes to step k
			var steps [][]*types.Operation
			occurrences := make(map[types.InstanceKey]int)
			for _, op := range layerOps {
				if !inBatch[op.Node] {
					continue
				}
				k := occurrences[op.Key()]
				occurrences[op.Key()] = k + 1
				if k == len(steps) {
					steps = append(steps, nil)
				}
				steps[k] = append(steps[k], op)
			}

			for s, stepOps := range steps {
				name := fmt.Sprintf("layer %d batch %d", layer, b+1)
				if len(steps) > 1 {
					name = fmt.Sprintf("%s step %d", name, s+1)
				}
				waves = append(waves, &types.Wave{
					Index:      len(waves) + 1,
					Name:       name,
					Layer:      layer,
					Batch:      b + 1,
					Operations: stepOps,
				})
			}
		}
	}
	return waves, nil
}
