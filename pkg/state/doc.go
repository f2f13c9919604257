/*
Package state applies cluster state changes as commands.

Every write to the shared state (node joins, heartbeats, liveness sweeps,
forgets, run lease acquisition, renewal, release and commit) is encoded as a
Command{Op, Data} and handed to a Backend:

  - LocalBackend applies commands directly to the registry host's store.
  - RaftBackend appends them to a hashicorp/raft log; the FSM applies them on
    every voter, so the node table and convergence records survive the loss
    of the registry host.

Payloads carry the proposer's clock reading, never read the clock during
Apply, so every voter reaches the same state from the same log.

The raft backend only replicates the store. Exclusive rollout rights come
from the lease check-and-set inside the store, which both backends share.

	b := state.NewLocalBackend(store)
	node, err := state.Do[*types.ClusterNode](b, state.OpJoinNode, state.JoinNodeData{Node: n})
*/
package state
