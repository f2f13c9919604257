/*
Package storage provides BoltDB-backed persistence for the cluster's shared
state: the versioned node table, run leases, convergence records and the
history of committed desired states.

# Layout

The store is a single file, <dataDir>/overnode.db, with one bucket per record
kind. Values are JSON.

	nodes        8-byte big-endian node id -> ClusterNode
	meta         "membership_version"      -> uint64
	leases       project                   -> RunLease
	convergence  project                   -> ConvergenceRecord
	desired      project \x00 version      -> canonical DesiredState JSON

Big-endian node keys make bucket iteration return nodes in id order, which
ListNodes relies on.

# Atomicity

Each Store method is one bolt transaction. Methods that check before they
write (JoinNode, AcquireLease, CommitRun) do both inside the same Update, so
two callers racing for the same lease or node id cannot both succeed. Higher
layers (pkg/state) serialize commands on top of this, and the raft backend
replays the same commands on every voter.

# Membership version

Every write that changes which nodes exist or what state they are in bumps
the membership version. Heartbeats that only refresh LastHeartbeat do not.

# Snapshots

Dump and Restore copy the whole store. They back the raft FSM's snapshot and
restore hooks.
*/
package storage
