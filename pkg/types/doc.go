/*
Package types defines the data model shared by every Overnode engine component.

The types fall into four groups that follow the order of a run:

Cluster membership:
  - ClusterNode: a host with a numeric NodeID, agent address and MembershipState
  - Membership: a versioned snapshot of the node table

Desired state:
  - Fragment: one loaded configuration document (base, stack or override)
  - DesiredState: the deterministic merge of all fragments for a project
  - ServiceSpec: image, environment, volumes, networks, layer and Placement

Observed state and changes:
  - ObservedContainer / NodeObservation / Observation: what each node reported
  - Operation: one create/recreate/start/stop/remove/no-op on one instance
  - Wave: operations applied together, touching disjoint (node, service) pairs

Coordination and reporting:
  - RunLease / ConvergenceRecord: run exclusion and last applied version
  - RunReport: the operator-facing result of a run

# Membership lifecycle

	joining ──► active ◄──► unreachable
	   │          │             │
	   └──────────┴─────────────┴──► left (forget)

Only active <-> unreachable may cycle. MembershipState.CanTransition enforces
this and the registry refuses any other move.

# Operations

An Operation always carries the DesiredState version and the observation
snapshot id it was derived from. Components that group or execute operations
reject sets that mix versions or snapshots.
*/
package types
