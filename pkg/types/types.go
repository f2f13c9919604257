package types

import (
	"fmt"
	"time"
)

// NodeID is the explicit numeric identity a node is given when it joins
type NodeID int

func (id NodeID) String() string {
	return fmt.Sprintf("node-%d", int(id))
}

// ClusterNode represents a host that has joined the cluster
type ClusterNode struct {
	ID            NodeID
	Address       string // Agent address reachable over the overlay
	State         MembershipState
	Voter         bool // Holds a replica of the registry state
	LastHeartbeat time.Time
	JoinedAt      time.Time
}

// MembershipState represents the lifecycle state of a cluster node
type MembershipState string

const (
	MembershipJoining     MembershipState = "joining"
	MembershipActive      MembershipState = "active"
	MembershipUnreachable MembershipState = "unreachable"
	MembershipLeft        MembershipState = "left"
)

// CanTransition reports whether a node may move from s to next.
// The only cycle allowed is active <-> unreachable.
func (s MembershipState) CanTransition(next MembershipState) bool {
	if s == next {
		return true
	}
	switch s {
	case MembershipJoining:
		return next == MembershipActive || next == MembershipUnreachable || next == MembershipLeft
	case MembershipActive:
		return next == MembershipUnreachable || next == MembershipLeft
	case MembershipUnreachable:
		return next == MembershipActive || next == MembershipLeft
	default:
		return false
	}
}

// Membership is a versioned snapshot of the node table
type Membership struct {
	Version uint64
	Nodes   []*ClusterNode
}

// FragmentKind is the precedence tier of a configuration fragment
type FragmentKind string

const (
	FragmentBase     FragmentKind = "base"
	FragmentStack    FragmentKind = "stack"
	FragmentOverride FragmentKind = "override"
)

// Fragment is one loaded configuration document. It is never mutated after load.
type Fragment struct {
	Name             string // Unique key used by includes
	Project          string // Set on the base fragment only
	Source           string // Path or remote reference it was loaded from
	Kind             FragmentKind
	Version          string // Compose file version
	Services         map[string]*ServiceSpec
	Includes         []string // Names of fragments included by this one, in order
	Topology         []NodeID // Node ids this fragment declares as part of the cluster
	DefaultPlacement *Placement
}

// DesiredState is the merged target configuration for a project
type DesiredState struct {
	Project  string                  `json:"project"`
	Version  uint64                  `json:"version"`
	Services map[string]*ServiceSpec `json:"services"`
	Digest   string                  `json:"-"`
}

// ServiceNames returns the service names in sorted order
func (d *DesiredState) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// ServiceSpec is the declarative description of one service
type ServiceSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Layer       *int              `json:"layer,omitempty"`
	Placement   *Placement        `json:"placement,omitempty"`
	HealthCheck *HealthCheck      `json:"healthcheck,omitempty"`
	Retain      *bool             `json:"retain,omitempty"`
}

// Retained reports whether removal only stops the service's containers
func (s *ServiceSpec) Retained() bool {
	return s.Retain != nil && *s.Retain
}

// VolumeType is the kind of mount
type VolumeType string

const (
	VolumeBind  VolumeType = "bind"
	VolumeNamed VolumeType = "volume"
	VolumeTmpfs VolumeType = "tmpfs"
)

// VolumeMount defines a volume mount point
type VolumeMount struct {
	Type     VolumeType `json:"type"`
	Source   string     `json:"source,omitempty"`
	Target   string     `json:"target"`
	ReadOnly bool       `json:"read_only,omitempty"`
}

// PlacementMode selects how the placement node list is interpreted
type PlacementMode string

const (
	PlacementAll   PlacementMode = "all"
	PlacementNodes PlacementMode = "nodes"
)

// Placement constrains which nodes run a service.
// Replicas of zero means one instance on every listed node.
type Placement struct {
	Mode     PlacementMode `json:"mode"`
	Nodes    []NodeID      `json:"nodes,omitempty"`
	Replicas int           `json:"replicas,omitempty"`
}

// HealthCheckType defines the type of health check
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
)

// HealthCheck defines container health checking
type HealthCheck struct {
	Type     HealthCheckType `json:"type"`
	Endpoint string          `json:"endpoint"` // URL or host:port
	Interval time.Duration   `json:"interval,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
	Retries  int             `json:"retries,omitempty"`
}

// ContainerState is the observed run state of a container
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerMissing ContainerState = "missing"
)

// HealthState is the health reported by the runtime
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ObservedContainer is the actual state of a container on one node
type ObservedContainer struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Service     string         `json:"service"`
	Node        NodeID         `json:"node"`
	ImageDigest string         `json:"image_digest,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	State       ContainerState `json:"state"`
	Health      HealthState    `json:"health"`
	Retain      bool           `json:"retain,omitempty"`
}

// NodeObservation is what one node reported during an observe pass
type NodeObservation struct {
	Node       NodeID               `json:"node"`
	Reachable  bool                 `json:"reachable"`
	Error      string               `json:"error,omitempty"`
	Containers []*ObservedContainer `json:"containers,omitempty"`
}

// Observation is one snapshot of actual state across nodes
type Observation struct {
	SnapshotID string
	Project    string
	ObservedAt time.Time
	Nodes      map[NodeID]*NodeObservation
}

// OperationKind is the change an operation applies
type OperationKind string

const (
	OpCreate   OperationKind = "create"
	OpRecreate OperationKind = "recreate"
	OpStart    OperationKind = "start"
	OpStop     OperationKind = "stop"
	OpRemove   OperationKind = "remove"
	OpNoop     OperationKind = "no-op"
)

// Destructive reports whether the operation stops or replaces a container
func (k OperationKind) Destructive() bool {
	return k == OpStop || k == OpRemove || k == OpRecreate
}

// NeedsHealth reports whether the operation leaves a container that must turn healthy
func (k OperationKind) NeedsHealth() bool {
	return k == OpCreate || k == OpRecreate || k == OpStart
}

// InstanceKey identifies one service instance on one node
type InstanceKey struct {
	Node    NodeID `json:"node"`
	Service string `json:"service"`
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Node, k.Service)
}

// Operation is one required change to one instance
type Operation struct {
	Kind           OperationKind `json:"kind"`
	Node           NodeID        `json:"node"`
	Service        string        `json:"service"`
	Layer          int           `json:"layer"`
	ContainerID    string        `json:"container_id,omitempty"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
	Spec           *ServiceSpec  `json:"-"`
	DesiredVersion uint64        `json:"desired_version"`
	SnapshotID     string        `json:"snapshot_id"`
}

// Key returns the instance the operation targets
func (o *Operation) Key() InstanceKey {
	return InstanceKey{Node: o.Node, Service: o.Service}
}

// Wave is a group of operations applied together and verified before the next
type Wave struct {
	Index      int          `json:"index"`
	Name       string       `json:"name"`
	Layer      int          `json:"layer"`
	Batch      int          `json:"batch"`
	Operations []*Operation `json:"operations"`
}

// ConvergenceRecord is the last successfully applied version of a project
type ConvergenceRecord struct {
	Project      string    `json:"project"`
	Version      uint64    `json:"version"`
	Digest       string    `json:"digest"`
	RunID        string    `json:"run_id"`
	AppliedAt    time.Time `json:"applied_at"`
	PendingNodes []NodeID  `json:"pending_nodes,omitempty"`
}

// RunLease grants one run exclusive rollout rights on a project
type RunLease struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	Owner      string    `json:"owner"`
	Version    uint64    `json:"version"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now
func (l *RunLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
