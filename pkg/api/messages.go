package api

import "github.com/overnode-org/overnode/pkg/types"

// Empty is the response of calls that return nothing
type Empty struct{}

// JoinRequest admits a node into the cluster
type JoinRequest struct {
	Token   string       `json:"token"`
	ID      types.NodeID `json:"id"`
	Address string       `json:"address"`
	Voter   bool         `json:"voter,omitempty"`
	// RaftAddr is the raft bind address of a voter
	RaftAddr string `json:"raft_addr,omitempty"`
}

// JoinResponse carries the membership after the join
type JoinResponse struct {
	ID         types.NodeID      `json:"id"`
	Membership *types.Membership `json:"membership"`
}

type NodeRequest struct {
	ID types.NodeID `json:"id"`
}

type NodeResponse struct {
	Node *types.ClusterNode `json:"node"`
}

type ListNodesRequest struct{}

type ListNodesResponse struct {
	Membership *types.Membership `json:"membership"`
}

type BeginRunRequest struct {
	Project string `json:"project"`
	Version uint64 `json:"version"`
	Owner   string `json:"owner,omitempty"`
}

type LeaseRequest struct {
	Lease *types.RunLease `json:"lease"`
}

type LeaseResponse struct {
	Lease *types.RunLease `json:"lease"`
}

type CommitRunRequest struct {
	Lease   *types.RunLease `json:"lease"`
	Digest  string          `json:"digest"`
	Pending []types.NodeID  `json:"pending,omitempty"`
	// Desired is the canonical desired state of the committed version
	Desired []byte `json:"desired"`
}

type ProjectRequest struct {
	Project string `json:"project"`
}

// RecordResponse holds a convergence record; Record is nil when none exists
type RecordResponse struct {
	Record *types.ConvergenceRecord `json:"record,omitempty"`
}

type InspectResponse struct {
	Containers []*types.ObservedContainer `json:"containers"`
}

type CreateRequest struct {
	Project     string             `json:"project"`
	Spec        *types.ServiceSpec `json:"spec"`
	Fingerprint string             `json:"fingerprint"`
}

type ContainerRequest struct {
	ContainerID string `json:"container_id"`
}

type ContainerResponse struct {
	ContainerID string `json:"container_id"`
}

type HealthResponse struct {
	State types.HealthState `json:"state"`
}
