package storage

import (
	"time"

	"github.com/overnode-org/overnode/pkg/types"
)

// Store defines the interface for cluster state storage.
// Every method runs in a single transaction, so the checks it makes and the
// writes it performs are atomic with respect to other callers.
type Store interface {
	// Nodes
	JoinNode(node *types.ClusterNode) (*types.ClusterNode, error)
	Heartbeat(id types.NodeID, at time.Time) (*types.ClusterNode, error)
	MarkUnreachable(before time.Time) ([]types.NodeID, error)
	DeleteNode(id types.NodeID) error
	GetNode(id types.NodeID) (*types.ClusterNode, error)
	ListNodes() ([]*types.ClusterNode, error)
	MembershipVersion() (uint64, error)

	// Run leases
	AcquireLease(lease *types.RunLease, now time.Time) error
	RenewLease(project, id string, expiresAt, now time.Time) (*types.RunLease, error)
	ReleaseLease(project, id string) error
	GetLease(project string) (*types.RunLease, error)

	// Convergence records and desired-state history
	CommitRun(leaseID string, record *types.ConvergenceRecord, desired []byte, now time.Time) error
	GetRecord(project string) (*types.ConvergenceRecord, error)
	GetDesired(project string, version uint64) ([]byte, error)
	ListDesiredVersions(project string) ([]uint64, error)

	// Snapshots
	Dump() (*Snapshot, error)
	Restore(snapshot *Snapshot) error

	// Utility
	Close() error
}

// Snapshot is a point-in-time copy of everything the store holds
type Snapshot struct {
	MembershipVersion uint64                     `json:"membership_version"`
	Nodes             []*types.ClusterNode       `json:"nodes"`
	Leases            []*types.RunLease          `json:"leases"`
	Records           []*types.ConvergenceRecord `json:"records"`
	Desired           []*DesiredEntry            `json:"desired"`
}

// DesiredEntry is one committed desired state in the history
type DesiredEntry struct {
	Project string `json:"project"`
	Version uint64 `json:"version"`
	State   []byte `json:"state"`
}
