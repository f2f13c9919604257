package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/overnode-org/overnode/pkg/types"
)

// Command represents a state change operation in the replicated log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command ops
const (
	OpJoinNode        = "join_node"
	OpHeartbeat       = "heartbeat"
	OpMarkUnreachable = "mark_unreachable"
	OpForgetNode      = "forget_node"
	OpAcquireLease    = "acquire_lease"
	OpRenewLease      = "renew_lease"
	OpReleaseLease    = "release_lease"
	OpCommitRun       = "commit_run"
)

// Every payload carries the proposer's clock reading so that replaying the
// log on another voter yields the same state.

type JoinNodeData struct {
	Node *types.ClusterNode `json:"node"`
}

type HeartbeatData struct {
	ID types.NodeID `json:"id"`
	At time.Time    `json:"at"`
}

type MarkUnreachableData struct {
	Before time.Time `json:"before"`
}

type ForgetNodeData struct {
	ID types.NodeID `json:"id"`
}

type AcquireLeaseData struct {
	Lease *types.RunLease `json:"lease"`
	Now   time.Time       `json:"now"`
}

type RenewLeaseData struct {
	Project   string    `json:"project"`
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	Now       time.Time `json:"now"`
}

type ReleaseLeaseData struct {
	Project string `json:"project"`
	ID      string `json:"id"`
}

type CommitRunData struct {
	LeaseID string                   `json:"lease_id"`
	Record  *types.ConvergenceRecord `json:"record"`
	Desired json.RawMessage          `json:"desired,omitempty"`
	Now     time.Time                `json:"now"`
}

// NewCommand encodes a payload under an op
func NewCommand(op string, data interface{}) (Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s command: %w", op, err)
	}
	return Command{Op: op, Data: raw}, nil
}

// Do encodes a command, applies it through the backend and returns its typed result
func Do[T any](b Backend, op string, data interface{}) (T, error) {
	var zero T
	cmd, err := NewCommand(op, data)
	if err != nil {
		return zero, err
	}
	resp, err := b.Apply(cmd)
	if err != nil {
		return zero, err
	}
	if resp == nil {
		return zero, nil
	}
	v, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s response type %T", op, resp)
	}
	return v, nil
}
