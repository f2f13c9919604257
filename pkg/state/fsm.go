package state

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/overnode-org/overnode/pkg/storage"
)

// FSM applies commands to the store. It is driven directly by LocalBackend
// and through the raft log by RaftBackend.
type FSM struct {
	mu    sync.Mutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Response is what Apply hands back through raft's ApplyFuture
type Response struct {
	Value interface{}
	Err   error
}

// Apply applies a raft log entry to the FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &Response{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}
	value, err := f.apply(cmd)
	return &Response{Value: value, Err: err}
}

func (f *FSM) apply(cmd Command) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpJoinNode:
		var data JoinNodeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		if data.Node == nil {
			return nil, fmt.Errorf("%s: missing node", cmd.Op)
		}
		return f.store.JoinNode(data.Node)

	case OpHeartbeat:
		var data HeartbeatData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		return f.store.Heartbeat(data.ID, data.At)

	case OpMarkUnreachable:
		var data MarkUnreachableData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		return f.store.MarkUnreachable(data.Before)

	case OpForgetNode:
		var data ForgetNodeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		return nil, f.store.DeleteNode(data.ID)

	case OpAcquireLease:
		var data AcquireLeaseData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		if data.Lease == nil {
			return nil, fmt.Errorf("%s: missing lease", cmd.Op)
		}
		if err := f.store.AcquireLease(data.Lease, data.Now); err != nil {
			return nil, err
		}
		return data.Lease, nil

	case OpRenewLease:
		var data RenewLeaseData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		return f.store.RenewLease(data.Project, data.ID, data.ExpiresAt, data.Now)

	case OpReleaseLease:
		var data ReleaseLeaseData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		return nil, f.store.ReleaseLease(data.Project, data.ID)

	case OpCommitRun:
		var data CommitRunData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return nil, err
		}
		if data.Record == nil {
			return nil, fmt.Errorf("%s: missing record", cmd.Op)
		}
		return nil, f.store.CommitRun(data.LeaseID, data.Record, data.Desired, data.Now)

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot returns a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dump, err := f.store.Dump()
	if err != nil {
		return nil, fmt.Errorf("failed to dump store: %w", err)
	}
	return &fsmSnapshot{dump: dump}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var dump storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Restore(&dump); err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}
	return nil
}

type fsmSnapshot struct {
	dump *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.dump); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
