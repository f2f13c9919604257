package state

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
)

// RaftConfig holds configuration for a replicated backend
type RaftConfig struct {
	NodeID   types.NodeID
	BindAddr string
	DataDir  string
	// Bootstrap starts a new single-voter cluster. Voters that are added to
	// an existing cluster through AddVoter start with Bootstrap false.
	Bootstrap bool
}

// RaftBackend replicates the registry host's store across voter nodes
type RaftBackend struct {
	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
	stops []func() error
}

// NewRaftBackend starts raft over store
func NewRaftBackend(cfg RaftConfig, store storage.Store) (*RaftBackend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID.String())

	// Tuned for LAN overlays; defaults target WAN deployments
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.LogOutput = log.WithComponent("raft")

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	fsm := NewFSM(store)
	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	b := &RaftBackend{
		raft:  r,
		fsm:   fsm,
		store: store,
		stops: []func() error{transport.Close, logStore.Close, stableStore.Close},
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		future := r.BootstrapCluster(configuration)
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			b.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	return b, nil
}

// Apply submits a command to the raft log and waits for it to be applied
func (b *RaftBackend) Apply(cmd Command) (interface{}, error) {
	if b.raft.State() != raft.Leader {
		return nil, fmt.Errorf("not the leader, current leader: %s", b.LeaderAddr())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := b.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp, ok := future.Response().(*Response)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return resp.Value, resp.Err
}

// Store returns the local replica. Reads on followers may lag the leader.
func (b *RaftBackend) Store() storage.Store {
	return b.store
}

// AddVoter adds a node to the raft configuration
func (b *RaftBackend) AddVoter(id types.NodeID, address string) error {
	if !b.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", b.LeaderAddr())
	}

	logger := log.WithNodeID(int(id))
	logger.Info().Str("raft_addr", address).Msg("Adding voter")

	future := b.raft.AddVoter(raft.ServerID(id.String()), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveVoter removes a node from the raft configuration
func (b *RaftBackend) RemoveVoter(id types.NodeID) error {
	if !b.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := b.raft.RemoveServer(raft.ServerID(id.String()), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// Servers returns the current raft configuration
func (b *RaftBackend) Servers() ([]raft.Server, error) {
	future := b.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader returns true if this node is the raft leader
func (b *RaftBackend) IsLeader() bool {
	return b.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader
func (b *RaftBackend) LeaderAddr() string {
	addr, _ := b.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until some node is leader or the timeout elapses
func (b *RaftBackend) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.LeaderAddr() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %s", timeout)
}

// Stats returns raft statistics
func (b *RaftBackend) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":          b.raft.State().String(),
		"last_log_index": b.raft.LastIndex(),
		"applied_index":  b.raft.AppliedIndex(),
		"leader":         b.LeaderAddr(),
	}
}

// Close shuts raft down and closes the stores
func (b *RaftBackend) Close() error {
	if err := b.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shutdown raft: %w", err)
	}
	for _, stop := range b.stops {
		if err := stop(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close raft resource")
		}
	}
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
