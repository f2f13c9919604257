package state

import (
	"fmt"

	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
)

// Backend applies commands to the cluster state and exposes the store for reads
type Backend interface {
	Apply(cmd Command) (interface{}, error)
	Store() storage.Store
	AddVoter(id types.NodeID, address string) error
	RemoveVoter(id types.NodeID) error
	Close() error
}

// LocalBackend applies commands directly to a single store. It is the
// default for clusters whose registry host is not replicated.
type LocalBackend struct {
	fsm   *FSM
	store storage.Store
}

// NewLocalBackend creates a backend over store
func NewLocalBackend(store storage.Store) *LocalBackend {
	return &LocalBackend{
		fsm:   NewFSM(store),
		store: store,
	}
}

func (b *LocalBackend) Apply(cmd Command) (interface{}, error) {
	return b.fsm.apply(cmd)
}

func (b *LocalBackend) Store() storage.Store {
	return b.store
}

// AddVoter is a no-op; a local backend has no replicas
func (b *LocalBackend) AddVoter(id types.NodeID, address string) error {
	return nil
}

func (b *LocalBackend) RemoveVoter(id types.NodeID) error {
	return nil
}

func (b *LocalBackend) Close() error {
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
