package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketMeta        = []byte("meta")
	bucketLeases      = []byte("leases")
	bucketConvergence = []byte("convergence")
	bucketDesired     = []byte("desired")

	allBuckets = [][]byte{bucketNodes, bucketMeta, bucketLeases, bucketConvergence, bucketDesired}

	keyMembershipVersion = []byte("membership_version")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "overnode.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func nodeKey(id types.NodeID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func desiredKey(project string, version uint64) []byte {
	key := make([]byte, 0, len(project)+9)
	key = append(key, project...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, version)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getNode(tx *bolt.Tx, id types.NodeID) (*types.ClusterNode, error) {
	data := tx.Bucket(bucketNodes).Get(nodeKey(id))
	if data == nil {
		return nil, nil
	}
	var node types.ClusterNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func bumpMembership(tx *bolt.Tx) error {
	b := tx.Bucket(bucketMeta)
	var version uint64
	if data := b.Get(keyMembershipVersion); data != nil {
		version = binary.BigEndian.Uint64(data)
	}
	return b.Put(keyMembershipVersion, binary.BigEndian.AppendUint64(nil, version+1))
}

// Node operations

// JoinNode admits a node. A new id enters the joining state; an unreachable
// node rejoining with its own id becomes active again with a refreshed
// address. An id held by an active or joining node is an IdentityError.
func (s *BoltStore) JoinNode(node *types.ClusterNode) (*types.ClusterNode, error) {
	var joined *types.ClusterNode
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getNode(tx, node.ID)
		if err != nil {
			return err
		}

		joined = &types.ClusterNode{
			ID:            node.ID,
			Address:       node.Address,
			Voter:         node.Voter,
			State:         types.MembershipJoining,
			JoinedAt:      node.JoinedAt,
			LastHeartbeat: node.JoinedAt,
		}

		if existing != nil {
			switch existing.State {
			case types.MembershipActive, types.MembershipJoining:
				return &errdefs.IdentityError{ID: int(node.ID), Msg: fmt.Sprintf("id is in use by %s node at %s", existing.State, existing.Address)}
			case types.MembershipUnreachable:
				joined.State = types.MembershipActive
				joined.JoinedAt = existing.JoinedAt
			}
		}

		if err := putJSON(tx.Bucket(bucketNodes), nodeKey(node.ID), joined); err != nil {
			return err
		}
		return bumpMembership(tx)
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// Heartbeat records liveness and moves a joining or unreachable node to active
func (s *BoltStore) Heartbeat(id types.NodeID, at time.Time) (*types.ClusterNode, error) {
	var node *types.ClusterNode
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}

		if at.After(node.LastHeartbeat) {
			node.LastHeartbeat = at
		}
		changed := node.State != types.MembershipActive
		if changed {
			if !node.State.CanTransition(types.MembershipActive) {
				return fmt.Errorf("node %s cannot move from %s to active", id, node.State)
			}
			node.State = types.MembershipActive
		}

		if err := putJSON(tx.Bucket(bucketNodes), nodeKey(id), node); err != nil {
			return err
		}
		if changed {
			return bumpMembership(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// MarkUnreachable moves every active or joining node whose last heartbeat is
// before the cutoff to unreachable and returns their ids in ascending order
func (s *BoltStore) MarkUnreachable(before time.Time) ([]types.NodeID, error) {
	var marked []types.NodeID
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		var stale []*types.ClusterNode
		err := b.ForEach(func(k, v []byte) error {
			var node types.ClusterNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.State != types.MembershipActive && node.State != types.MembershipJoining {
				return nil
			}
			if node.LastHeartbeat.Before(before) {
				stale = append(stale, &node)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Writes happen after the scan; bolt forbids mutating during ForEach.
		for _, node := range stale {
			node.State = types.MembershipUnreachable
			if err := putJSON(b, nodeKey(node.ID), node); err != nil {
				return err
			}
			marked = append(marked, node.ID)
		}
		if len(marked) > 0 {
			return bumpMembership(tx)
		}
		return nil
	})
	return marked, err
}

// DeleteNode permanently removes a node
func (s *BoltStore) DeleteNode(id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(nodeKey(id)) == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		if err := b.Delete(nodeKey(id)); err != nil {
			return err
		}
		return bumpMembership(tx)
	})
}

func (s *BoltStore) GetNode(id types.NodeID) (*types.ClusterNode, error) {
	var node *types.ClusterNode
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		return nil
	})
	return node, err
}

// ListNodes returns all nodes in ascending id order
func (s *BoltStore) ListNodes() ([]*types.ClusterNode, error) {
	var nodes []*types.ClusterNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.ClusterNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) MembershipVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyMembershipVersion); data != nil {
			version = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return version, err
}

// Lease operations

func getLease(tx *bolt.Tx, project string) (*types.RunLease, error) {
	data := tx.Bucket(bucketLeases).Get([]byte(project))
	if data == nil {
		return nil, nil
	}
	var lease types.RunLease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

func getRecord(tx *bolt.Tx, project string) (*types.ConvergenceRecord, error) {
	data := tx.Bucket(bucketConvergence).Get([]byte(project))
	if data == nil {
		return nil, nil
	}
	var record types.ConvergenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// AcquireLease stores the lease if the project has no unexpired lease and the
// lease version is newer than the committed one. The check and the write are
// one transaction, so of several concurrent callers exactly one succeeds.
func (s *BoltStore) AcquireLease(lease *types.RunLease, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		record, err := getRecord(tx, lease.Project)
		if err != nil {
			return err
		}
		if record != nil && lease.Version <= record.Version {
			return &errdefs.ConflictError{
				Project: lease.Project,
				Msg:     fmt.Sprintf("version %d is not newer than committed version %d", lease.Version, record.Version),
			}
		}

		existing, err := getLease(tx, lease.Project)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Expired(now) {
			return &errdefs.ConflictError{
				Project: lease.Project,
				Holder:  existing.Owner,
				Msg:     fmt.Sprintf("run %s is in progress for version %d", existing.ID, existing.Version),
			}
		}

		return putJSON(tx.Bucket(bucketLeases), []byte(lease.Project), lease)
	})
}

func checkHeld(existing *types.RunLease, project, id string, now time.Time) error {
	if existing == nil || existing.ID != id {
		holder := ""
		if existing != nil {
			holder = existing.Owner
		}
		return &errdefs.ConflictError{Project: project, Holder: holder, Msg: fmt.Sprintf("lease %s is not held", id)}
	}
	if existing.Expired(now) {
		return &errdefs.ConflictError{Project: project, Msg: fmt.Sprintf("lease %s expired at %s", id, existing.ExpiresAt.Format(time.RFC3339))}
	}
	return nil
}

// RenewLease extends a held, unexpired lease
func (s *BoltStore) RenewLease(project, id string, expiresAt, now time.Time) (*types.RunLease, error) {
	var lease *types.RunLease
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		lease, err = getLease(tx, project)
		if err != nil {
			return err
		}
		if err := checkHeld(lease, project, id, now); err != nil {
			return err
		}
		lease.ExpiresAt = expiresAt
		return putJSON(tx.Bucket(bucketLeases), []byte(project), lease)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ReleaseLease drops a lease without committing. Releasing a lease that is
// already gone is not an error; releasing someone else's lease is.
func (s *BoltStore) ReleaseLease(project, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getLease(tx, project)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		if existing.ID != id {
			return &errdefs.ConflictError{Project: project, Holder: existing.Owner, Msg: fmt.Sprintf("lease %s is not held", id)}
		}
		return tx.Bucket(bucketLeases).Delete([]byte(project))
	})
}

func (s *BoltStore) GetLease(project string) (*types.RunLease, error) {
	var lease *types.RunLease
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lease, err = getLease(tx, project)
		if err != nil {
			return err
		}
		if lease == nil {
			return fmt.Errorf("lease for %s: %w", project, errdefs.ErrNotFound)
		}
		return nil
	})
	return lease, err
}

// Convergence operations

// CommitRun records a successful run, stores the desired state in the
// history and releases the lease, all in one transaction
func (s *BoltStore) CommitRun(leaseID string, record *types.ConvergenceRecord, desired []byte, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lease, err := getLease(tx, record.Project)
		if err != nil {
			return err
		}
		if err := checkHeld(lease, record.Project, leaseID, now); err != nil {
			return err
		}

		committed, err := getRecord(tx, record.Project)
		if err != nil {
			return err
		}
		if committed != nil && record.Version <= committed.Version {
			return &errdefs.ConflictError{
				Project: record.Project,
				Msg:     fmt.Sprintf("version %d is not newer than committed version %d", record.Version, committed.Version),
			}
		}

		if err := putJSON(tx.Bucket(bucketConvergence), []byte(record.Project), record); err != nil {
			return err
		}
		if desired != nil {
			if err := tx.Bucket(bucketDesired).Put(desiredKey(record.Project, record.Version), desired); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketLeases).Delete([]byte(record.Project))
	})
}

func (s *BoltStore) GetRecord(project string) (*types.ConvergenceRecord, error) {
	var record *types.ConvergenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		record, err = getRecord(tx, project)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("convergence record for %s: %w", project, errdefs.ErrNotFound)
		}
		return nil
	})
	return record, err
}

func (s *BoltStore) GetDesired(project string, version uint64) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDesired).Get(desiredKey(project, version))
		if data == nil {
			return fmt.Errorf("desired state %s@%d: %w", project, version, errdefs.ErrNotFound)
		}
		state = bytes.Clone(data)
		return nil
	})
	return state, err
}

// ListDesiredVersions returns the committed versions of a project in ascending order
func (s *BoltStore) ListDesiredVersions(project string) ([]uint64, error) {
	var versions []uint64
	prefix := append([]byte(project), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDesired).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			versions = append(versions, binary.BigEndian.Uint64(k[len(prefix):]))
		}
		return nil
	})
	return versions, err
}

// Snapshot operations

// Dump copies the whole store
func (s *BoltStore) Dump() (*Snapshot, error) {
	snapshot := &Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyMembershipVersion); data != nil {
			snapshot.MembershipVersion = binary.BigEndian.Uint64(data)
		}

		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.ClusterNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			snapshot.Nodes = append(snapshot.Nodes, &node)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease types.RunLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			snapshot.Leases = append(snapshot.Leases, &lease)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketConvergence).ForEach(func(k, v []byte) error {
			var record types.ConvergenceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			snapshot.Records = append(snapshot.Records, &record)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketDesired).ForEach(func(k, v []byte) error {
			sep := len(k) - 9
			if sep < 0 || k[sep] != 0 {
				return fmt.Errorf("malformed desired-state key %q", k)
			}
			snapshot.Desired = append(snapshot.Desired, &DesiredEntry{
				Project: string(k[:sep]),
				Version: binary.BigEndian.Uint64(k[sep+1:]),
				State:   bytes.Clone(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].Project < snapshot.Records[j].Project })
	return snapshot, nil
}

// Restore replaces the whole store with the snapshot contents
func (s *BoltStore) Restore(snapshot *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		if err := tx.Bucket(bucketMeta).Put(keyMembershipVersion, binary.BigEndian.AppendUint64(nil, snapshot.MembershipVersion)); err != nil {
			return err
		}
		for _, node := range snapshot.Nodes {
			if err := putJSON(tx.Bucket(bucketNodes), nodeKey(node.ID), node); err != nil {
				return fmt.Errorf("failed to restore node: %w", err)
			}
		}
		for _, lease := range snapshot.Leases {
			if err := putJSON(tx.Bucket(bucketLeases), []byte(lease.Project), lease); err != nil {
				return fmt.Errorf("failed to restore lease: %w", err)
			}
		}
		for _, record := range snapshot.Records {
			if err := putJSON(tx.Bucket(bucketConvergence), []byte(record.Project), record); err != nil {
				return fmt.Errorf("failed to restore record: %w", err)
			}
		}
		for _, entry := range snapshot.Desired {
			if err := tx.Bucket(bucketDesired).Put(desiredKey(entry.Project, entry.Version), entry.State); err != nil {
				return fmt.Errorf("failed to restore desired state: %w", err)
			}
		}
		return nil
	})
}
