package convergence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/types"
)

// Coordinator grants exclusive rollout rights per project and records
// what each successful run applied. Propagator implements it on the
// registry host; the agent client implements it remotely.
type Coordinator interface {
	BeginRun(ctx context.Context, project string, version uint64) (*types.RunLease, error)
	RenewRun(ctx context.Context, lease *types.RunLease) (*types.RunLease, error)
	CommitRun(ctx context.Context, lease *types.RunLease, digest string, pending []types.NodeID, desired []byte) (*types.ConvergenceRecord, error)
	AbortRun(ctx context.Context, lease *types.RunLease) error
	// Record returns the last committed record, or nil if the project has
	// never converged
	Record(ctx context.Context, project string) (*types.ConvergenceRecord, error)
}

// Propagator is the store-backed Coordinator
type Propagator struct {
	backend state.Backend
	clock   clock.Clock
	ttl     time.Duration
	owner   string
}

// Config holds configuration for creating a Propagator
type Config struct {
	Backend  state.Backend
	LeaseTTL time.Duration
	Clock    clock.Clock
	// Owner is recorded on leases for operators; defaults to the hostname
	Owner string
}

// New creates a propagator
func New(cfg Config) *Propagator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Owner == "" {
		cfg.Owner, _ = os.Hostname()
	}
	return &Propagator{
		backend: cfg.Backend,
		clock:   cfg.Clock,
		ttl:     cfg.LeaseTTL,
		owner:   cfg.Owner,
	}
}

// BeginRun acquires the project's lease for version. It fails with
// ConflictError while another unexpired lease exists or when version is not
// newer than the committed one. An expired lease is taken over.
func (p *Propagator) BeginRun(ctx context.Context, project string, version uint64) (*types.RunLease, error) {
	return p.BeginRunAs(ctx, project, version, p.owner)
}

// BeginRunAs is BeginRun with an explicit owner, used when a remote engine
// asks the registry host for a lease
func (p *Propagator) BeginRunAs(ctx context.Context, project string, version uint64, owner string) (*types.RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if version == 0 {
		return nil, fmt.Errorf("run version must be positive")
	}
	if owner == "" {
		owner = p.owner
	}

	now := p.clock.Now().UTC()
	lease := &types.RunLease{
		ID:         uuid.New().String(),
		Project:    project,
		Owner:      owner,
		Version:    version,
		AcquiredAt: now,
		ExpiresAt:  now.Add(p.ttl),
	}

	got, err := state.Do[*types.RunLease](p.backend, state.OpAcquireLease, state.AcquireLeaseData{Lease: lease, Now: now})
	if err != nil {
		if errdefs.IsConflict(err) {
			metrics.LeaseConflictsTotal.Inc()
		}
		return nil, err
	}

	logger := log.WithRunID(project, got.ID)
	logger.Info().Uint64("version", version).Str("owner", owner).Time("expires_at", got.ExpiresAt).Msg("Run lease acquired")
	return got, nil
}

// RenewRun extends a held lease by the lease TTL
func (p *Propagator) RenewRun(ctx context.Context, lease *types.RunLease) (*types.RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.clock.Now().UTC()
	return state.Do[*types.RunLease](p.backend, state.OpRenewLease, state.RenewLeaseData{
		Project:   lease.Project,
		ID:        lease.ID,
		ExpiresAt: now.Add(p.ttl),
		Now:       now,
	})
}

// CommitRun records the lease's version as converged and releases the lease.
// Nodes in pending did not receive the version and are listed on the record.
func (p *Propagator) CommitRun(ctx context.Context, lease *types.RunLease, digest string, pending []types.NodeID, desired []byte) (*types.ConvergenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.clock.Now().UTC()
	record := &types.ConvergenceRecord{
		Project:      lease.Project,
		Version:      lease.Version,
		Digest:       digest,
		RunID:        lease.ID,
		AppliedAt:    now,
		PendingNodes: pending,
	}
	if _, err := state.Do[any](p.backend, state.OpCommitRun, state.CommitRunData{
		LeaseID: lease.ID,
		Record:  record,
		Desired: desired,
		Now:     now,
	}); err != nil {
		return nil, err
	}

	logger := log.WithRunID(lease.Project, lease.ID)
	logger.Info().Uint64("version", lease.Version).Str("digest", digest).Int("pending_nodes", len(pending)).Msg("Convergence record committed")
	return record, nil
}

// AbortRun releases the lease without changing the committed record
func (p *Propagator) AbortRun(ctx context.Context, lease *types.RunLease) error {
	_, err := state.Do[any](p.backend, state.OpReleaseLease, state.ReleaseLeaseData{Project: lease.Project, ID: lease.ID})
	if err != nil {
		return err
	}
	logger := log.WithRunID(lease.Project, lease.ID)
	logger.Info().Uint64("version", lease.Version).Msg("Run lease released without commit")
	return nil
}

// Record returns the last committed record, or nil if there is none
func (p *Propagator) Record(ctx context.Context, project string) (*types.ConvergenceRecord, error) {
	record, err := p.backend.Store().GetRecord(project)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, nil
	}
	return record, err
}

// Lease returns the project's current lease, or nil if there is none
func (p *Propagator) Lease(project string) (*types.RunLease, error) {
	lease, err := p.backend.Store().GetLease(project)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, nil
	}
	return lease, err
}

// History returns the committed desired-state versions of a project
func (p *Propagator) History(project string) ([]uint64, error) {
	return p.backend.Store().ListDesiredVersions(project)
}

// Desired returns the canonical desired state committed for a version
func (p *Propagator) Desired(project string, version uint64) ([]byte, error) {
	return p.backend.Store().GetDesired(project, version)
}

// NextVersion returns the version a new run of project should use
func NextVersion(ctx context.Context, c Coordinator, project string) (uint64, error) {
	record, err := c.Record(ctx, project)
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 1, nil
	}
	return record.Version + 1, nil
}
