package rollout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/rs/zerolog"

	"github.com/overnode-org/overnode/pkg/compose"
	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/observer"
	"github.com/overnode-org/overnode/pkg/planner"
	"github.com/overnode-org/overnode/pkg/types"
)

// NodeLister returns the current membership
type NodeLister interface {
	List() ([]*types.ClusterNode, error)
}

// NodeListerFunc adapts a function to a NodeLister
type NodeListerFunc func() ([]*types.ClusterNode, error)

func (f NodeListerFunc) List() ([]*types.ClusterNode, error) { return f() }

// Config holds configuration for creating an Orchestrator
type Config struct {
	Coordinator    convergence.Coordinator
	Nodes          NodeLister
	Dialer         observer.Dialer
	BatchSize      int
	ObserveTimeout time.Duration
	Health         HealthPolicy
	Clock          clock.Clock
	Events         events.Publisher
}

// Orchestrator drives one run at a time through plan, waves and commit
type Orchestrator struct {
	coord    convergence.Coordinator
	nodes    NodeLister
	dialer   observer.Dialer
	observer *observer.Observer
	batch    int
	health   HealthPolicy
	clock    clock.Clock
	events   events.Publisher
	locks    *locker.Locker
}

// New creates an orchestrator, filling unset policy with defaults
func New(cfg Config) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Health.Timeout <= 0 {
		cfg.Health.Timeout = 2 * time.Minute
	}
	if cfg.Health.InitialBackoff <= 0 {
		cfg.Health.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Health.MaxBackoff < cfg.Health.InitialBackoff {
		cfg.Health.MaxBackoff = cfg.Health.InitialBackoff
	}
	return &Orchestrator{
		coord:    cfg.Coordinator,
		nodes:    cfg.Nodes,
		dialer:   cfg.Dialer,
		observer: observer.New(cfg.Dialer, cfg.ObserveTimeout, cfg.Clock),
		batch:    cfg.BatchSize,
		health:   cfg.Health,
		clock:    cfg.Clock,
		events:   cfg.Events,
		locks:    locker.New(),
	}
}

// Preview is the result of a dry run
type Preview struct {
	Version uint64
	Plan    *planner.Plan
	Waves   []*types.Wave
}

// DryRun observes and plans without taking the lease or touching containers
func (o *Orchestrator) DryRun(ctx context.Context, desired *types.DesiredState) (*Preview, error) {
	version, err := convergence.NextVersion(ctx, o.coord, desired.Project)
	if err != nil {
		return nil, err
	}
	versioned := *desired
	versioned.Version = version

	nodes, err := o.nodes.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	obs := o.observer.Observe(ctx, desired.Project, nodes)
	plan, err := planner.Compute(&versioned, obs, nodes)
	if err != nil {
		return nil, err
	}
	waves, err := BuildWaves(plan.Operations, o.batch)
	if err != nil {
		return nil, err
	}
	return &Preview{Version: version, Plan: plan, Waves: waves}, nil
}

// run is the state of one Run call
type run struct {
	o      *Orchestrator
	report *types.RunReport
	logger zerolog.Logger
	lease  *types.RunLease
	// detached outlives cancellation of the run so the lease is always settled
	detached context.Context
}

// Run converges the cluster onto desired. It never returns an error: every
// outcome, including rejected and failed runs, is described by the report.
func (o *Orchestrator) Run(ctx context.Context, desired *types.DesiredState) *types.RunReport {
	timer := metrics.NewTimer()
	r := &run{
		o: o,
		report: &types.RunReport{
			RunID:     uuid.New().String(),
			Project:   desired.Project,
			State:     types.RunPlanning,
			Outcome:   types.OutcomeNothingApplied,
			StartedAt: o.clock.Now(),
		},
	}
	r.logger = log.WithRunID(desired.Project, r.report.RunID)
	r.detached = context.WithoutCancel(ctx)
	defer func() {
		r.report.FinishedAt = o.clock.Now()
		metrics.RunsTotal.WithLabelValues(string(r.report.State)).Inc()
		timer.ObserveDuration(metrics.RunDuration)
	}()

	version, err := convergence.NextVersion(ctx, o.coord, desired.Project)
	if err != nil {
		r.reject(err)
		return r.report
	}
	versioned := *desired
	versioned.Version = version
	r.report.Version = version
	if versioned.Digest == "" {
		if versioned.Digest, err = compose.Digest(&versioned); err != nil {
			r.fail(err)
			return r.report
		}
	}

	lease, err := o.coord.BeginRun(ctx, desired.Project, version)
	if err != nil {
		r.reject(err)
		return r.report
	}
	r.lease = lease
	// the lease id is the run id recorded on the convergence record
	r.report.RunID = lease.ID
	r.logger = log.WithRunID(desired.Project, lease.ID)
	r.logger.Info().Uint64("version", version).Msg("Run started")
	r.publish(&events.Event{Type: events.EventRunStarted, Message: fmt.Sprintf("applying version %d", version)})

	nodes, err := o.nodes.List()
	if err != nil {
		r.fail(fmt.Errorf("failed to list nodes: %w", err))
		return r.report
	}
	obs := o.observer.Observe(ctx, desired.Project, nodes)
	plan, err := planner.Compute(&versioned, obs, nodes)
	if err != nil {
		r.fail(err)
		return r.report
	}
	r.report.Warnings = plan.Warnings
	waves, err := BuildWaves(plan.Operations, o.batch)
	if err != nil {
		r.fail(err)
		return r.report
	}

	exec := &executor{
		project: desired.Project,
		nodes:   make(map[types.NodeID]*types.ClusterNode, len(nodes)),
		dialer:  o.dialer,
		locks:   o.locks,
		health:  o.health,
		clock:   o.clock,
	}
	for _, n := range nodes {
		exec.nodes[n.ID] = n
	}

	aborted := false
	var abortErr error
	for _, wave := range waves {
		if aborted {
			r.report.Waves = append(r.report.Waves, skippedWave(wave))
			continue
		}
		wr, err := r.runWave(ctx, exec, wave)
		r.report.Waves = append(r.report.Waves, wr)
		if err != nil {
			aborted = true
			abortErr = err
			r.report.StoppedAt = wave.Index
		}
	}

	r.report.Instances = instances(plan, r.report.Waves)
	r.report.Outcome = outcome(r.report, plan, aborted)

	if aborted {
		r.abort(abortErr)
		return r.report
	}
	r.complete(&versioned, plan)
	return r.report
}

// runWave renews the lease, applies the wave and verifies it
func (r *run) runWave(ctx context.Context, exec *executor, wave *types.Wave) (*types.WaveReport, error) {
	if err := ctx.Err(); err != nil {
		return skippedWave(wave), fmt.Errorf("run cancelled before %s: %w", wave.Name, err)
	}
	renewed, err := r.o.coord.RenewRun(ctx, r.lease)
	if err != nil {
		return skippedWave(wave), fmt.Errorf("lost the run lease before %s: %w", wave.Name, err)
	}
	r.lease = renewed

	r.transition(types.RunWaveExecuting)
	r.publish(&events.Event{Type: events.EventWaveStarted, Message: wave.Name, Wave: wave.Index})
	r.logger.Info().Int("wave", wave.Index).Str("name", wave.Name).Int("operations", len(wave.Operations)).Msg("Wave started")

	outcomes := exec.apply(ctx, wave)
	r.transition(types.RunWaveVerifying)
	exec.verify(ctx, outcomes)

	wr := &types.WaveReport{Index: wave.Index, Name: wave.Name, Result: types.WaveSucceeded}
	var firstErr error
	for _, out := range outcomes {
		opr := &types.OperationReport{
			Kind:    out.op.Kind,
			Node:    out.op.Node,
			Service: out.op.Service,
			Result:  out.result,
		}
		if out.err != nil {
			opr.Error = out.err.Error()
			if firstErr == nil {
				firstErr = out.err
			}
			wr.Result = types.WaveAborted
			r.publish(&events.Event{Type: events.EventOperationFailed, Message: out.err.Error(), Wave: wave.Index, Operation: out.op})
			r.logger.Warn().Err(out.err).Str("service", out.op.Service).Int("node", int(out.op.Node)).Msg("Operation failed")
		} else {
			r.publish(&events.Event{Type: events.EventOperationApplied, Message: planner.String(out.op), Wave: wave.Index, Operation: out.op})
		}
		metrics.OperationsTotal.WithLabelValues(string(out.op.Kind), string(out.result)).Inc()
		wr.Operations = append(wr.Operations, opr)
	}
	metrics.WavesTotal.WithLabelValues(string(wr.Result)).Inc()

	if firstErr != nil {
		return wr, firstErr
	}
	r.publish(&events.Event{Type: events.EventWaveVerified, Message: wave.Name, Wave: wave.Index})
	return wr, nil
}

// reject ends a run that never got the lease
func (r *run) reject(err error) {
	if errdefs.IsConflict(err) {
		r.transition(types.RunConflictRejected)
		r.report.Error = err.Error()
		r.publish(&events.Event{Type: events.EventRunRejected, Message: err.Error()})
		r.logger.Warn().Err(err).Msg("Run rejected")
		return
	}
	r.fail(err)
}

// fail ends a run before anything was applied
func (r *run) fail(err error) {
	r.transition(types.RunFailed)
	r.report.Error = err.Error()
	r.report.Outcome = types.OutcomeNothingApplied
	r.releaseLease()
	r.publish(&events.Event{Type: events.EventRunAborted, Message: err.Error()})
	r.logger.Error().Err(err).Msg("Run failed before applying anything")
}

// abort ends a run that stopped between waves
func (r *run) abort(err error) {
	r.transition(types.RunAborted)
	r.report.Error = err.Error()
	r.releaseLease()
	r.publish(&events.Event{Type: events.EventRunAborted, Message: err.Error(), Wave: r.report.StoppedAt})
	r.logger.Error().Err(err).Int("stopped_at_wave", r.report.StoppedAt).Str("outcome", string(r.report.Outcome)).Msg("Run aborted")
}

func (r *run) complete(desired *types.DesiredState, plan *planner.Plan) {
	pending := pendingNodes(plan.Blocked)
	canonical, err := compose.Canonical(desired)
	var record *types.ConvergenceRecord
	if err == nil {
		record, err = r.o.coord.CommitRun(r.detached, r.lease, desired.Digest, pending, canonical)
	}
	if err != nil {
		// the waves reached the cluster but the version was never recorded
		if r.report.Outcome == types.OutcomeFullyApplied {
			r.report.Outcome = types.OutcomePartiallyApplied
		}
		r.abort(fmt.Errorf("failed to commit run: %w", err))
		return
	}
	r.transition(types.RunCompleted)
	r.publish(&events.Event{Type: events.EventRunCompleted, Message: fmt.Sprintf("version %d applied", record.Version)})
	r.logger.Info().
		Uint64("version", record.Version).
		Str("outcome", string(r.report.Outcome)).
		Int("pending_nodes", len(pending)).
		Msg("Run completed")
}

// releaseLease aborts the lease if one is held
func (r *run) releaseLease() {
	if r.lease == nil {
		return
	}
	if err := r.o.coord.AbortRun(r.detached, r.lease); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to release run lease")
	}
	r.lease = nil
}

func (r *run) transition(to types.RunState) {
	from := r.report.State
	if from == to {
		return
	}
	r.report.Transitions = append(r.report.Transitions, types.Transition{From: from, To: to, At: r.o.clock.Now()})
	r.report.State = to
}

func (r *run) publish(e *events.Event) {
	if r.o.events == nil {
		return
	}
	e.Timestamp = r.o.clock.Now()
	e.Project = r.report.Project
	e.RunID = r.report.RunID
	e.Version = r.report.Version
	r.o.events.Publish(e)
}

func skippedWave(wave *types.Wave) *types.WaveReport {
	wr := &types.WaveReport{Index: wave.Index, Name: wave.Name, Result: types.WaveSkipped}
	for _, op := range wave.Operations {
		wr.Operations = append(wr.Operations, &types.OperationReport{
			Kind: op.Kind, Node: op.Node, Service: op.Service, Result: types.OpResultSkipped,
		})
	}
	return wr
}

func pendingNodes(blocked []types.InstanceKey) []types.NodeID {
	var nodes []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, k := range blocked {
		if !seen[k.Node] {
			seen[k.Node] = true
			nodes = append(nodes, k.Node)
		}
	}
	return nodes
}

// instances reports every pair the plan touched. A pair is converged only
// when all of its operations were applied and verified.
func instances(plan *planner.Plan, waves []*types.WaveReport) []*types.InstanceReport {
	blocked := make(map[types.InstanceKey]bool)
	for _, k := range plan.Blocked {
		blocked[k] = true
	}
	results := make(map[types.InstanceKey][]*types.OperationReport)
	for _, w := range waves {
		for _, op := range w.Operations {
			key := types.InstanceKey{Node: op.Node, Service: op.Service}
			results[key] = append(results[key], op)
		}
	}

	seen := make(map[types.InstanceKey]bool)
	var keys []types.InstanceKey
	for _, op := range plan.Operations {
		if !seen[op.Key()] {
			seen[op.Key()] = true
			keys = append(keys, op.Key())
		}
	}
	for _, k := range plan.Blocked {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Node != keys[j].Node {
			return keys[i].Node < keys[j].Node
		}
		return keys[i].Service < keys[j].Service
	})

	reports := make([]*types.InstanceReport, 0, len(keys))
	for _, k := range keys {
		ir := &types.InstanceReport{Node: k.Node, Service: k.Service, Status: types.InstanceConverged}
		if blocked[k] {
			ir.Status = types.InstanceBlocked
			ir.Reason = "node unreachable during observe"
			reports = append(reports, ir)
			continue
		}
		for _, op := range results[k] {
			switch op.Result {
			case types.OpResultFailed, types.OpResultUnhealthy:
				ir.Status = types.InstanceFailed
				ir.Reason = op.Error
			case types.OpResultSkipped:
				if ir.Status == types.InstanceConverged {
					ir.Status = types.InstanceNotAttempted
				}
			}
		}
		reports = append(reports, ir)
	}
	return reports
}

// outcome tells nothing applied from partially and fully applied. Blocked
// pairs keep a completed run from being fully applied.
func outcome(report *types.RunReport, plan *planner.Plan, aborted bool) types.RunOutcome {
	touched := 0
	for _, w := range report.Waves {
		for _, op := range w.Operations {
			if op.Result == types.OpResultApplied || op.Result == types.OpResultUnhealthy {
				touched++
			}
		}
	}
	switch {
	case aborted && touched == 0:
		return types.OutcomeNothingApplied
	case aborted:
		return types.OutcomePartiallyApplied
	case len(plan.Blocked) > 0 && touched == 0:
		return types.OutcomeNothingApplied
	case len(plan.Blocked) > 0:
		return types.OutcomePartiallyApplied
	}
	return types.OutcomeFullyApplied
}
