package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/moby/locker"
	"golang.org/x/sync/errgroup"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/observer"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/types"
)

// HealthPolicy bounds health verification of one wave
type HealthPolicy struct {
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// opOutcome is what happened to one operation of a wave
type opOutcome struct {
	op          *types.Operation
	containerID string
	result      types.OperationResult
	err         error
}

// executor applies operations through node drivers
type executor struct {
	project string
	nodes   map[types.NodeID]*types.ClusterNode
	dialer  observer.Dialer
	locks   *locker.Locker
	health  HealthPolicy
	clock   clock.Clock
}

func (e *executor) driver(node types.NodeID) (runtime.Driver, error) {
	n, ok := e.nodes[node]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", node, errdefs.ErrNotFound)
	}
	return e.dialer.Driver(n)
}

// apply runs every operation of a wave concurrently. Operations run on a
// context detached from ctx so that an abort never interrupts one midway.
func (e *executor) apply(ctx context.Context, wave *types.Wave) []*opOutcome {
	outcomes := make([]*opOutcome, len(wave.Operations))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, op := range wave.Operations {
		i, op := i, op
		g.Go(func() error {
			outcomes[i] = e.applyOne(detached, op)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *executor) applyOne(ctx context.Context, op *types.Operation) *opOutcome {
	key := op.Key().String()
	e.locks.Lock(key)
	defer e.locks.Unlock(key) //nolint:errcheck

	out := &opOutcome{op: op, containerID: op.ContainerID, result: types.OpResultApplied}
	fail := func(stage string, err error) *opOutcome {
		out.result = types.OpResultFailed
		out.err = &errdefs.RuntimeError{Node: int(op.Node), Service: op.Service, Op: stage, Err: err}
		return out
	}

	d, err := e.driver(op.Node)
	if err != nil {
		return fail(string(op.Kind), err)
	}

	switch op.Kind {
	case types.OpCreate, types.OpRecreate:
		if op.Kind == types.OpRecreate {
			if err := d.Stop(ctx, op.ContainerID); err != nil {
				return fail("stop", err)
			}
			if err := d.Remove(ctx, op.ContainerID); err != nil {
				return fail("remove", err)
			}
		}
		id, err := d.Create(ctx, e.project, op.Spec, op.Fingerprint)
		if err != nil {
			return fail("create", err)
		}
		out.containerID = id
		if err := d.Start(ctx, id); err != nil {
			return fail("start", err)
		}
	case types.OpStart:
		if err := d.Start(ctx, op.ContainerID); err != nil {
			return fail("start", err)
		}
	case types.OpStop:
		if err := d.Stop(ctx, op.ContainerID); err != nil {
			return fail("stop", err)
		}
	case types.OpRemove:
		if err := d.Remove(ctx, op.ContainerID); err != nil {
			return fail("remove", err)
		}
	default:
		return fail(string(op.Kind), fmt.Errorf("unsupported operation"))
	}
	return out
}

// verify polls the health of every applied operation that leaves a
// container behind. Outcomes that do not turn healthy are marked unhealthy.
func (e *executor) verify(ctx context.Context, outcomes []*opOutcome) {
	var g errgroup.Group
	for _, out := range outcomes {
		out := out
		if out.result != types.OpResultApplied || !out.op.Kind.NeedsHealth() {
			continue
		}
		g.Go(func() error {
			if err := e.waitHealthy(ctx, out); err != nil {
				out.result = types.OpResultUnhealthy
				out.err = &errdefs.RuntimeError{Node: int(out.op.Node), Service: out.op.Service, Op: "health", Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// waitHealthy polls with exponential backoff until the container reports
// healthy or the policy timeout passes. Unknown counts as healthy only when
// the service declares no health check, in which case a running container
// is all that can be verified.
func (e *executor) waitHealthy(ctx context.Context, out *opOutcome) error {
	d, err := e.driver(out.op.Node)
	if err != nil {
		return err
	}
	noCheck := out.op.Spec == nil || out.op.Spec.HealthCheck == nil
	deadline := e.clock.Now().Add(e.health.Timeout)
	backoff := e.health.InitialBackoff

	var lastErr error
	for {
		state, err := d.HealthOf(ctx, out.containerID)
		if err != nil {
			lastErr = err
			metrics.HealthPollsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.HealthPollsTotal.WithLabelValues(string(state)).Inc()
			switch {
			case state == types.HealthHealthy:
				return nil
			case state == types.HealthUnknown && noCheck:
				return nil
			case state == types.HealthUnhealthy:
				return errors.New("container reported unhealthy")
			}
		}

		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w: last error: %v", errdefs.ErrHealthTimeout, lastErr)
			}
			return errdefs.ErrHealthTimeout
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(wait):
		}
		backoff *= 2
		if backoff > e.health.MaxBackoff {
			backoff = e.health.MaxBackoff
		}
	}
}
