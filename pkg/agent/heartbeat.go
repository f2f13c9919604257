package agent

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/types"
)

// BeatFunc reports one node alive to the registry
type BeatFunc func(ctx context.Context, id types.NodeID) (*types.ClusterNode, error)

// heartbeatLoop beats once immediately and then on every interval until
// ctx is done. Failures only mark the registry component unhealthy; the
// registry's liveness sweep decides what a missed heartbeat means.
func heartbeatLoop(ctx context.Context, clk clock.Clock, interval time.Duration, id types.NodeID, beat BeatFunc, board *metrics.StatusBoard) {
	logger := log.WithNodeID(int(id))
	once := func() {
		callCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		node, err := beat(callCtx, id)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Heartbeat failed")
				board.Set(componentRegistry, false, err.Error())
			}
			return
		}
		board.Set(componentRegistry, true, "")
		logger.Debug().Str("state", string(node.State)).Msg("Heartbeat sent")
	}

	once()
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			once()
		}
	}
}
