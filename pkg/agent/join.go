package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/overnode-org/overnode/pkg/api"
	"github.com/overnode-org/overnode/pkg/client"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/types"
)

type joinOptions struct {
	voter    bool
	raftAddr string
	client   []client.Option
}

// JoinOption configures JoinCluster
type JoinOption func(*joinOptions)

// AsVoter joins as a holder of a replica of the registry state
func AsVoter(raftAddr string) JoinOption {
	return func(o *joinOptions) {
		o.voter = true
		o.raftAddr = raftAddr
	}
}

// WithClientOptions passes options to the seed clients
func WithClientOptions(opts ...client.Option) JoinOption {
	return func(o *joinOptions) { o.client = append(o.client, opts...) }
}

// JoinCluster presents token to each seed in order until one admits the
// node. Token and identity rejections are final and returned at once; any
// other failure moves on to the next seed. When no seed admits the node the
// result is a NetworkError. On success the client of the admitting seed is
// returned for heartbeats; the caller closes it.
func JoinCluster(ctx context.Context, token string, id types.NodeID, selfAddr string, seeds []string, opts ...JoinOption) (*client.Client, *api.JoinResponse, error) {
	if len(seeds) == 0 {
		return nil, nil, fmt.Errorf("no seeds to join through")
	}
	var o joinOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := log.WithNodeID(int(id))
	req := &api.JoinRequest{Token: token, ID: id, Address: selfAddr, Voter: o.voter, RaftAddr: o.raftAddr}

	var lastErr error
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		c, err := client.New(seed, token, o.client...)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.Join(ctx, req)
		if err == nil {
			logger.Info().Str("seed", seed).Uint64("membership_version", resp.Membership.Version).Msg("Joined cluster")
			return c, resp, nil
		}
		c.Close()

		if errdefs.IsAuth(err) || errdefs.IsIdentity(err) {
			return nil, nil, err
		}
		if errors.Is(err, api.ErrNotRegistryHost) {
			logger.Debug().Str("seed", seed).Msg("Seed does not host the registry")
		} else {
			logger.Warn().Err(err).Str("seed", seed).Msg("Join through seed failed")
		}
		lastErr = err
	}
	return nil, nil, &errdefs.NetworkError{Address: strings.Join(seeds, ","), Err: lastErr}
}
