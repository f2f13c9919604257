package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/types"
)

// Registry is the authoritative membership table of the cluster
type Registry struct {
	backend   state.Backend
	tokens    *TokenManager
	clock     clock.Clock
	threshold time.Duration
	events    events.Publisher
}

// Config holds configuration for creating a Registry
type Config struct {
	Backend state.Backend
	Tokens  *TokenManager
	// LivenessThreshold is how long a node may go without a heartbeat
	// before Sweep marks it unreachable
	LivenessThreshold time.Duration
	Clock             clock.Clock
	Events            events.Publisher
}

// New creates a registry
func New(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("registry requires a state backend")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("registry requires a token manager")
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	return &Registry{
		backend:   cfg.Backend,
		tokens:    cfg.Tokens,
		clock:     cfg.Clock,
		threshold: cfg.LivenessThreshold,
		events:    cfg.Events,
	}, nil
}

// Tokens returns the registry's token manager
func (r *Registry) Tokens() *TokenManager {
	return r.tokens
}

// Join admits a node under an explicit id. The token is checked first; an id
// held by an active or joining node is rejected with IdentityError.
func (r *Registry) Join(ctx context.Context, token string, id types.NodeID, address string, voter bool) (types.NodeID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !r.tokens.Validate(token) {
		metrics.JoinsTotal.WithLabelValues("auth_error").Inc()
		return 0, &errdefs.AuthError{Msg: "cluster token mismatch"}
	}
	if id <= 0 {
		metrics.JoinsTotal.WithLabelValues("identity_error").Inc()
		return 0, &errdefs.IdentityError{ID: int(id), Msg: "node id must be a positive integer"}
	}
	if address == "" {
		return 0, fmt.Errorf("node %s: address is required", id)
	}

	node, err := state.Do[*types.ClusterNode](r.backend, state.OpJoinNode, state.JoinNodeData{
		Node: &types.ClusterNode{ID: id, Address: address, Voter: voter, JoinedAt: r.clock.Now().UTC()},
	})
	if err != nil {
		if errdefs.IsIdentity(err) {
			metrics.JoinsTotal.WithLabelValues("identity_error").Inc()
		} else {
			metrics.JoinsTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}
	metrics.JoinsTotal.WithLabelValues("success").Inc()

	logger := log.WithNodeID(int(id))
	logger.Info().Str("address", address).Str("state", string(node.State)).Bool("voter", voter).Msg("Node joined")
	r.publish(events.EventNodeJoined, id, fmt.Sprintf("node %s joined from %s", id, address))
	r.refreshGauges()

	return node.ID, nil
}

// AddVoter adds a joined node to the replicated state backend
func (r *Registry) AddVoter(id types.NodeID, raftAddr string) error {
	if _, err := r.backend.Store().GetNode(id); err != nil {
		return err
	}
	return r.backend.AddVoter(id, raftAddr)
}

// Forget permanently removes a node from the membership table
func (r *Registry) Forget(ctx context.Context, id types.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, err := r.backend.Store().GetNode(id)
	if err != nil {
		return err
	}
	if node.Voter {
		if err := r.backend.RemoveVoter(id); err != nil {
			logger := log.WithNodeID(int(id))
			logger.Warn().Err(err).Msg("Failed to remove voter")
		}
	}

	if _, err := state.Do[any](r.backend, state.OpForgetNode, state.ForgetNodeData{ID: id}); err != nil {
		return err
	}

	logger := log.WithNodeID(int(id))
	logger.Info().Msg("Node forgotten")
	r.publish(events.EventNodeForgotten, id, fmt.Sprintf("node %s forgotten", id))
	r.refreshGauges()
	return nil
}

// Heartbeat records that a node is alive
func (r *Registry) Heartbeat(ctx context.Context, id types.NodeID) (*types.ClusterNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	before, err := r.backend.Store().GetNode(id)
	if err != nil {
		return nil, err
	}

	node, err := state.Do[*types.ClusterNode](r.backend, state.OpHeartbeat, state.HeartbeatData{ID: id, At: r.clock.Now().UTC()})
	if err != nil {
		return nil, err
	}

	if before.State == types.MembershipUnreachable {
		logger := log.WithNodeID(int(id))
		logger.Info().Msg("Node recovered")
		r.publish(events.EventNodeRecovered, id, fmt.Sprintf("node %s is reachable again", id))
	}
	if before.State != node.State {
		r.refreshGauges()
	}
	return node, nil
}

// Sweep marks nodes whose last heartbeat is older than the liveness
// threshold as unreachable. Nodes are never forgotten automatically.
func (r *Registry) Sweep() ([]types.NodeID, error) {
	cutoff := r.clock.Now().UTC().Add(-r.threshold)
	marked, err := state.Do[[]types.NodeID](r.backend, state.OpMarkUnreachable, state.MarkUnreachableData{Before: cutoff})
	if err != nil {
		return nil, err
	}
	for _, id := range marked {
		logger := log.WithNodeID(int(id))
		logger.Warn().Dur("threshold", r.threshold).Msg("Node missed heartbeats, marking unreachable")
		r.publish(events.EventNodeUnreachable, id, fmt.Sprintf("node %s missed heartbeats", id))
	}
	if len(marked) > 0 {
		r.refreshGauges()
	}
	return marked, nil
}

// Run sweeps on every interval tick until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := r.Sweep(); err != nil {
				log.Logger.Warn().Err(err).Msg("Liveness sweep failed")
			}
		}
	}
}

// List returns every registered node in id order
func (r *Registry) List() ([]*types.ClusterNode, error) {
	nodes, err := r.backend.Store().ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ListActive returns the active nodes in id order
func (r *Registry) ListActive() ([]*types.ClusterNode, error) {
	nodes, err := r.List()
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, n := range nodes {
		if n.State == types.MembershipActive {
			active = append(active, n)
		}
	}
	return active, nil
}

// Get returns one node
func (r *Registry) Get(id types.NodeID) (*types.ClusterNode, error) {
	return r.backend.Store().GetNode(id)
}

// Membership returns the node table together with its version
func (r *Registry) Membership() (*types.Membership, error) {
	// The version is read first; a concurrent write can only make the
	// returned table newer than the version, never older.
	version, err := r.backend.Store().MembershipVersion()
	if err != nil {
		return nil, err
	}
	nodes, err := r.List()
	if err != nil {
		return nil, err
	}
	return &types.Membership{Version: version, Nodes: nodes}, nil
}

// Resolve returns the address of a node
func (r *Registry) Resolve(id types.NodeID) (string, error) {
	node, err := r.backend.Store().GetNode(id)
	if err != nil {
		return "", err
	}
	return node.Address, nil
}

// IDs returns the set of registered node ids
func IDs(nodes []*types.ClusterNode) mapset.Set[types.NodeID] {
	set := mapset.NewThreadUnsafeSet[types.NodeID]()
	for _, n := range nodes {
		set.Add(n.ID)
	}
	return set
}

func (r *Registry) publish(t events.EventType, id types.NodeID, msg string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: t, Message: msg, Node: id})
}

func (r *Registry) refreshGauges() {
	membership, err := r.Membership()
	if err != nil {
		return
	}
	counts := map[types.MembershipState]int{
		types.MembershipJoining:     0,
		types.MembershipActive:      0,
		types.MembershipUnreachable: 0,
	}
	for _, n := range membership.Nodes {
		counts[n.State]++
	}
	for s, c := range counts {
		metrics.NodesTotal.WithLabelValues(string(s)).Set(float64(c))
	}
	metrics.MembershipVersion.Set(float64(membership.Version))
}
