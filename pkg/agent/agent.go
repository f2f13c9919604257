package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"github.com/overnode-org/overnode/pkg/api"
	"github.com/overnode-org/overnode/pkg/client"
	"github.com/overnode-org/overnode/pkg/config"
	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
	"github.com/overnode-org/overnode/pkg/registry"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/state"
	"github.com/overnode-org/overnode/pkg/storage"
	"github.com/overnode-org/overnode/pkg/types"
)

const (
	componentRegistry = "registry"
	componentRuntime  = "runtime"
	componentAPI      = "api"
)

// Version is reported on the health endpoints; set at build time
var Version = "dev"

// Option configures an Agent
type Option func(*Agent)

// WithDriver replaces the runtime selected by the config
func WithDriver(d runtime.Driver) Option {
	return func(a *Agent) { a.driver = d }
}

// WithClock replaces the clock driving heartbeats and the liveness sweep
func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithSeedOptions passes client options to the connections made to seeds
func WithSeedOptions(opts ...client.Option) Option {
	return func(a *Agent) { a.seedOpts = append(a.seedOpts, opts...) }
}

// Agent is the per-node process: it serves the runtime to the engine and,
// on the registry host, the membership table and the run leases.
type Agent struct {
	cfg      config.AgentConfig
	leaseTTL time.Duration
	clock    clock.Clock
	seedOpts []client.Option

	board   *metrics.StatusBoard
	broker  *events.Broker
	driver  runtime.Driver
	backend state.Backend
	tokens  *registry.TokenManager

	registry *registry.Registry
	coord    *convergence.Propagator

	closers []func() error
	ready   chan struct{}

	mu      sync.Mutex
	address string
}

// New builds an agent from cfg without starting anything
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	ac := cfg.Agent
	if ac.NodeID <= 0 {
		return nil, &errdefs.IdentityError{ID: ac.NodeID, Msg: "agent.node_id must be a positive integer"}
	}

	a := &Agent{
		cfg:      ac,
		leaseTTL: cfg.Engine.LeaseTTL.Duration,
		board:    metrics.NewStatusBoard(Version, componentRuntime, componentAPI, componentRegistry),
		broker:   events.NewBroker(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = clock.NewClock()
	}

	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) init() error {
	ac := a.cfg
	if ac.Registry || ac.StateBackend == "raft" || ac.Runtime == "containerd" {
		if err := os.MkdirAll(ac.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if a.driver == nil {
		switch ac.Runtime {
		case "memory":
			a.driver = runtime.NewMemoryDriver()
		default:
			d, err := runtime.NewContainerdDriver(ac.ContainerdSocket, filepath.Join(ac.DataDir, "volumes"))
			if err != nil {
				return err
			}
			a.driver = d
			a.closers = append(a.closers, d.Close)
		}
	}

	if !ac.Registry {
		if ac.Token == "" {
			return &errdefs.AuthError{Msg: "agent.token is required to join an existing cluster"}
		}
		tokens, err := registry.NewTokenManager(ac.Token)
		if err != nil {
			return err
		}
		a.tokens = tokens
		if ac.StateBackend != "raft" {
			return nil
		}
	}

	store, err := storage.NewBoltStore(ac.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	switch ac.StateBackend {
	case "raft":
		backend, err := state.NewRaftBackend(state.RaftConfig{
			NodeID:    types.NodeID(ac.NodeID),
			BindAddr:  ac.RaftAddr,
			DataDir:   filepath.Join(ac.DataDir, "raft"),
			Bootstrap: ac.Registry && len(ac.Seeds) == 0,
		}, store)
		if err != nil {
			store.Close()
			return err
		}
		a.backend = backend
	default:
		a.backend = state.NewLocalBackend(store)
	}
	a.closers = append(a.closers, a.backend.Close)

	if !ac.Registry {
		return nil
	}

	tokens, err := registry.LoadOrCreateToken(ac.DataDir, ac.Token)
	if err != nil {
		return err
	}
	a.tokens = tokens
	a.registry, err = registry.New(registry.Config{
		Backend:           a.backend,
		Tokens:            tokens,
		LivenessThreshold: ac.LivenessThreshold.Duration,
		Clock:             a.clock,
		Events:            a.broker,
	})
	if err != nil {
		return err
	}
	a.coord = convergence.New(convergence.Config{
		Backend:  a.backend,
		LeaseTTL: a.leaseTTL,
		Clock:    a.clock,
	})
	return nil
}

// Registry returns the membership table, or nil when this node does not host it
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Coordinator returns the lease table, or nil when this node does not host it
func (a *Agent) Coordinator() *convergence.Propagator {
	return a.coord
}

// Token returns the cluster token
func (a *Agent) Token() string {
	return a.tokens.Token()
}

// Events returns the broker carrying membership events on the registry host
func (a *Agent) Events() *events.Broker {
	return a.broker
}

// Status returns the component health board
func (a *Agent) Status() *metrics.StatusBoard {
	return a.board
}

// Ready is closed once the agent serves and has joined the cluster
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// Address returns the address the agent advertises, once running
func (a *Agent) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.address
}

// Run serves the agent API, joins the cluster and heartbeats until ctx is
// done. The registry host admits itself; every other node joins through the
// configured seeds.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()
	logger := log.WithNodeID(a.cfg.NodeID)

	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}
	advertise := a.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = lis.Addr().String()
	}
	a.mu.Lock()
	a.address = advertise
	a.mu.Unlock()

	srvCfg := api.Config{Driver: a.driver, Validate: a.tokens.Validate}
	if a.registry != nil {
		srvCfg.Registry = a.registry
		srvCfg.Coordinator = a.coord
	}
	server, err := api.NewServer(srvCfg)
	if err != nil {
		lis.Close()
		return err
	}

	a.broker.Start()
	defer a.broker.Stop()
	if a.registry != nil {
		stopFollow := events.Follow(a.broker, log.WithComponent(componentRegistry), events.MembershipEvents...)
		defer stopFollow()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", lis.Addr().String()).Msg("Agent API listening")
		return server.Serve(lis)
	})
	a.board.Set(componentAPI, true, "")
	a.board.Set(componentRuntime, true, a.cfg.Runtime)

	var health *api.HealthServer
	if a.cfg.MetricsAddr != "" {
		health = api.NewHealthServer(a.board)
		g.Go(func() error {
			return health.Start(a.cfg.MetricsAddr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		if health != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := health.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop health server")
			}
		}
		return nil
	})

	beat, err := a.join(gctx, advertise)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	close(a.ready)

	if a.registry != nil {
		g.Go(func() error {
			a.registry.Run(gctx, a.cfg.HeartbeatInterval.Duration)
			return nil
		})
	}
	g.Go(func() error {
		heartbeatLoop(gctx, a.clock, a.cfg.HeartbeatInterval.Duration, types.NodeID(a.cfg.NodeID), beat, a.board)
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Agent stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// join admits this node and returns how it heartbeats afterwards
func (a *Agent) join(ctx context.Context, advertise string) (BeatFunc, error) {
	id := types.NodeID(a.cfg.NodeID)
	voter := a.cfg.StateBackend == "raft"
	logger := log.WithNodeID(a.cfg.NodeID)

	if a.registry != nil {
		_, err := a.registry.Join(ctx, a.tokens.Token(), id, advertise, voter)
		if errdefs.IsIdentity(err) {
			node, getErr := a.registry.Get(id)
			if getErr != nil || node.Address != advertise {
				return nil, err
			}
			logger.Info().Msg("Resuming registration after restart")
			err = nil
		}
		if err != nil {
			return nil, err
		}
		return a.registry.Heartbeat, nil
	}

	opts := []JoinOption{WithClientOptions(a.seedOpts...)}
	if voter {
		opts = append(opts, AsVoter(a.cfg.RaftAddr))
	}
	c, _, err := JoinCluster(ctx, a.tokens.Token(), id, advertise, a.cfg.Seeds, opts...)
	if errdefs.IsIdentity(err) {
		c, err = a.resume(ctx, id, advertise)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, c.Close)
	return c.Heartbeat, nil
}

// resume accepts an identity conflict when the registered node is this
// agent itself at the same address, as after a restart within the liveness
// threshold
func (a *Agent) resume(ctx context.Context, id types.NodeID, advertise string) (*client.Client, error) {
	for _, seed := range a.cfg.Seeds {
		c, err := client.New(seed, a.tokens.Token(), a.seedOpts...)
		if err != nil {
			continue
		}
		membership, err := c.Membership(ctx)
		if err != nil {
			c.Close()
			continue
		}
		for _, node := range membership.Nodes {
			if node.ID == id && node.Address == advertise {
				logger := log.WithNodeID(int(id))
				logger.Info().Str("seed", seed).Msg("Resuming registration after restart")
				return c, nil
			}
		}
		c.Close()
		break
	}
	return nil, &errdefs.IdentityError{ID: int(id), Msg: "id is registered to another address"}
}

func (a *Agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to release agent resource")
		}
	}
	a.closers = nil
}
