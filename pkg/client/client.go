package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/overnode-org/overnode/pkg/api"
	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/runtime"
	"github.com/overnode-org/overnode/pkg/types"
)

// DefaultTimeout bounds calls made without a deadline
const DefaultTimeout = 10 * time.Second

var (
	_ runtime.Driver          = (*Client)(nil)
	_ convergence.Coordinator = (*Client)(nil)
)

type options struct {
	timeout time.Duration
	owner   string
	dialer  func(context.Context, string) (net.Conn, error)
}

// Option configures a Client
type Option func(*options)

// WithTimeout sets the deadline applied to calls that carry none
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithOwner sets the owner recorded on leases this client acquires
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

// WithDialer replaces the network dialer, e.g. with an in-memory listener
func WithDialer(dialer func(context.Context, string) (net.Conn, error)) Option {
	return func(o *options) { o.dialer = dialer }
}

// Client talks to one node agent. It is the remote form of the runtime
// driver, and of the registry and coordinator when the agent hosts them.
type Client struct {
	conn    *grpc.ClientConn
	address string
	timeout time.Duration
	owner   string
}

// New creates a client for the agent at address. The connection is made
// lazily on the first call.
func New(address, token string, opts ...Option) (*Client, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.owner == "" {
		o.owner, _ = os.Hostname()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
		grpc.WithUnaryInterceptor(api.ClientTokenInterceptor(token)),
	}
	if o.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(o.dialer))
	}

	conn, err := grpc.NewClient("passthrough:///"+address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	return &Client{conn: conn, address: address, timeout: o.timeout, owner: o.owner}, nil
}

// Address returns the agent address
func (c *Client) Address() string {
	return c.address
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp, grpc.Trailer(&trailer))
	return api.FromStatus(err, trailer, c.address)
}

// Join asks the agent's registry to admit a node
func (c *Client) Join(ctx context.Context, req *api.JoinRequest) (*api.JoinResponse, error) {
	resp := &api.JoinResponse{}
	if err := c.invoke(ctx, api.MethodJoin, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Heartbeat reports a node alive
func (c *Client) Heartbeat(ctx context.Context, id types.NodeID) (*types.ClusterNode, error) {
	resp := &api.NodeResponse{}
	if err := c.invoke(ctx, api.MethodHeartbeat, &api.NodeRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp.Node, nil
}

// Forget removes a node from the cluster
func (c *Client) Forget(ctx context.Context, id types.NodeID) error {
	return c.invoke(ctx, api.MethodForget, &api.NodeRequest{ID: id}, &api.Empty{})
}

// Membership returns the versioned node table
func (c *Client) Membership(ctx context.Context) (*types.Membership, error) {
	resp := &api.ListNodesResponse{}
	if err := c.invoke(ctx, api.MethodListNodes, &api.ListNodesRequest{}, resp); err != nil {
		return nil, err
	}
	if resp.Membership == nil {
		return &types.Membership{}, nil
	}
	return resp.Membership, nil
}

// List returns the cluster nodes
func (c *Client) List() ([]*types.ClusterNode, error) {
	membership, err := c.Membership(context.Background())
	if err != nil {
		return nil, err
	}
	return membership.Nodes, nil
}

// BeginRun acquires a project's run lease
func (c *Client) BeginRun(ctx context.Context, project string, version uint64) (*types.RunLease, error) {
	resp := &api.LeaseResponse{}
	req := &api.BeginRunRequest{Project: project, Version: version, Owner: c.owner}
	if err := c.invoke(ctx, api.MethodBeginRun, req, resp); err != nil {
		return nil, err
	}
	return resp.Lease, nil
}

func (c *Client) RenewRun(ctx context.Context, lease *types.RunLease) (*types.RunLease, error) {
	resp := &api.LeaseResponse{}
	if err := c.invoke(ctx, api.MethodRenewRun, &api.LeaseRequest{Lease: lease}, resp); err != nil {
		return nil, err
	}
	return resp.Lease, nil
}

func (c *Client) CommitRun(ctx context.Context, lease *types.RunLease, digest string, pending []types.NodeID, desired []byte) (*types.ConvergenceRecord, error) {
	resp := &api.RecordResponse{}
	req := &api.CommitRunRequest{Lease: lease, Digest: digest, Pending: pending, Desired: desired}
	if err := c.invoke(ctx, api.MethodCommitRun, req, resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) AbortRun(ctx context.Context, lease *types.RunLease) error {
	return c.invoke(ctx, api.MethodAbortRun, &api.LeaseRequest{Lease: lease}, &api.Empty{})
}

// Record returns the last committed record, or nil if there is none
func (c *Client) Record(ctx context.Context, project string) (*types.ConvergenceRecord, error) {
	resp := &api.RecordResponse{}
	if err := c.invoke(ctx, api.MethodGetRecord, &api.ProjectRequest{Project: project}, resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) Create(ctx context.Context, project string, spec *types.ServiceSpec, fingerprint string) (string, error) {
	resp := &api.ContainerResponse{}
	req := &api.CreateRequest{Project: project, Spec: spec, Fingerprint: fingerprint}
	if err := c.invoke(ctx, api.MethodCreate, req, resp); err != nil {
		return "", err
	}
	return resp.ContainerID, nil
}

func (c *Client) Start(ctx context.Context, containerID string) error {
	return c.invoke(ctx, api.MethodStart, &api.ContainerRequest{ContainerID: containerID}, &api.Empty{})
}

func (c *Client) Stop(ctx context.Context, containerID string) error {
	return c.invoke(ctx, api.MethodStop, &api.ContainerRequest{ContainerID: containerID}, &api.Empty{})
}

func (c *Client) Remove(ctx context.Context, containerID string) error {
	return c.invoke(ctx, api.MethodRemove, &api.ContainerRequest{ContainerID: containerID}, &api.Empty{})
}

func (c *Client) Inspect(ctx context.Context, project string) ([]*types.ObservedContainer, error) {
	resp := &api.InspectResponse{}
	if err := c.invoke(ctx, api.MethodInspect, &api.ProjectRequest{Project: project}, resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

func (c *Client) HealthOf(ctx context.Context, containerID string) (types.HealthState, error) {
	resp := &api.HealthResponse{}
	if err := c.invoke(ctx, api.MethodHealth, &api.ContainerRequest{ContainerID: containerID}, resp); err != nil {
		return types.HealthUnknown, err
	}
	return resp.State, nil
}

// Pool keeps one client per agent address and dials nodes for the engine
type Pool struct {
	token   string
	opts    []Option
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool whose clients present token
func NewPool(token string, opts ...Option) *Pool {
	return &Pool{token: token, opts: opts, clients: make(map[string]*Client)}
}

// Get returns the client for address, creating it on first use
func (p *Pool) Get(address string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	c, err := New(address, p.token, p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[address] = c
	return c, nil
}

// Driver returns the runtime driver of a node
func (p *Pool) Driver(node *types.ClusterNode) (runtime.Driver, error) {
	if node.Address == "" {
		return nil, fmt.Errorf("node %s has no address", node.ID)
	}
	return p.Get(node.Address)
}

// Close closes every client
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.clients, addr)
	}
	return first
}
