package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/overnode-org/overnode/pkg/convergence"
	"github.com/overnode-org/overnode/pkg/registry"
	"github.com/overnode-org/overnode/pkg/runtime"
)

// Server implements the agent gRPC service
type Server struct {
	registry *registry.Registry
	coord    *convergence.Propagator
	driver   runtime.Driver
	grpc     *grpc.Server
}

// Config holds configuration for creating a Server
type Config struct {
	// Registry and Coordinator are set on the registry host only
	Registry    *registry.Registry
	Coordinator *convergence.Propagator
	Driver      runtime.Driver
	// Validate checks the cluster token of incoming calls
	Validate func(token string) bool
}

// NewServer creates a new agent server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("agent server requires a runtime driver")
	}
	if cfg.Validate == nil {
		if cfg.Registry == nil {
			return nil, fmt.Errorf("agent server requires a token validator")
		}
		cfg.Validate = cfg.Registry.Tokens().Validate
	}

	s := &Server{
		registry: cfg.Registry,
		coord:    cfg.Coordinator,
		driver:   cfg.Driver,
		grpc: grpc.NewServer(grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			ErrorInterceptor(),
			AuthInterceptor(cfg.Validate),
		)),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the gRPC server
func (s *Server) Shutdown() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) requireRegistry() error {
	if s.registry == nil || s.coord == nil {
		return ErrNotRegistryHost
	}
	return nil
}

// Join admits a node; voters are also added to the replicated state
func (s *Server) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	id, err := s.registry.Join(ctx, req.Token, req.ID, req.Address, req.Voter)
	if err != nil {
		return nil, err
	}
	if req.Voter && req.RaftAddr != "" {
		if err := s.registry.AddVoter(id, req.RaftAddr); err != nil {
			return nil, fmt.Errorf("node %s joined but could not become a voter: %w", id, err)
		}
	}
	membership, err := s.registry.Membership()
	if err != nil {
		return nil, err
	}
	return &JoinResponse{ID: id, Membership: membership}, nil
}

// Heartbeat records the liveness of a node
func (s *Server) Heartbeat(ctx context.Context, req *NodeRequest) (*NodeResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	node, err := s.registry.Heartbeat(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &NodeResponse{Node: node}, nil
}

// Forget removes a node from the cluster
func (s *Server) Forget(ctx context.Context, req *NodeRequest) (*Empty, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	if err := s.registry.Forget(ctx, req.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ListNodes returns the current membership
func (s *Server) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	membership, err := s.registry.Membership()
	if err != nil {
		return nil, err
	}
	return &ListNodesResponse{Membership: membership}, nil
}

// BeginRun acquires a project's run lease for the calling engine
func (s *Server) BeginRun(ctx context.Context, req *BeginRunRequest) (*LeaseResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	lease, err := s.coord.BeginRunAs(ctx, req.Project, req.Version, req.Owner)
	if err != nil {
		return nil, err
	}
	return &LeaseResponse{Lease: lease}, nil
}

func (s *Server) RenewRun(ctx context.Context, req *LeaseRequest) (*LeaseResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	if req.Lease == nil {
		return nil, status.Error(codes.InvalidArgument, "lease is required")
	}
	lease, err := s.coord.RenewRun(ctx, req.Lease)
	if err != nil {
		return nil, err
	}
	return &LeaseResponse{Lease: lease}, nil
}

func (s *Server) CommitRun(ctx context.Context, req *CommitRunRequest) (*RecordResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	if req.Lease == nil {
		return nil, status.Error(codes.InvalidArgument, "lease is required")
	}
	record, err := s.coord.CommitRun(ctx, req.Lease, req.Digest, req.Pending, req.Desired)
	if err != nil {
		return nil, err
	}
	return &RecordResponse{Record: record}, nil
}

func (s *Server) AbortRun(ctx context.Context, req *LeaseRequest) (*Empty, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	if req.Lease == nil {
		return nil, status.Error(codes.InvalidArgument, "lease is required")
	}
	if err := s.coord.AbortRun(ctx, req.Lease); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// GetRecord returns the last committed record of a project
func (s *Server) GetRecord(ctx context.Context, req *ProjectRequest) (*RecordResponse, error) {
	if err := s.requireRegistry(); err != nil {
		return nil, err
	}
	record, err := s.coord.Record(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	return &RecordResponse{Record: record}, nil
}

// Inspect lists the project's containers on this node
func (s *Server) Inspect(ctx context.Context, req *ProjectRequest) (*InspectResponse, error) {
	containers, err := s.driver.Inspect(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	return &InspectResponse{Containers: containers}, nil
}

func (s *Server) Create(ctx context.Context, req *CreateRequest) (*ContainerResponse, error) {
	if req.Spec == nil {
		return nil, status.Error(codes.InvalidArgument, "service spec is required")
	}
	id, err := s.driver.Create(ctx, req.Project, req.Spec, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &ContainerResponse{ContainerID: id}, nil
}

func (s *Server) Start(ctx context.Context, req *ContainerRequest) (*Empty, error) {
	if err := s.driver.Start(ctx, req.ContainerID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) Stop(ctx context.Context, req *ContainerRequest) (*Empty, error) {
	if err := s.driver.Stop(ctx, req.ContainerID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) Remove(ctx context.Context, req *ContainerRequest) (*Empty, error) {
	if err := s.driver.Remove(ctx, req.ContainerID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Health probes one container
func (s *Server) Health(ctx context.Context, req *ContainerRequest) (*HealthResponse, error) {
	state, err := s.driver.HealthOf(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{State: state}, nil
}
