package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service every agent serves
const ServiceName = "overnode.agent.v1.Agent"

// Method names of the agent service
const (
	MethodJoin      = "Join"
	MethodHeartbeat = "Heartbeat"
	MethodForget    = "Forget"
	MethodListNodes = "ListNodes"
	MethodBeginRun  = "BeginRun"
	MethodRenewRun  = "RenewRun"
	MethodCommitRun = "CommitRun"
	MethodAbortRun  = "AbortRun"
	MethodGetRecord = "GetRecord"
	MethodInspect   = "Inspect"
	MethodCreate    = "Create"
	MethodStart     = "Start"
	MethodStop      = "Stop"
	MethodRemove    = "Remove"
	MethodHealth    = "Health"
)

// FullMethod returns the path a method is invoked under
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// AgentServer is the server side of the agent service. Registry and lease
// calls are served by the registry host only.
type AgentServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Heartbeat(context.Context, *NodeRequest) (*NodeResponse, error)
	Forget(context.Context, *NodeRequest) (*Empty, error)
	ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error)

	BeginRun(context.Context, *BeginRunRequest) (*LeaseResponse, error)
	RenewRun(context.Context, *LeaseRequest) (*LeaseResponse, error)
	CommitRun(context.Context, *CommitRunRequest) (*RecordResponse, error)
	AbortRun(context.Context, *LeaseRequest) (*Empty, error)
	GetRecord(context.Context, *ProjectRequest) (*RecordResponse, error)

	Inspect(context.Context, *ProjectRequest) (*InspectResponse, error)
	Create(context.Context, *CreateRequest) (*ContainerResponse, error)
	Start(context.Context, *ContainerRequest) (*Empty, error)
	Stop(context.Context, *ContainerRequest) (*Empty, error)
	Remove(context.Context, *ContainerRequest) (*Empty, error)
	Health(context.Context, *ContainerRequest) (*HealthResponse, error)
}

// ServiceDesc describes the agent service to grpc
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodJoin, AgentServer.Join),
		unary(MethodHeartbeat, AgentServer.Heartbeat),
		unary(MethodForget, AgentServer.Forget),
		unary(MethodListNodes, AgentServer.ListNodes),
		unary(MethodBeginRun, AgentServer.BeginRun),
		unary(MethodRenewRun, AgentServer.RenewRun),
		unary(MethodCommitRun, AgentServer.CommitRun),
		unary(MethodAbortRun, AgentServer.AbortRun),
		unary(MethodGetRecord, AgentServer.GetRecord),
		unary(MethodInspect, AgentServer.Inspect),
		unary(MethodCreate, AgentServer.Create),
		unary(MethodStart, AgentServer.Start),
		unary(MethodStop, AgentServer.Stop),
		unary(MethodRemove, AgentServer.Remove),
		unary(MethodHealth, AgentServer.Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overnode/agent.json",
}

// unary builds the method descriptor for one request/response call
func unary[Req, Resp any](name string, call func(AgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AgentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AgentServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
