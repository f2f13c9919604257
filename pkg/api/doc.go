/*
Package api serves the node agent over gRPC.

Every node runs one agent. It exposes the node's container runtime
(Inspect, Create, Start, Stop, Remove, Health) and, on the registry host,
the membership table (Join, Heartbeat, Forget, ListNodes) and the run lease
and convergence record (BeginRun, RenewRun, CommitRun, AbortRun, GetRecord).
The service is described by hand in ServiceDesc and its messages are plain
structs carried by a JSON codec, so there is no generated code.

# Authentication

Join carries the cluster token in its request. Every other call must
present the token in the "overnode-token" metadata key; AuthInterceptor
rejects calls without it.

# Errors

Handlers return errdefs errors. ErrorInterceptor turns them into gRPC
statuses and attaches their typed form in a trailer:

	ConflictError   Aborted
	AuthError       Unauthenticated
	IdentityError   AlreadyExists
	ConfigError     InvalidArgument
	PlacementError  FailedPrecondition
	RuntimeError    Internal
	ErrNotFound     NotFound

FromStatus rebuilds the typed error on the client, so callers keep using
errors.As and the errdefs predicates across the network. Unavailable
becomes a NetworkError naming the agent.

# Health endpoints

HealthServer serves /health, /ready and /metrics from a metrics.StatusBoard
on the agent's metrics address.
*/
package api
