package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/overnode-org/overnode/pkg/errdefs"
)

// roundTrip converts err the way the server does and rebuilds it the way
// the client does
func roundTrip(t *testing.T, err error) (codes.Code, error) {
	t.Helper()
	code, wire := classify(err)
	st := status.Error(code, err.Error())
	md := metadata.MD{}
	if wire != nil {
		data, merr := json.Marshal(wire)
		require.NoError(t, merr)
		md = metadata.Pairs(errorTrailer, string(data))
	}
	return code, FromStatus(st, md, "10.0.0.2:2375")
}

func TestErrorRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  codes.Code
		check func(error) bool
	}{
		{"conflict", &errdefs.ConflictError{Project: "shop", Holder: "ops-1", Msg: "lease held"}, codes.Aborted, errdefs.IsConflict},
		{"auth", &errdefs.AuthError{Msg: "cluster token mismatch"}, codes.Unauthenticated, errdefs.IsAuth},
		{"identity", &errdefs.IdentityError{ID: 2, Msg: "held by an active node"}, codes.AlreadyExists, errdefs.IsIdentity},
		{"config", errdefs.Configf("overnode.yml", "version %q is not supported", "2"), codes.InvalidArgument, errdefs.IsConfig},
		{"placement", errdefs.Placementf("web", "node 9 is not registered"), codes.FailedPrecondition, errdefs.IsPlacement},
		{"runtime", &errdefs.RuntimeError{Node: 1, Service: "web", Op: "create", Err: errors.New("pull failed")}, codes.Internal, errdefs.IsRuntime},
		{"wrapped conflict", fmt.Errorf("begin: %w", &errdefs.ConflictError{Project: "shop", Msg: "stale"}), codes.Aborted, errdefs.IsConflict},
		{"not found", fmt.Errorf("node 4: %w", errdefs.ErrNotFound), codes.NotFound, func(err error) bool { return errors.Is(err, errdefs.ErrNotFound) }},
		{"not registry host", ErrNotRegistryHost, codes.Unimplemented, func(err error) bool { return errors.Is(err, ErrNotRegistryHost) }},
		{"cancelled", context.Canceled, codes.Canceled, func(err error) bool { return errors.Is(err, context.Canceled) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, got := roundTrip(t, tt.err)
			assert.Equal(t, tt.code, code)
			assert.True(t, tt.check(got), "rebuilt %v", got)
		})
	}
}

func TestErrorRoundTripKeepsFields(t *testing.T) {
	_, got := roundTrip(t, &errdefs.ConflictError{Project: "shop", Holder: "ops-1", Msg: "lease held"})
	var conflict *errdefs.ConflictError
	require.True(t, errors.As(got, &conflict))
	assert.Equal(t, "shop", conflict.Project)
	assert.Equal(t, "ops-1", conflict.Holder)

	_, got = roundTrip(t, &errdefs.RuntimeError{Node: 3, Service: "db", Op: "start", Err: errors.New("exit 1")})
	var rt *errdefs.RuntimeError
	require.True(t, errors.As(got, &rt))
	assert.Equal(t, 3, rt.Node)
	assert.Equal(t, "start", rt.Op)
	assert.Equal(t, "runtime error: start db on node 3: exit 1", rt.Error())
}

func TestUnavailableIsNetworkError(t *testing.T) {
	err := FromStatus(status.Error(codes.Unavailable, "connection refused"), nil, "10.0.0.2:2375")
	var netErr *errdefs.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "10.0.0.2:2375", netErr.Address)
}

func TestUntypedErrorsPassThrough(t *testing.T) {
	code, got := roundTrip(t, errors.New("disk full"))
	assert.Equal(t, codes.Unknown, code)
	assert.Equal(t, "disk full", status.Convert(got).Message())

	plain := errors.New("not a status")
	assert.Same(t, plain, FromStatus(plain, nil, ""))
	assert.NoError(t, FromStatus(nil, nil, ""))
}

func TestMethodNames(t *testing.T) {
	assert.Equal(t, "/overnode.agent.v1.Agent/Inspect", FullMethod(MethodInspect))
	assert.Equal(t, "Inspect", methodName(FullMethod(MethodInspect)))
	assert.True(t, isQuietMethod(MethodListNodes))
	assert.True(t, isQuietMethod(MethodHeartbeat))
	assert.False(t, isQuietMethod(MethodCreate))
	assert.Len(t, ServiceDesc.Methods, 15)
}
