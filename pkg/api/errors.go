package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/overnode-org/overnode/pkg/errdefs"
)

// errorTrailer carries the typed form of an error next to the status
const errorTrailer = "overnode-error"

// ErrNotRegistryHost is returned for registry calls made to a plain node
var ErrNotRegistryHost = errors.New("this node does not host the registry")

// wireError is the typed form of an errdefs error
type wireError struct {
	Kind    string `json:"kind"`
	Msg     string `json:"msg,omitempty"`
	Source  string `json:"source,omitempty"`
	Service string `json:"service,omitempty"`
	Project string `json:"project,omitempty"`
	Holder  string `json:"holder,omitempty"`
	ID      int    `json:"id,omitempty"`
	Node    int    `json:"node,omitempty"`
	Op      string `json:"op,omitempty"`
}

func classify(err error) (codes.Code, *wireError) {
	var (
		configErr    *errdefs.ConfigError
		placementErr *errdefs.PlacementError
		conflictErr  *errdefs.ConflictError
		authErr      *errdefs.AuthError
		identityErr  *errdefs.IdentityError
		runtimeErr   *errdefs.RuntimeError
	)
	switch {
	case errors.As(err, &conflictErr):
		return codes.Aborted, &wireError{Kind: "conflict", Project: conflictErr.Project, Holder: conflictErr.Holder, Msg: conflictErr.Msg}
	case errors.As(err, &authErr):
		return codes.Unauthenticated, &wireError{Kind: "auth", Msg: authErr.Msg}
	case errors.As(err, &identityErr):
		return codes.AlreadyExists, &wireError{Kind: "identity", ID: identityErr.ID, Msg: identityErr.Msg}
	case errors.As(err, &configErr):
		msg := configErr.Msg
		if configErr.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, configErr.Err)
		}
		return codes.InvalidArgument, &wireError{Kind: "config", Source: configErr.Source, Msg: msg}
	case errors.As(err, &placementErr):
		return codes.FailedPrecondition, &wireError{Kind: "placement", Service: placementErr.Service, Msg: placementErr.Msg}
	case errors.As(err, &runtimeErr):
		msg := ""
		if runtimeErr.Err != nil {
			msg = runtimeErr.Err.Error()
		}
		return codes.Internal, &wireError{Kind: "runtime", Node: runtimeErr.Node, Service: runtimeErr.Service, Op: runtimeErr.Op, Msg: msg}
	case errors.Is(err, errdefs.ErrNotFound):
		return codes.NotFound, &wireError{Kind: "not_found"}
	case errors.Is(err, ErrNotRegistryHost):
		return codes.Unimplemented, nil
	case errors.Is(err, context.Canceled):
		return codes.Canceled, nil
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, nil
	}
	return codes.Unknown, nil
}

// ToStatus converts an error into a gRPC status. Typed errors also travel
// in a trailer so that FromStatus can rebuild them on the client.
func ToStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, wire := classify(err)
	if wire != nil {
		if data, merr := json.Marshal(wire); merr == nil {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(errorTrailer, string(data)))
		}
	}
	return status.Error(code, err.Error())
}

// FromStatus rebuilds the error a server returned. address names the agent
// for network errors.
func FromStatus(err error, trailer metadata.MD, address string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	if vals := trailer.Get(errorTrailer); len(vals) > 0 {
		var w wireError
		if json.Unmarshal([]byte(vals[0]), &w) == nil {
			switch w.Kind {
			case "conflict":
				return &errdefs.ConflictError{Project: w.Project, Holder: w.Holder, Msg: w.Msg}
			case "auth":
				return &errdefs.AuthError{Msg: w.Msg}
			case "identity":
				return &errdefs.IdentityError{ID: w.ID, Msg: w.Msg}
			case "config":
				return &errdefs.ConfigError{Source: w.Source, Msg: w.Msg}
			case "placement":
				return &errdefs.PlacementError{Service: w.Service, Msg: w.Msg}
			case "runtime":
				return &errdefs.RuntimeError{Node: w.Node, Service: w.Service, Op: w.Op, Err: errors.New(w.Msg)}
			case "not_found":
				return fmt.Errorf("%s: %w", st.Message(), errdefs.ErrNotFound)
			}
		}
	}

	switch st.Code() {
	case codes.Unavailable:
		return &errdefs.NetworkError{Address: address, Err: errors.New(st.Message())}
	case codes.Unauthenticated:
		return &errdefs.AuthError{Msg: st.Message()}
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", address, ErrNotRegistryHost)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	}
	return err
}
