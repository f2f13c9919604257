package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/metrics"
)

// TokenMetadataKey carries the cluster token on every call but Join
const TokenMetadataKey = "overnode-token"

// ErrorInterceptor converts handler errors into gRPC statuses
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, ToStatus(ctx, err)
		}
		return resp, nil
	}
}

// AuthInterceptor rejects calls that do not present the cluster token.
// Join is exempt because it carries the token in its request.
func AuthInterceptor(validate func(token string) bool) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if methodName(info.FullMethod) == MethodJoin {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		tokens := md.Get(TokenMetadataKey)
		if len(tokens) == 0 || !validate(tokens[0]) {
			return nil, &errdefs.AuthError{Msg: "missing or invalid cluster token"}
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts and times every call. Quiet methods are logged
// at debug level, everything else at info.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()

		logger := log.WithComponent("api")
		event := logger.Info()
		if isQuietMethod(method) && err == nil {
			event = logger.Debug()
		}
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", method).Str("code", code.String()).Dur("duration", timer.Duration()).Msg("Agent call")
		return resp, err
	}
}

// ClientTokenInterceptor attaches the cluster token to outgoing calls
func ClientTokenInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// methodName extracts the method from a full path, e.g.
// "/overnode.agent.v1.Agent/Inspect" -> "Inspect"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// isQuietMethod reports whether a method is a frequent read
func isQuietMethod(method string) bool {
	quietPrefixes := []string{
		"List",
		"Get",
		"Inspect",
	}
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return method == MethodHealth || method == MethodHeartbeat || method == MethodRenewRun
}
