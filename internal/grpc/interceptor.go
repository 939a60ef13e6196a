// Package grpc provides a unary server interceptor that runs guarded RPC
// methods under a lock.
package grpc

import (
	"context"
	"maps"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/logging"
	"github.com/kneutral-org/lockguard/internal/metrics"
)

// Metadata keys read by the interceptor.
const (
	TenantMetadataKey         = "x-tenant-id"
	UserMetadataKey           = "x-user-id"
	IdempotencyKeyMetadataKey = "x-idempotency-key"
)

// UnaryServerInterceptor guards the RPC methods named in specs, keyed by
// full method name. Other methods pass through untouched. It panics if a
// spec cannot be bound to inv.
func UnaryServerInterceptor(inv *guard.Invoker, specs map[string]guard.LockSpec, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	guards := make(map[string]*guard.Guard, len(specs))
	for method, spec := range specs {
		guards[method] = inv.MustBind(spec)
	}

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		g, ok := guards[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		cc := callContext(ctx, info.FullMethod, req)
		callLogger := logging.CallLogger(logger, cc)
		ctx = logging.ContextWithLogger(ctx, callLogger)
		ran := false
		resp, err := g.Execute(ctx, cc, func(ctx context.Context, _ guard.CallContext) (any, error) {
			ran = true
			return handler(ctx, req)
		})
		if err != nil && !ran {
			err = toStatus(err)
			callLogger.Info().
				Err(err).
				Str("code", status.Code(err).String()).
				Msg("guarded call refused")
		}
		metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		return resp, err
	}
}

func callContext(ctx context.Context, method string, req any) guard.CallContext {
	cc := guard.CallContext{
		Method: method,
		Args:   RequestArgs(req),
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return cc
	}
	cc.Tenant = first(md, TenantMetadataKey)
	cc.User = first(md, UserMetadataKey)
	if key := first(md, IdempotencyKeyMetadataKey); key != "" {
		args := make(map[string]any, len(cc.Args)+1)
		maps.Copy(args, cc.Args)
		args[guard.IdempotencyKeyArg] = key
		cc.Args = args
	}
	return cc
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// toStatus maps errors raised before the handler ran to gRPC status errors.
func toStatus(err error) error {
	switch {
	case guard.IsDuplicate(err):
		return status.Error(codes.Aborted, err.Error())
	case guard.IsKeyResolution(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case guard.IsCancelled(err):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
