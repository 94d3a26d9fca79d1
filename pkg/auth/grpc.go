package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

// UnaryServerInterceptor runs the gate's authentication pipeline on the
// "authorization" metadata of unary calls. With [Reject], failures return
// codes.Unauthenticated; with [Ignore], the call continues anonymously.
func UnaryServerInterceptor(g *Gate, mode FailureMode) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticateGRPC(ctx, g, mode, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of [UnaryServerInterceptor].
func StreamServerInterceptor(g *Gate, mode FailureMode) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticateGRPC(ss.Context(), g, mode, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticateGRPC(ctx context.Context, g *Gate, mode FailureMode, method string) (context.Context, error) {
	if !g.policy.Configured() {
		return ctx, nil
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(HeaderAuthorization); len(values) > 0 {
			header = values[0]
		}
	}

	authed, err := g.Authenticate(ctx, header)
	if err == nil {
		return authed, nil
	}
	if mode == Ignore {
		return ctx, nil
	}

	slog.WarnContext(ctx, "auth: gRPC authentication failed",
		"method", method,
		"error", err,
	)
	msg := MsgInvalidToken
	if e, ok := sserr.AsError(err); ok && sserr.IsClientError(e) {
		msg = e.Message
	}
	return ctx, status.Error(codes.Unauthenticated, msg)
}

// wrappedServerStream overrides Context so stream handlers see the
// authenticated context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
