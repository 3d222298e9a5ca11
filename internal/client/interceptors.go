package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-plt-approvals/internal/handler"
)

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (including the caller's user id) to outgoing
// calls, so a service calling the approvals API on a user's behalf keeps
// that identity.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// asUser stamps every call with a fixed user id unless the context already
// carries one.
func asUser(user string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		if len(md.Get(handler.UserMetadataKey)) == 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, handler.UserMetadataKey, user)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// WithUser makes the client act as user.
func WithUser(user string) grpc.DialOption {
	return grpc.WithChainUnaryInterceptor(asUser(user))
}
