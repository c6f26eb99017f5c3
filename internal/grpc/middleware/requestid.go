package middleware

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// RequestIDHeader is the metadata key for request ID.
const RequestIDHeader = "x-request-id"

// RequestIDExtractor returns the request id carried inside a request
// message, or "" when there is none.
type RequestIDExtractor func(req interface{}) string

// UnaryRequestIDInterceptor returns a unary server interceptor that puts a
// request ID into the context. The id comes from extract, then from
// incoming metadata, and is generated otherwise.
func UnaryRequestIDInterceptor(extract RequestIDExtractor) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if extract != nil {
			if id := extract(req); id != "" {
				return handler(observability.ContextWithRequestID(ctx, id), req)
			}
		}
		return handler(ensureRequestID(ctx), req)
	}
}

// StreamRequestIDInterceptor returns a stream server interceptor that adds a request ID.
func StreamRequestIDInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		_ *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &requestIDServerStream{
			ServerStream: stream,
			ctx:          ensureRequestID(stream.Context()),
		}
		return handler(srv, wrapped)
	}
}

func ensureRequestID(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 && values[0] != "" {
			return observability.ContextWithRequestID(ctx, values[0])
		}
	}
	return observability.ContextWithRequestID(ctx, uuid.New().String())
}

type requestIDServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the context with request ID.
func (s *requestIDServerStream) Context() context.Context {
	return s.ctx
}
