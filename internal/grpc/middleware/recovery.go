package middleware

import (
	"context"
	"runtime/debug"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// PanicResponder builds the reply for a call whose handler panicked.
type PanicResponder func(ctx context.Context, req, p interface{}) (interface{}, error)

// RecoveryOption configures the recovery interceptors.
type RecoveryOption func(*recoveryOptions)

type recoveryOptions struct {
	responders map[string]PanicResponder
}

// WithPanicResponse replaces the Internal status returned for a panic in
// fullMethod with the result of fn.
func WithPanicResponse(fullMethod string, fn PanicResponder) RecoveryOption {
	return func(o *recoveryOptions) {
		o.responders[fullMethod] = fn
	}
}

// UnaryRecoveryInterceptor returns a unary server interceptor that recovers from panics.
func UnaryRecoveryInterceptor(logger observability.Logger, opts ...RecoveryOption) grpc.UnaryServerInterceptor {
	o := &recoveryOptions{responders: make(map[string]PanicResponder)}
	for _, opt := range opts {
		opt(o)
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC handler",
					observability.String("method", info.FullMethod),
					observability.String("request_id", observability.RequestIDFromContext(ctx)),
					observability.Any("panic", r),
					observability.String("stack", string(debug.Stack())),
				)
				if respond, ok := o.responders[info.FullMethod]; ok {
					resp, err = respond(ctx, req, r)
					return
				}
				resp, err = nil, status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor returns a stream server interceptor that recovers from panics.
func StreamRecoveryInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC stream handler",
					observability.String("method", info.FullMethod),
					observability.Any("panic", r),
					observability.String("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(srv, stream)
	}
}
