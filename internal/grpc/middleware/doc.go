// Package middleware provides the gRPC interceptors of the enforcer server.
//
// The chain installed by the server is:
//   - Recovery (panic recovery, with per-method panic responses)
//   - Request ID (correlation id from the proxied request, metadata or a new uuid)
//   - Timeout (deadline for unary calls)
//   - Metrics (Prometheus metrics for gRPC requests and streams)
//
// Example usage:
//
//	srv := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(
//	        middleware.UnaryRecoveryInterceptor(logger),
//	        middleware.UnaryRequestIDInterceptor(nil),
//	        middleware.UnaryTimeoutInterceptor(5*time.Second),
//	        middleware.UnaryMetricsInterceptor(metrics),
//	    ),
//	    grpc.ChainStreamInterceptor(
//	        middleware.StreamRecoveryInterceptor(logger),
//	        middleware.StreamRequestIDInterceptor(),
//	        middleware.StreamMetricsInterceptor(metrics),
//	    ),
//	)
package middleware
