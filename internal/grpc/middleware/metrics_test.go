package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestNewGRPCMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := NewGRPCMetrics("test", registry)
	assert.Same(t, registry, metrics.Registry())

	metrics = NewGRPCMetrics("", nil)
	assert.NotNil(t, metrics.Registry())
}

func TestSplitMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		service string
		method  string
	}{
		{"/envoy.service.auth.v3.Authorization/Check", "envoy.service.auth.v3.Authorization", "Check"},
		{"pkg.Svc/Do", "pkg.Svc", "Do"},
		{"Bare", "unknown", "Bare"},
	}
	for _, tt := range tests {
		service, method := SplitMethod(tt.in)
		assert.Equal(t, tt.service, service, tt.in)
		assert.Equal(t, tt.method, method, tt.in)
	}
}

func TestUnaryMetricsInterceptor(t *testing.T) {
	t.Parallel()

	metrics := NewGRPCMetrics("test", prometheus.NewRegistry())
	interceptor := UnaryMetricsInterceptor(metrics)
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

	resp, err := interceptor(context.Background(), "request", info,
		func(context.Context, interface{}) (interface{}, error) { return "response", nil })
	require.NoError(t, err)
	assert.Equal(t, "response", resp)

	_, err = interceptor(context.Background(), "request", info,
		func(context.Context, interface{}) (interface{}, error) {
			return nil, status.Error(codes.Internal, "internal error")
		})
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("test.Service", "Method", "0")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("test.Service", "Method", "13")), 0)
}

func TestStreamMetricsInterceptor(t *testing.T) {
	t.Parallel()

	metrics := NewGRPCMetrics("test", prometheus.NewRegistry())
	interceptor := StreamMetricsInterceptor(metrics)
	info := &grpc.StreamServerInfo{FullMethod: "/test.Service/Stream"}
	inner := &metricsTestServerStream{ctx: context.Background()}

	err := interceptor(nil, inner, info, func(_ interface{}, stream grpc.ServerStream) error {
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.activeStreams.WithLabelValues("test.Service", "Stream")), 0)
		require.NoError(t, stream.RecvMsg(nil))
		require.NoError(t, stream.SendMsg("a"))
		require.NoError(t, stream.SendMsg("b"))
		return nil
	})
	require.NoError(t, err)

	assert.InDelta(t, 0, testutil.ToFloat64(metrics.activeStreams.WithLabelValues("test.Service", "Stream")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.streamMsgsSent.WithLabelValues("test.Service", "Stream")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.streamMsgsReceived.WithLabelValues("test.Service", "Stream")), 0)
}

func TestMetricsServerStream_Errors(t *testing.T) {
	t.Parallel()

	metrics := NewGRPCMetrics("test", prometheus.NewRegistry())
	stream := &metricsServerStream{
		ServerStream: &metricsTestServerStream{
			ctx:     context.Background(),
			sendErr: status.Error(codes.Internal, "send error"),
			recvErr: status.Error(codes.Internal, "recv error"),
		},
		metrics: metrics,
		service: "test.Service",
		method:  "Stream",
	}

	assert.Error(t, stream.SendMsg("message"))
	assert.Error(t, stream.RecvMsg(nil))
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.streamMsgsSent.WithLabelValues("test.Service", "Stream")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.streamMsgsReceived.WithLabelValues("test.Service", "Stream")), 0)
}

func TestGRPCMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	metrics := NewGRPCMetrics("test", prometheus.NewRegistry())
	metrics.RecordRequest("test.Service", "Check", codes.OK, 100*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.requestDuration))
}

type metricsTestServerStream struct {
	ctx     context.Context
	sendErr error
	recvErr error
}

func (m *metricsTestServerStream) SetHeader(_ metadata.MD) error  { return nil }
func (m *metricsTestServerStream) SendHeader(_ metadata.MD) error { return nil }
func (m *metricsTestServerStream) SetTrailer(_ metadata.MD)       {}
func (m *metricsTestServerStream) Context() context.Context       { return m.ctx }
func (m *metricsTestServerStream) SendMsg(_ interface{}) error    { return m.sendErr }
func (m *metricsTestServerStream) RecvMsg(_ interface{}) error    { return m.recvErr }
