package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Metadata stream identifiers.
const (
	MetadataServiceName  = "enforcer.metadata.v1.MetadataService"
	MetadataStreamMethod = "/" + MetadataServiceName + "/Stream"
	StreamIDHeader       = "stream-id"
	FieldStreamID        = "streamId"
)

// ErrStreamNotFound is returned by StreamRegistry.Send for an unknown id.
var ErrStreamNotFound = errors.New("metadata stream not found")

// MetadataServiceServer is the server API of the metadata stream.
type MetadataServiceServer interface {
	Stream(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

// MetadataServiceDesc describes enforcer.metadata.v1.MetadataService.
var MetadataServiceDesc = grpc.ServiceDesc{
	ServiceName: MetadataServiceName,
	HandlerType: (*MetadataServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       metadataStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "enforcer/metadata/v1/metadata.proto",
}

func metadataStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(MetadataServiceServer).Stream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// OpenMetadataStream opens the metadata stream on cc.
func OpenMetadataStream(
	ctx context.Context,
	cc grpc.ClientConnInterface,
	opts ...grpc.CallOption,
) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := cc.NewStream(ctx, &MetadataServiceDesc.Streams[0], MetadataStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

// registeredStream serializes sends from the stream goroutine and from
// StreamRegistry.Send.
type registeredStream struct {
	mu     sync.Mutex
	stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
}

func (r *registeredStream) send(msg *structpb.Struct) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream.Send(msg)
}

// StreamRegistry tracks open metadata streams by id.
type StreamRegistry struct {
	streams sync.Map
	metrics *observability.Metrics
}

// NewStreamRegistry creates an empty registry. metrics may be nil.
func NewStreamRegistry(metrics *observability.Metrics) *StreamRegistry {
	return &StreamRegistry{metrics: metrics}
}

// Register stores stream under id, replacing an older stream with the same id.
func (r *StreamRegistry) Register(id string, stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) {
	r.register(id, &registeredStream{stream: stream})
}

func (r *StreamRegistry) register(id string, rs *registeredStream) {
	r.streams.Store(id, rs)
	r.report()
}

// Unregister removes id. Empty and unknown ids are ignored.
func (r *StreamRegistry) Unregister(id string) {
	if id == "" {
		return
	}
	if _, ok := r.streams.LoadAndDelete(id); ok {
		r.report()
	}
}

// unregister removes id only while it still maps to rs.
func (r *StreamRegistry) unregister(id string, rs *registeredStream) {
	if r.streams.CompareAndDelete(id, rs) {
		r.report()
	}
}

// Send pushes msg to the stream registered under id.
func (r *StreamRegistry) Send(id string, msg *structpb.Struct) error {
	v, ok := r.streams.Load(id)
	if !ok {
		return ErrStreamNotFound
	}
	return v.(*registeredStream).send(msg)
}

// Len returns the number of registered streams.
func (r *StreamRegistry) Len() int {
	n := 0
	r.streams.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (r *StreamRegistry) report() {
	if r.metrics != nil {
		r.metrics.SetMetadataStreams(r.Len())
	}
}

// MetadataHandler processes inbound metadata messages. A nil reply sends
// nothing.
type MetadataHandler interface {
	Handle(ctx context.Context, streamID string, msg *structpb.Struct) (*structpb.Struct, error)
	Close(streamID string)
}

// MetadataService implements MetadataServiceServer.
type MetadataService struct {
	registry *StreamRegistry
	handler  MetadataHandler
	logger   observability.Logger
}

// NewMetadataService creates the service. A nil logger is replaced by a no-op one.
func NewMetadataService(registry *StreamRegistry, handler MetadataHandler, logger observability.Logger) *MetadataService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MetadataService{registry: registry, handler: handler, logger: logger}
}

// Register adds the service to s.
func (m *MetadataService) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&MetadataServiceDesc, m)
}

// Stream implements MetadataServiceServer.
func (m *MetadataService) Stream(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()

	var first *structpb.Struct
	id := streamIDFromMetadata(ctx)
	if id == "" {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		id = msg.GetFields()[FieldStreamID].GetStringValue()
		if id == "" {
			return status.Error(codes.InvalidArgument, "stream id is required")
		}
		first = msg
	}

	rs := &registeredStream{stream: stream}
	m.registry.register(id, rs)
	defer func() {
		m.registry.unregister(id, rs)
		m.handler.Close(id)
	}()

	logger := m.logger.With(observability.String("stream_id", id))
	logger.Debug("metadata stream opened")

	if first != nil {
		if err := m.process(ctx, rs, id, first); err != nil {
			return err
		}
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("metadata stream closed")
				return nil
			}
			return err
		}
		if err := m.process(ctx, rs, id, msg); err != nil {
			return err
		}
	}
}

func (m *MetadataService) process(ctx context.Context, rs *registeredStream, id string, msg *structpb.Struct) error {
	reply, err := m.handler.Handle(ctx, id, msg)
	if err != nil {
		m.logger.Warn("metadata message rejected",
			observability.String("stream_id", id),
			observability.Error(err),
		)
		return nil
	}
	if reply == nil {
		return nil
	}
	return rs.send(reply)
}

func streamIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(StreamIDHeader); len(values) > 0 {
		return values[0]
	}
	return ""
}
