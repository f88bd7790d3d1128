package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TelemetryServiceName = "iiot.telemetry.v1.Telemetry"
	TelemetryPushMethod  = "/" + TelemetryServiceName + "/Push"
)

// ReadingSink: Feature Ingest.
type ReadingSink interface {
	Ingest(ctx context.Context, r domain.TelemetryReading) (domain.FeatureSample, error)
}

// TelemetryPusher: серверная сторона сервиса Telemetry.
type TelemetryPusher interface {
	Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// TelemetryServiceDesc описан вручную поверх structpb.Struct, без кодогенерации.
var TelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryPusher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iiot/telemetry/v1/telemetry.proto",
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryPusher).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TelemetryPushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryPusher).Push(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterTelemetryServer подключает сервис к gRPC-серверу.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryPusher) {
	s.RegisterService(&TelemetryServiceDesc, srv)
}

// TelemetryServer принимает показания по gRPC. Сообщение содержит одно показание
// {node_id, value, timestamp} или пачка {readings: [...]}.
type TelemetryServer struct {
	sink   ReadingSink
	logger *zap.Logger
}

func NewTelemetryServer(sink ReadingSink, logger *zap.Logger) *TelemetryServer {
	return &TelemetryServer{sink: sink, logger: logger.Named("grpc-telemetry")}
}

func (s *TelemetryServer) Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	if batch, ok := fields["readings"]; ok {
		return s.pushBatch(ctx, batch.GetListValue())
	}

	reading, err := decodeReading(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.sink.Ingest(ctx, reading); err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"accepted": 1, "rejected": 0})
}

func (s *TelemetryServer) pushBatch(ctx context.Context, list *structpb.ListValue) (*structpb.Struct, error) {
	if list == nil {
		return nil, status.Error(codes.InvalidArgument, "readings must be a list")
	}
	var accepted, rejected int
	for _, v := range list.GetValues() {
		obj, ok := v.AsInterface().(map[string]any)
		if !ok {
			rejected++
			continue
		}
		reading, err := decodeReading(obj)
		if err == nil {
			_, err = s.sink.Ingest(ctx, reading)
		}
		if err != nil {
			rejected++
			if domain.KindOf(err) != domain.KindValidation {
				s.logger.Debug("reading rejected", zap.String("node_id", reading.NodeID), zap.Error(err))
			}
			continue
		}
		accepted++
	}
	return structpb.NewStruct(map[string]any{"accepted": accepted, "rejected": rejected})
}

// decodeReading переиспользует JSON-теги TelemetryReading (RFC3339 timestamp).
func decodeReading(m map[string]any) (domain.TelemetryReading, error) {
	var r domain.TelemetryReading
	data, err := json.Marshal(m)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, domain.Validationf("malformed reading: %v", err)
	}
	if r.NodeID == "" {
		return r, domain.Validationf("node_id: field is required")
	}
	return r, nil
}

// grpcError: та же таксономия, что и для HTTP.
func grpcError(err error) error {
	e := domain.AsError(err)
	var code codes.Code
	switch e.Kind {
	case domain.KindValidation:
		code = codes.InvalidArgument
	case domain.KindNotFound:
		code = codes.NotFound
	case domain.KindAuth:
		code = codes.Unauthenticated
	case domain.KindAuthorization:
		code = codes.PermissionDenied
	case domain.KindConflict:
		code = codes.AlreadyExists
	case domain.KindTransient:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, e.Message)
}

// PushReading: клиентский вызов (симуляторы, тесты).
func PushReading(ctx context.Context, cc grpc.ClientConnInterface, r domain.TelemetryReading, opts ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]any{"node_id": r.NodeID}
	if r.Value != nil {
		fields["value"] = *r.Value
	}
	if !r.Timestamp.IsZero() {
		fields["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, TelemetryPushMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
