package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.autopilot.v1.Autopilot"

// Method names of the control surface.
const (
	MethodTriggerCycle     = "TriggerCycle"
	MethodStartMonitoring  = "StartMonitoring"
	MethodStopMonitoring   = "StopMonitoring"
	MethodPauseMonitoring  = "PauseMonitoring"
	MethodResumeMonitoring = "ResumeMonitoring"
	MethodGetStatus        = "GetStatus"
	MethodConfigure        = "Configure"
	MethodApproveDecision  = "ApproveDecision"
	MethodRejectDecision   = "RejectDecision"
	MethodListPending      = "ListPending"
	MethodSetKillSwitch    = "SetKillSwitch"
)

// FullMethod returns the /service/method path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// AutopilotServer is the inbound control surface. Requests and responses are
// google.protobuf.Struct documents.
type AutopilotServer interface {
	TriggerCycle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartMonitoring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StopMonitoring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PauseMonitoring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ResumeMonitoring(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ApproveDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RejectDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetKillSwitch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv AutopilotServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// methodHandler matches grpc.MethodDesc.Handler.
type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(method string, call unaryCall) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AutopilotServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AutopilotServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Autopilot service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AutopilotServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodTriggerCycle, Handler: unaryHandler(MethodTriggerCycle, AutopilotServer.TriggerCycle)},
		{MethodName: MethodStartMonitoring, Handler: unaryHandler(MethodStartMonitoring, AutopilotServer.StartMonitoring)},
		{MethodName: MethodStopMonitoring, Handler: unaryHandler(MethodStopMonitoring, AutopilotServer.StopMonitoring)},
		{MethodName: MethodPauseMonitoring, Handler: unaryHandler(MethodPauseMonitoring, AutopilotServer.PauseMonitoring)},
		{MethodName: MethodResumeMonitoring, Handler: unaryHandler(MethodResumeMonitoring, AutopilotServer.ResumeMonitoring)},
		{MethodName: MethodGetStatus, Handler: unaryHandler(MethodGetStatus, AutopilotServer.GetStatus)},
		{MethodName: MethodConfigure, Handler: unaryHandler(MethodConfigure, AutopilotServer.Configure)},
		{MethodName: MethodApproveDecision, Handler: unaryHandler(MethodApproveDecision, AutopilotServer.ApproveDecision)},
		{MethodName: MethodRejectDecision, Handler: unaryHandler(MethodRejectDecision, AutopilotServer.RejectDecision)},
		{MethodName: MethodListPending, Handler: unaryHandler(MethodListPending, AutopilotServer.ListPending)},
		{MethodName: MethodSetKillSwitch, Handler: unaryHandler(MethodSetKillSwitch, AutopilotServer.SetKillSwitch)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/autopilot/v1/autopilot.proto",
}

// RegisterAutopilotServer registers srv on s.
func RegisterAutopilotServer(s grpc.ServiceRegistrar, srv AutopilotServer) {
	s.RegisterService(&ServiceDesc, srv)
}
