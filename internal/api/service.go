// Package api exposes the daemon's sync operations over gRPC. Messages are
// protobuf Structs so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chanmirror.v1.SyncService"

// Method names.
const (
	MethodGetStatus        = "GetStatus"
	MethodListChannels     = "ListChannels"
	MethodGetChannel       = "GetChannel"
	MethodInitialize       = "Initialize"
	MethodSync             = "Sync"
	MethodBackfill         = "Backfill"
	MethodReindex          = "Reindex"
	MethodAckIndexEvents   = "AckIndexEvents"
	MethodWatchSyncEvents  = "WatchSyncEvents"
	MethodWatchIndexEvents = "WatchIndexEvents"
)

// SyncServiceServer is the server API for the sync service.
type SyncServiceServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChannels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChannel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Initialize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Backfill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reindex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AckIndexEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchSyncEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	WatchIndexEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(SyncServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

type streamCall func(SyncServiceServer, *structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error

func serverStream(name string, call streamCall) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(SyncServiceServer), in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
		},
		ServerStreams: true,
	}
}

// SyncServiceDesc describes the sync service for grpc.Server registration.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, SyncServiceServer.GetStatus),
		unary(MethodListChannels, SyncServiceServer.ListChannels),
		unary(MethodGetChannel, SyncServiceServer.GetChannel),
		unary(MethodInitialize, SyncServiceServer.Initialize),
		unary(MethodSync, SyncServiceServer.Sync),
		unary(MethodBackfill, SyncServiceServer.Backfill),
		unary(MethodReindex, SyncServiceServer.Reindex),
		unary(MethodAckIndexEvents, SyncServiceServer.AckIndexEvents),
	},
	Streams: []grpc.StreamDesc{
		serverStream(MethodWatchSyncEvents, SyncServiceServer.WatchSyncEvents),
		serverStream(MethodWatchIndexEvents, SyncServiceServer.WatchIndexEvents),
	},
	Metadata: "chanmirror/v1/sync.proto",
}

// RegisterSyncServiceServer registers srv on s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
