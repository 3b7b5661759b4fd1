// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//nolint:wrapcheck // gRPC calls should return status.Error.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "player.Control"

// ControlServer is the server side of player.Control.
type ControlServer interface { //nolint:revive // Matches generated naming.
	Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	TogglePause(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Seek(context.Context, *durationpb.Duration) (*emptypb.Empty, error)
	SeekBy(context.Context, *durationpb.Duration) (*emptypb.Empty, error)
	SetSpeed(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	SetVolume(context.Context, *wrapperspb.DoubleValue) (*emptypb.Empty, error)
	SetMute(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	SelectStream(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryHandler adapts a typed method to a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](method string, newReq func() *Req,
	call func(srv ControlServer, ctx context.Context, req *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}

			cs, _ := srv.(ControlServer)

			if interceptor == nil {
				return call(cs, ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}

			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				r, _ := req.(*Req)

				return call(cs, ctx, r)
			})
		},
	}
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newDuration() *durationpb.Duration { return &durationpb.Duration{} }
func newInt32() *wrapperspb.Int32Value { return &wrapperspb.Int32Value{} }
func newDouble() *wrapperspb.DoubleValue { return &wrapperspb.DoubleValue{} }
func newBool() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

// ServiceDesc describes player.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{ //nolint:gochecknoglobals // Service descriptor.
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Pause", newEmpty, ControlServer.Pause),
		unaryHandler("Resume", newEmpty, ControlServer.Resume),
		unaryHandler("TogglePause", newEmpty, ControlServer.TogglePause),
		unaryHandler("Stop", newEmpty, ControlServer.Stop),
		unaryHandler("Seek", newDuration, ControlServer.Seek),
		unaryHandler("SeekBy", newDuration, ControlServer.SeekBy),
		unaryHandler("SetSpeed", newInt32, ControlServer.SetSpeed),
		unaryHandler("SetVolume", newDouble, ControlServer.SetVolume),
		unaryHandler("SetMute", newBool, ControlServer.SetMute),
		unaryHandler("SelectStream", newStruct, ControlServer.SelectStream),
		unaryHandler("Status", newEmpty, ControlServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "player/control.proto",
}
