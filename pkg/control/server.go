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

// Package control exposes a running player over gRPC on a unix socket.
//
//nolint:wrapcheck // gRPC calls should return status.Error.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/player"
)

// SocketName is the name of the unix socket under Config.SocketRoot.
const SocketName = "player.sock"

const (
	grpcErrorFormat = "%s"

	lMethod   = "method"
	lDuration = "duration"
	lSocket   = "socket"
)

// Config configures the control server.
type Config struct {
	SocketRoot string `yaml:"socketRoot" json:"socketRoot" env:"SOCKET_ROOT" doc:"Directory holding the control socket"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		SocketRoot: "/tmp",
	}
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.SocketRoot, SocketName)
}

// Controller is the player surface the service drives.
type Controller interface {
	Pause() error
	Resume() error
	TogglePause() error
	Stop() error
	Seek(d time.Duration, relative bool) error
	SetSpeed(speed int) error
	SetVolume(v float64) error
	SetMute(muted bool) error
	SelectStream(t demux.StreamType, index int) (bool, error)
	Status() player.Status
}

// Server implements ControlServer on a Controller.
type Server struct {
	ctl Controller
	log zerolog.Logger
}

var _ ControlServer = (*Server)(nil)

// New returns a server for ctl.
func New(ctl Controller, logger *zerolog.Logger) *Server {
	return &Server{
		ctl: ctl,
		log: logger.With().Str("pkg", "control").Logger(),
	}
}

// rewriteError maps player errors to gRPC status errors.
func rewriteError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, player.ErrClosed):
		return status.Errorf(codes.Unavailable, grpcErrorFormat, err.Error())
	case errors.Is(err, player.ErrNoStreams):
		return status.Errorf(codes.NotFound, grpcErrorFormat, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	return status.Errorf(codes.Aborted, grpcErrorFormat, err.Error())
}

// empty runs fn and answers with Empty.
func empty(fn func() error) (*emptypb.Empty, error) {
	if err := fn(); err != nil {
		return nil, rewriteError(err)
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(s.ctl.Pause)
}

func (s *Server) Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(s.ctl.Resume)
}

func (s *Server) TogglePause(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(s.ctl.TogglePause)
}

func (s *Server) Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return empty(s.ctl.Stop)
}

func checkDuration(d *durationpb.Duration) error {
	if err := d.CheckValid(); err != nil {
		return status.Errorf(codes.InvalidArgument, grpcErrorFormat, err.Error())
	}

	return nil
}

// Seek moves to an absolute position.
func (s *Server) Seek(_ context.Context, d *durationpb.Duration) (*emptypb.Empty, error) {
	if err := checkDuration(d); err != nil {
		return nil, err
	}

	return empty(func() error { return s.ctl.Seek(d.AsDuration(), false) })
}

// SeekBy moves relative to the current position.
func (s *Server) SeekBy(_ context.Context, d *durationpb.Duration) (*emptypb.Empty, error) {
	if err := checkDuration(d); err != nil {
		return nil, err
	}

	return empty(func() error { return s.ctl.Seek(d.AsDuration(), true) })
}

// SetSpeed takes thousandths of normal speed.
func (s *Server) SetSpeed(_ context.Context, v *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	return empty(func() error { return s.ctl.SetSpeed(int(v.GetValue())) })
}

func (s *Server) SetVolume(_ context.Context, v *wrapperspb.DoubleValue) (*emptypb.Empty, error) {
	vol := v.GetValue()
	if math.IsNaN(vol) || math.IsInf(vol, 0) || vol < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume %v", vol)
	}

	return empty(func() error { return s.ctl.SetVolume(vol) })
}

func (s *Server) SetMute(_ context.Context, v *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	return empty(func() error { return s.ctl.SetMute(v.GetValue()) })
}

// SelectStream takes {"type": "audio"|"video", "index": n}.
func (s *Server) SelectStream(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	fields := req.GetFields()

	typ, ok := demux.ParseStreamType(fields["type"].GetStringValue())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown stream type %q", fields["type"].GetStringValue())
	}

	indexValue, ok := fields["index"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing stream index")
	}

	index := indexValue.GetNumberValue()
	if index < 0 || index != math.Trunc(index) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid stream index %v", index)
	}

	selected, err := s.ctl.SelectStream(typ, int(index))
	if err != nil {
		return nil, rewriteError(err)
	}

	return wrapperspb.Bool(selected), nil
}

// Status reports a snapshot of the player as a Struct.
func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(statusFields(s.ctl.Status()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, grpcErrorFormat, err.Error())
	}

	return st, nil
}

// ptsSeconds renders an unknown timestamp as -1.
func ptsSeconds(d time.Duration) float64 {
	if d == demux.NoPTS {
		return -1
	}

	return d.Seconds()
}

func statusFields(st player.Status) map[string]any {
	return map[string]any{
		"session":      st.Session,
		"state":        string(st.State),
		"position":     st.Position.Seconds(),
		"duration":     st.Duration.Seconds(),
		"speed":        st.Speed,
		"volume":       st.Volume,
		"muted":        st.Muted,
		"videoStreams": st.VideoStreams,
		"audioStreams": st.AudioStreams,
		"videoCached":  st.VideoCached,
		"audioCached":  st.AudioCached,
		"videoPts":     ptsSeconds(st.VideoPTS),
		"audioPts":     ptsSeconds(st.AudioPTS),
		"dropped":      st.Dropped,
	}
}

// UnaryInterceptor logs every call.
func (s *Server) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Info().Err(err)
	}

	ev.Str(lMethod, info.FullMethod).Dur(lDuration, time.Since(start)).Msg("control call")

	return resp, err
}

// NewGRPCServer returns a grpc.Server with the service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(s.UnaryInterceptor))
	g := grpc.NewServer(opts...)
	RegisterControlServer(g, s)

	return g
}

// Listen replaces any stale socket at path and listens on it.
func Listen(path string) (net.Listener, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	return l, nil
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g := s.NewGRPCServer()

	go func() {
		<-ctx.Done()
		g.Stop()
	}()

	s.log.Info().Str(lSocket, l.Addr().String()).Msg("starting server")

	if err := g.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	s.log.Info().Msg("server stopped")

	return nil
}
