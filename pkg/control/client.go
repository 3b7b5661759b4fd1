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

package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
)

// Client calls player.Control.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", path, err)
	}

	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out) //nolint:wrapcheck // Status errors pass through.
}

func (c *Client) call(ctx context.Context, method string, in any) error {
	return c.invoke(ctx, method, in, &emptypb.Empty{})
}

func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, "Pause", &emptypb.Empty{})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, "Resume", &emptypb.Empty{})
}

func (c *Client) TogglePause(ctx context.Context) error {
	return c.call(ctx, "TogglePause", &emptypb.Empty{})
}

func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, "Stop", &emptypb.Empty{})
}

// Seek moves to d, or by d when relative.
func (c *Client) Seek(ctx context.Context, d time.Duration, relative bool) error {
	method := "Seek"
	if relative {
		method = "SeekBy"
	}

	return c.call(ctx, method, durationpb.New(d))
}

func (c *Client) SetSpeed(ctx context.Context, speed int) error {
	return c.call(ctx, "SetSpeed", wrapperspb.Int32(int32(speed))) //nolint:gosec // Speeds are clamped far below int32.
}

func (c *Client) SetVolume(ctx context.Context, v float64) error {
	return c.call(ctx, "SetVolume", wrapperspb.Double(v))
}

func (c *Client) SetMute(ctx context.Context, muted bool) error {
	return c.call(ctx, "SetMute", wrapperspb.Bool(muted))
}

// SelectStream reports whether the stream exists.
func (c *Client) SelectStream(ctx context.Context, t demux.StreamType, index int) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{"type": t.String(), "index": index})
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}

	out := &wrapperspb.BoolValue{}
	if err := c.invoke(ctx, "SelectStream", in, out); err != nil {
		return false, err
	}

	return out.GetValue(), nil
}

// Status returns the player status as a plain map.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	return out.AsMap(), nil
}
