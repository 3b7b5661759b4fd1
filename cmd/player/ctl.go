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

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TurbineOne/ffmpeg-player/pkg/control"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
)

const ctlTimeout = 5 * time.Second

// ctlAction sends one control call.
type ctlAction struct {
	use   string
	short string
	args  int
	run   func(ctx context.Context, c *control.Client, args []string) error
}

func simple(call func(*control.Client, context.Context) error) func(context.Context, *control.Client, []string) error {
	return func(ctx context.Context, c *control.Client, _ []string) error {
		return call(c, ctx)
	}
}

func ctlSeek(relative bool) func(context.Context, *control.Client, []string) error {
	return func(ctx context.Context, c *control.Client, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}

		return c.Seek(ctx, d, relative)
	}
}

func ctlStatus(ctx context.Context, c *control.Client, _ []string) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(os.Stdout, "%s: %v\n", k, st[k]) //nolint:forbidigo // CLI output.
	}

	return nil
}

var ctlActions = []ctlAction{ //nolint:gochecknoglobals // Command table.
	{use: "pause", short: "Pause playback", run: simple((*control.Client).Pause)},
	{use: "resume", short: "Resume playback", run: simple((*control.Client).Resume)},
	{use: "toggle", short: "Toggle pause", run: simple((*control.Client).TogglePause)},
	{use: "stop", short: "Stop playback", run: simple((*control.Client).Stop)},
	{use: "seek <duration>", short: "Seek to a position, e.g. 1m30s", args: 1, run: ctlSeek(false)},
	{use: "skip <duration>", short: "Seek relative to the position, e.g. -10s", args: 1, run: ctlSeek(true)},
	{use: "speed <n>", short: "Set speed in thousandths, 1000 is normal", args: 1,
		run: func(ctx context.Context, c *control.Client, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}

			return c.SetSpeed(ctx, n)
		}},
	{use: "volume <v>", short: "Set the volume, 1.0 is unity", args: 1,
		run: func(ctx context.Context, c *control.Client, args []string) error {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return err
			}

			return c.SetVolume(ctx, v)
		}},
	{use: "mute <true|false>", short: "Mute or unmute audio", args: 1,
		run: func(ctx context.Context, c *control.Client, args []string) error {
			m, err := strconv.ParseBool(args[0])
			if err != nil {
				return err
			}

			return c.SetMute(ctx, m)
		}},
	{use: "select <audio|video> <index>", short: "Switch the active stream", args: 2,
		run: func(ctx context.Context, c *control.Client, args []string) error {
			t, ok := demux.ParseStreamType(args[0])
			if !ok {
				return fmt.Errorf("unknown stream type %q", args[0])
			}

			index, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}

			found, err := c.SelectStream(ctx, t, index)
			if err != nil {
				return err
			}

			if !found {
				return fmt.Errorf("no %s stream %d", t, index)
			}

			return nil
		}},
	{use: "status", short: "Print the player status", run: ctlStatus},
}

func newCtlCmd() *cobra.Command {
	ctl := &cobra.Command{
		Use:   "ctl",
		Short: "Control a player started with serve",
	}

	for _, a := range ctlActions {
		ctl.AddCommand(&cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  cobra.ExactArgs(a.args),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, conn, err := control.Dial(currentConfig.Control.SocketPath())
				if err != nil {
					return err
				}

				defer conn.Close() //nolint:errcheck // Best effort.

				ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
				defer cancel()

				return a.run(ctx, c, args)
			},
		})
	}

	return ctl
}
