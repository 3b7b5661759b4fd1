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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TurbineOne/ffmpeg-player/pkg/avcodec"
	"github.com/TurbineOne/ffmpeg-player/pkg/control"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/mimer"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
	"github.com/TurbineOne/ffmpeg-player/pkg/player"
)

const lURL = "url"

type playFlags struct {
	noAudio bool
	noVideo bool
	volume  float64
	live    bool
}

func (f *playFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noAudio, "no-audio", false, "ignore audio streams")
	cmd.Flags().BoolVar(&f.noVideo, "no-video", false, "ignore video streams")
	cmd.Flags().Float64Var(&f.volume, "volume", -1, "initial volume, 1.0 is unity")
	cmd.Flags().BoolVar(&f.live, "live", false, "input is a live stream")
}

func (f *playFlags) apply(cfg *mainConfig) {
	cfg.Player.NoAudio = cfg.Player.NoAudio || f.noAudio
	cfg.Player.NoVideo = cfg.Player.NoVideo || f.noVideo
	cfg.Demux.Live = cfg.Demux.Live || f.live

	if f.volume >= 0 {
		cfg.Player.Volume = f.volume
	}
}

func newPlayCmd() *cobra.Command {
	var flags playFlags

	cmd := &cobra.Command{
		Use:   "play <url>",
		Short: "Play a file or stream until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(&currentConfig)

			return play(cmd.Context(), args[0], false)
		},
	}

	flags.register(cmd)

	return cmd
}

func newServeCmd() *cobra.Command {
	var flags playFlags

	cmd := &cobra.Command{
		Use:   "serve <url>",
		Short: "Play a file or stream and accept control calls on a unix socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(&currentConfig)

			return play(cmd.Context(), args[0], true)
		},
	}

	flags.register(cmd)

	return cmd
}

// newCore returns a software IL core whose decoders run through ffmpeg.
func newCore() *softil.Core {
	core := softil.New(&log)

	decode := player.DecoderFactory(avcodec.NewFactory(&currentConfig.Decoder, &log))
	core.SetProcessorFactory(softil.RoleVideoDecode, decode)
	core.SetProcessorFactory(softil.RoleAudioDecode, decode)

	return core
}

// play runs one playback session. With serve set the player also listens on
// the control socket for the duration of the playback.
func play(ctx context.Context, url string, serve bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Raw AC3 and DTS files carry nothing else, so they go out as a bitstream.
	if mimeType := mimer.GetContentType(url); mimer.IsPassthroughAudio(mimeType) {
		log.Info().Str(lURL, url).Str("mimeType", mimeType).Msg("audio passthrough")

		currentConfig.Player.Audio.Passthrough = true
	}

	src, err := demux.Open(url, &currentConfig.Demux, &log)
	if err != nil {
		return err
	}

	defer func() {
		if err := src.Close(); err != nil {
			log.Info().Err(err).Msg("closing source failed")
		}
	}()

	p := player.NewPlayer(&currentConfig.Player, src, newCore(), &log)
	if err := p.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}

	log.Info().Str(lURL, url).Str("session", p.Session().ID).Msg("playing")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.Run(gctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		// Ends the control server once playback is over.
		stop()

		return err
	})

	if serve {
		l, err := control.Listen(currentConfig.Control.SocketPath())
		if err != nil {
			_ = p.Stop()
			_ = g.Wait()

			return err
		}

		g.Go(func() error {
			return control.New(p, &log).Serve(gctx, l)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	st := p.Status()
	log.Info().Str(lURL, url).Dur("position", st.Position).Int64("dropped", st.Dropped).Msg("playback done")

	return nil
}
