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

// Package player runs a playback session: it reads packets from a source,
// queues them on audio and video stages and keeps them in step through a
// shared clock.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

const (
	lBuffering = "buffering"
	lCached    = "cached"
	lTarget    = "target"
	lType      = "type"
	lIndex     = "index"
	lSpeed     = "speed"
)

// spaceWait bounds each wait for queue space so commands keep flowing.
const spaceWait = 20 * time.Millisecond

// Player is the orchestrator of one playback session.
type Player struct {
	cfg    Config
	log    zerolog.Logger
	source demux.Source
	core   omx.Core

	session *Session
	clock   *clock.Clock
	video   *VideoStage
	audio   *AudioStage

	cmdC  chan command
	doneC chan struct{}

	// Loop state, owned by the Run goroutine.
	started     bool
	pending     *demux.Packet
	eof         bool
	eosSent     bool
	eosDeadline time.Time
	buffering   bool
	userPaused  bool
	stopping    bool
	dropUntil   time.Duration
	needKey     bool
	volume      float64
	muted       bool

	statusLock sync.Mutex
	status     Status
}

// NewPlayer returns a player for source on core. Nothing is opened until Open.
func NewPlayer(cfg *Config, source demux.Source, core omx.Core, logger *zerolog.Logger) *Player {
	p := &Player{
		cfg:       *cfg,
		source:    source,
		core:      core,
		cmdC:      make(chan command),
		doneC:     make(chan struct{}),
		volume:    cfg.Volume,
		dropUntil: demux.NoPTS,
	}

	p.session = NewSession(core, logger)
	p.log = p.session.Logger().With().Logger()
	p.clock = clock.New(&p.log)

	return p
}

// Clock returns the session clock.
func (p *Player) Clock() *clock.Clock {
	return p.clock
}

// Session returns the component arena of the player.
func (p *Player) Session() *Session {
	return p.session
}

// Open opens a stage for every active stream. A video stage that fails to
// open aborts; an audio stage that fails only disables audio.
func (p *Player) Open() error {
	if !p.cfg.NoVideo && p.source.StreamCount(demux.StreamVideo) > 0 {
		if err := p.openVideo(); err != nil {
			_ = p.session.Close()

			return err
		}
	}

	if !p.cfg.NoAudio && p.source.StreamCount(demux.StreamAudio) > 0 {
		if err := p.openAudio(); err != nil {
			p.log.Warn().Err(err).Msg("audio disabled")
		}
	}

	if p.video == nil && p.audio == nil {
		_ = p.session.Close()

		return ErrNoStreams
	}

	p.updateStatus()

	return nil
}

func (p *Player) openVideo() error {
	hints, ok := p.source.GetHints(demux.StreamVideo)
	if !ok {
		return &NoHintsError{Stage: "video"}
	}

	v, err := OpenVideoStage(p.session, p.cfg.Video, hints, p.clock)
	if err != nil {
		return fmt.Errorf("opening video stage: %w", err)
	}

	p.video = v

	return nil
}

func (p *Player) openAudio() error {
	hints, ok := p.source.GetHints(demux.StreamAudio)
	if !ok {
		return &NoHintsError{Stage: "audio"}
	}

	a, err := OpenAudioStage(p.session, p.cfg.Audio, hints, p.clock)
	if err != nil {
		return fmt.Errorf("opening audio stage: %w", err)
	}

	if err := a.SetVolume(p.volume); err != nil {
		_ = a.Close()

		return err
	}

	if err := a.SetMute(p.muted); err != nil {
		_ = a.Close()

		return err
	}

	p.audio = a

	return nil
}

// stages returns the open stages, video first.
func (p *Player) stages() []*stage {
	var out []*stage
	if p.video != nil {
		out = append(out, p.video.stage)
	}

	if p.audio != nil {
		out = append(out, p.audio.stage)
	}

	return out
}

// stageFor routes a packet.
func (p *Player) stageFor(t demux.StreamType) *stage {
	switch t {
	case demux.StreamVideo:
		if p.video != nil {
			return p.video.stage
		}
	case demux.StreamAudio:
		if p.audio != nil {
			return p.audio.stage
		}
	}

	return nil
}

// Run plays until end of stream, Stop, a stage failure or ctx is done. The
// session is torn down before it returns.
func (p *Player) Run(ctx context.Context) error {
	defer close(p.doneC)
	defer p.teardown()

	// Start buffered: the clock waits for the stages to fill.
	p.clock.Pause()
	p.buffering = true
	p.started = true

	for _, s := range p.stages() {
		s.Start()
	}

	p.log.Info().Dur(lDuration, p.source.Duration()).Msg("playback started")

	for {
		if err := p.serviceCommands(ctx); err != nil {
			return err
		}

		if p.stopping {
			p.log.Info().Msg("playback stopped")

			return nil
		}

		if err := p.checkErrors(); err != nil {
			return err
		}

		p.updateBuffering()
		p.updateStatus()

		if p.eof {
			if done := p.drain(); done {
				p.log.Info().Msg("end of stream")

				return nil
			}

			continue
		}

		if err := p.step(); err != nil {
			return err
		}
	}
}

// serviceCommands runs every queued command without blocking.
func (p *Player) serviceCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-p.cmdC:
			c.reply <- c.fn(p)
		default:
			return nil
		}
	}
}

func (p *Player) checkErrors() error {
	for _, s := range p.stages() {
		if err := s.Err(); err != nil {
			return err
		}
	}

	return nil
}

// updateBuffering pauses the clock when a stage runs low and resumes it once
// every stage is comfortably ahead or cannot take more. Stages without data
// around the current position, such as a sparse audio track, are ignored.
func (p *Player) updateBuffering() {
	now := p.clock.MediaTime()
	cached := time.Duration(-1)
	full := false

	for _, s := range p.stages() {
		if p.pending != nil && p.stageFor(p.pending.Type) == s && !s.WaitForSpace(p.pending.Size(), 0) {
			full = true
		}

		cur := s.GetCurrentPTS()
		if s.GetCached() == 0 && (cur == demux.NoPTS || cur+p.cfg.HighWater < now) {
			continue
		}

		if d := s.GetCachedDuration(); cached < 0 || d < cached {
			cached = d
		}
	}

	step := p.clock.StepMode()

	switch {
	case cached >= 0 && !p.buffering && !p.eof && !step && cached < p.cfg.LowWater:
		p.buffering = true
		p.clock.Pause()
		p.log.Debug().Dur(lCached, cached).Msg(lBuffering)

	case p.buffering && (cached > p.cfg.HighWater || p.eof || full || step):
		p.buffering = false

		if !p.userPaused {
			p.clock.Resume()
		}

		p.log.Debug().Dur(lCached, cached).Bool("full", full).Msg("buffered")
	}
}

// step reads at most one packet and hands it to its stage.
func (p *Player) step() error {
	if p.pending == nil {
		pkt, err := p.source.Read()
		if errors.Is(err, io.EOF) {
			p.eof = true

			return nil
		}

		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}

		if p.skipAfterSeek(pkt) {
			pkt.Free()

			return nil
		}

		p.pending = pkt
	}

	s := p.stageFor(p.pending.Type)
	if s == nil || !s.Fits(p.pending.Size()) {
		if s != nil {
			p.log.Info().Int(lSize, p.pending.Size()).Str(lStage, s.name).Msg("packet larger than queue, dropped")
		}

		p.pending.Free()
		p.pending = nil

		return nil
	}

	if s.AddPacket(p.pending) {
		p.pending = nil

		return nil
	}

	s.WaitForSpace(p.pending.Size(), spaceWait)

	return nil
}

// skipAfterSeek drops video until a keyframe and audio older than the seek
// target.
func (p *Player) skipAfterSeek(pkt *demux.Packet) bool {
	switch pkt.Type {
	case demux.StreamVideo:
		if p.needKey && !pkt.Keyframe {
			return true
		}

		p.needKey = false
	case demux.StreamAudio:
		if p.dropUntil != demux.NoPTS && pkt.PTS != demux.NoPTS && pkt.PTS < p.dropUntil {
			return true
		}
	}

	return false
}

// drain submits end of stream once and waits for the renderers to play it
// out. It returns true when done.
func (p *Player) drain() bool {
	if !p.eosSent {
		for _, s := range p.stages() {
			if err := s.SubmitEOS(); err != nil {
				p.log.Info().Err(err).Str(lStage, s.name).Msg("end of stream not queued")
			}
		}

		p.eosSent = true
		p.eosDeadline = time.Now().Add(p.cfg.EOSTimeout)
	}

	done := true

	for _, s := range p.stages() {
		if !s.IsEOS() {
			done = false
		}
	}

	if done {
		return true
	}

	// Paused playback never drains; only give up while the clock runs.
	if p.userPaused {
		p.eosDeadline = time.Now().Add(p.cfg.EOSTimeout)
	} else if time.Now().After(p.eosDeadline) {
		p.log.Warn().Dur("timeout", p.cfg.EOSTimeout).Msg("renderers did not report end of stream")

		return true
	}

	time.Sleep(spaceWait)

	return false
}

func (p *Player) teardown() {
	if p.pending != nil {
		p.pending.Free()
		p.pending = nil
	}

	for _, s := range p.stages() {
		if err := s.Close(); err != nil {
			p.log.Info().Err(err).Str(lStage, s.name).Msg("stage close failed")
		}
	}

	if err := p.session.Close(); err != nil {
		p.log.Info().Err(err).Msg("session close failed")
	}

	p.clock.Stop()
	p.updateStatus()
}
