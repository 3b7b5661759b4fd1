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

package player

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/audiosync"
	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

const (
	lVolume = "volume"
	lMuted  = "muted"
	lSkip   = "skip"
)

// AudioStage decodes one audio stream, or passes AC3/E-AC3/DTS through to
// the renderer after frame-sync scanning.
type AudioStage struct {
	*stage

	session *Session
	hints   demux.Hints

	decID  ComponentID
	renID  ComponentID
	tunID  TunnelID
	dec    *omx.Component
	ren    *omx.Component
	tunnel *omx.Tunnel

	// scanner is nil unless the stream is passed through.
	scanner *audiosync.Scanner
	started bool

	volumeLock sync.Mutex
	volume     float64
	muted      bool
}

// OpenAudioStage loads a decoder and a renderer for hints, binds them and
// starts the stage in the Open state.
func OpenAudioStage(session *Session, cfg StageConfig, hints demux.Hints, clk *clock.Clock,
) (*AudioStage, error) {
	a := &AudioStage{
		stage:   newStage("audio", cfg, clk, session.Logger()),
		session: session,
		hints:   hints,
		decID:   -1,
		renID:   -1,
		tunID:   -1,
		volume:  1.0,
	}

	if codec := audiosync.CodecFromName(hints.Codec); cfg.Passthrough && codec != audiosync.CodecNone {
		a.scanner = audiosync.NewScanner(codec)
	}

	if err := a.setup(cfg); err != nil {
		_ = a.release()

		return nil, err
	}

	if err := a.open(a); err != nil {
		_ = a.release()

		return nil, err
	}

	return a, nil
}

func (a *AudioStage) setup(cfg StageConfig) error {
	var err error

	if a.decID, err = a.session.AddComponent(softil.RoleAudioDecode); err != nil {
		return fmt.Errorf("loading audio decoder: %w", err)
	}

	if a.renID, err = a.session.AddComponent(softil.RoleAudioRender); err != nil {
		return fmt.Errorf("loading audio renderer: %w", err)
	}

	a.dec, _ = a.session.Component(a.decID)
	a.ren, _ = a.session.Component(a.renID)

	if err = a.dec.SetParameter(softil.ParamHints, a.hints); err != nil {
		return err
	}

	if err = a.dec.SetParameter(ParamPassthrough, a.scanner != nil); err != nil {
		return err
	}

	if err = a.dec.SetParameter(softil.ParamFormat, omx.Format{
		Codec: a.hints.Codec, SampleRate: a.hints.SampleRate, Channels: a.hints.Channels,
	}); err != nil {
		return err
	}

	if a.tunID, err = a.session.AddTunnel(a.decID, a.renID); err != nil {
		return err
	}

	a.tunnel, _ = a.session.Tunnel(a.tunID)

	if err = a.tunnel.Establish(false); err != nil {
		return fmt.Errorf("binding audio renderer: %w", err)
	}

	if err = a.dec.AllocInputBuffers(cfg.InputBuffers, int(cfg.InputBufferSize)); err != nil {
		return err
	}

	if err = a.dec.SetState(omx.StateExecuting); err != nil {
		return err
	}

	if err = a.ren.SetState(omx.StateExecuting); err != nil {
		return err
	}

	if err = a.applyVolume(); err != nil {
		return err
	}

	if len(a.hints.ExtraData) > 0 && a.scanner == nil {
		if err = a.submitBuffers(a.dec, a.hints.ExtraData, demux.NoPTS, omx.BufferFlagCodecConfig); err != nil {
			return fmt.Errorf("sending codec config: %w", err)
		}
	}

	a.log.Info().Object("hints", a.hints).Bool("passthrough", a.scanner != nil).Msg("audio stage open")

	return nil
}

func (a *AudioStage) decode(p *demux.Packet) error {
	// Trick play is silent.
	if a.clock.StepMode() {
		return errSkipped
	}

	data := p.Data

	if a.scanner != nil {
		skip := a.scanner.Sync(data)
		if skip >= len(data) {
			a.log.Debug().Int(lSize, len(data)).Msg("no audio frame header, packet dropped")

			return ErrStreamDesync
		}

		if skip > 0 {
			a.log.Debug().Int(lSkip, skip).Int("sampleRate", a.scanner.SampleRate).Msg("audio resynced")
		}

		data = data[skip:]
	}

	if !a.waitUntilDue(p.PTS) {
		return omx.ErrFlushing
	}

	var flags omx.BufferFlags
	if !a.started {
		flags |= omx.BufferFlagStartTime
		a.started = true
	}

	return a.submitBuffers(a.dec, data, p.PTS, flags)
}

func (a *AudioStage) submitEOS() error {
	return a.submitBuffers(a.dec, nil, demux.NoPTS, omx.BufferFlagEOS)
}

func (a *AudioStage) isEOS() bool {
	return a.ren.IsEOS()
}

func (a *AudioStage) beginFlush() {
	a.dec.SetFlushing(true)
}

func (a *AudioStage) flush() {
	if err := a.dec.FlushInput(); err != nil {
		a.log.Info().Err(err).Msg("decoder input flush failed")
	}

	if err := a.tunnel.Flush(); err != nil {
		a.log.Info().Err(err).Msg("tunnel flush failed")
	}

	if a.scanner != nil {
		a.scanner.Reset()
	}

	a.dec.ResetEOS()
	a.ren.ResetEOS()
	a.started = false
}

func (a *AudioStage) endFlush() {
	a.dec.SetFlushing(false)
}

func (a *AudioStage) close() error {
	return a.release()
}

func (a *AudioStage) release() error {
	return a.session.Release([]TunnelID{a.tunID}, []ComponentID{a.decID, a.renID})
}

// applyVolume forwards the effective volume to the renderer.
func (a *AudioStage) applyVolume() error {
	a.volumeLock.Lock()
	v := a.volume
	if a.muted {
		v = 0
	}
	a.volumeLock.Unlock()

	if err := a.ren.SetParameter(softil.ParamVolume, v); err != nil {
		return fmt.Errorf("setting volume: %w", err)
	}

	return nil
}

// SetVolume sets the linear volume, 1.0 being unity gain.
func (a *AudioStage) SetVolume(v float64) error {
	a.volumeLock.Lock()
	a.volume = max(v, 0)
	a.volumeLock.Unlock()

	a.log.Debug().Float64(lVolume, v).Msg("volume set")

	return a.applyVolume()
}

// Volume returns the linear volume set last.
func (a *AudioStage) Volume() float64 {
	a.volumeLock.Lock()
	defer a.volumeLock.Unlock()

	return a.volume
}

// SetMute silences the renderer without forgetting the volume.
func (a *AudioStage) SetMute(muted bool) error {
	a.volumeLock.Lock()
	a.muted = muted
	a.volumeLock.Unlock()

	a.log.Debug().Bool(lMuted, muted).Msg("mute set")

	return a.applyVolume()
}

// Muted reports whether the stage is muted.
func (a *AudioStage) Muted() bool {
	a.volumeLock.Lock()
	defer a.volumeLock.Unlock()

	return a.muted
}

// RendererVolume reads back the volume the renderer is applying.
func (a *AudioStage) RendererVolume() (float64, error) {
	v, err := a.ren.GetParameter(softil.ParamVolume)
	if err != nil {
		return 0, err
	}

	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("renderer volume has type %T", v)
	}

	return f, nil
}

// Passthrough reports whether the stream bypasses the decoder.
func (a *AudioStage) Passthrough() bool {
	return a.scanner != nil
}

// Hints returns the stream hints the stage was opened with.
func (a *AudioStage) Hints() demux.Hints {
	return a.hints
}

// MarshalZerologObject logs the stage counters.
func (a *AudioStage) MarshalZerologObject(e *zerolog.Event) {
	e.Str(lState, a.State().String()).
		Int64(lQueued, a.GetCached()).
		Dur(lDuration, a.GetCachedDuration()).
		Int64(lSubmit, a.Submitted()).
		Int64(lDropped, a.Dropped()).
		Float64(lVolume, a.Volume())
}
