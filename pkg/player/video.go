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
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

// VideoStage decodes one video stream. The decoder to renderer tunnel is
// bound once the decoder reports its output format.
type VideoStage struct {
	*stage

	session *Session
	hints   demux.Hints

	decID  ComponentID
	renID  ComponentID
	tunID  TunnelID
	dec    *omx.Component
	ren    *omx.Component
	tunnel *omx.Tunnel

	started bool // StartTime sent
	eosSent atomic.Bool
}

// OpenVideoStage loads a decoder and a renderer for hints and starts the
// stage in the Open state.
func OpenVideoStage(session *Session, cfg StageConfig, hints demux.Hints, clk *clock.Clock) (*VideoStage, error) {
	v := &VideoStage{
		stage:   newStage("video", cfg, clk, session.Logger()),
		session: session,
		hints:   hints,
		decID:   -1,
		renID:   -1,
		tunID:   -1,
	}

	if err := v.setup(cfg); err != nil {
		_ = v.release()

		return nil, err
	}

	if err := v.open(v); err != nil {
		_ = v.release()

		return nil, err
	}

	return v, nil
}

func (v *VideoStage) setup(cfg StageConfig) error {
	var err error

	if v.decID, err = v.session.AddComponent(softil.RoleVideoDecode); err != nil {
		return fmt.Errorf("loading video decoder: %w", err)
	}

	if v.renID, err = v.session.AddComponent(softil.RoleVideoRender); err != nil {
		return fmt.Errorf("loading video renderer: %w", err)
	}

	v.dec, _ = v.session.Component(v.decID)
	v.ren, _ = v.session.Component(v.renID)

	if err = v.dec.SetParameter(softil.ParamHints, v.hints); err != nil {
		return err
	}

	if err = v.dec.SetParameter(softil.ParamFormat, omx.Format{
		Codec: v.hints.Codec, Width: v.hints.Width, Height: v.hints.Height,
	}); err != nil {
		return err
	}

	if err = v.ren.SetParameter(paramOverlay, v.session.Overlay()); err != nil {
		return err
	}

	if err = v.dec.SetState(omx.StateIdle); err != nil {
		return err
	}

	if err = v.dec.AllocInputBuffers(cfg.InputBuffers, int(cfg.InputBufferSize)); err != nil {
		return err
	}

	if err = v.dec.SetState(omx.StateExecuting); err != nil {
		return err
	}

	if v.tunID, err = v.session.AddTunnel(v.decID, v.renID); err != nil {
		return err
	}

	v.tunnel, _ = v.session.Tunnel(v.tunID)

	if len(v.hints.ExtraData) > 0 {
		if err = v.submitBuffers(v.dec, v.hints.ExtraData, demux.NoPTS, omx.BufferFlagCodecConfig); err != nil {
			return fmt.Errorf("sending codec config: %w", err)
		}
	}

	v.log.Info().Object("hints", v.hints).Msg("video stage open")

	return nil
}

// bindRenderer binds the tunnel once the decoder has announced its output
// format. waitFor bounds the wait for that announcement. Corrupt frames
// reported on the way are skipped; any other decoder error is returned.
func (v *VideoStage) bindRenderer(waitFor bool) error {
	if v.tunnel.Established() {
		return nil
	}

	var deadline time.Time
	if waitFor {
		deadline = time.Now().Add(v.cfg.chunkTimeout())
	}

	for {
		err := v.dec.WaitForEventData(omx.EventPortSettingsChanged, v.dec.OutputPort(), time.Until(deadline))
		if err == nil {
			break
		}

		var hwErr *omx.HardwareError
		if !errors.As(err, &hwErr) {
			return nil //nolint:nilerr // No format yet.
		}

		if hwErr.Code != omx.ErrorStreamCorrupt {
			return fmt.Errorf("video decoder: %w", err)
		}

		v.log.Debug().Err(err).Msg("corrupt frame")
	}

	if def, err := v.dec.GetPortDefinition(v.dec.OutputPort()); err == nil {
		v.log.Info().Interface("format", def.Format).Msg("video format known")
	}

	if err := v.tunnel.Establish(false); err != nil {
		return fmt.Errorf("binding video renderer: %w", err)
	}

	return v.ren.SetState(omx.StateExecuting)
}

func (v *VideoStage) decode(p *demux.Packet) error {
	if v.clock.StepMode() && !p.Keyframe {
		return errSkipped
	}

	if !v.waitUntilDue(p.PTS) {
		return omx.ErrFlushing
	}

	var flags omx.BufferFlags
	if p.Keyframe {
		flags |= omx.BufferFlagSyncFrame
	}

	if !v.started {
		flags |= omx.BufferFlagStartTime
		v.started = true
	}

	if err := v.submitBuffers(v.dec, p.Data, p.PTS, flags); err != nil {
		return err
	}

	return v.bindRenderer(false)
}

func (v *VideoStage) submitEOS() error {
	if err := v.submitBuffers(v.dec, nil, demux.NoPTS, omx.BufferFlagEOS); err != nil {
		return err
	}

	v.eosSent.Store(true)

	return v.bindRenderer(v.submitted.Load() > 0)
}

func (v *VideoStage) isEOS() bool {
	if v.ren.IsEOS() {
		return true
	}

	// Nothing was decoded, so the renderer never got a tunnel to see EOS on.
	return v.eosSent.Load() && !v.tunnel.Established() && v.submitted.Load() == 0
}

func (v *VideoStage) beginFlush() {
	v.dec.SetFlushing(true)
}

func (v *VideoStage) flush() {
	if err := v.dec.FlushInput(); err != nil {
		v.log.Info().Err(err).Msg("decoder input flush failed")
	}

	if v.tunnel.Established() {
		if err := v.tunnel.Flush(); err != nil {
			v.log.Info().Err(err).Msg("tunnel flush failed")
		}
	} else if err := v.dec.FlushOutput(); err != nil {
		v.log.Info().Err(err).Msg("decoder output flush failed")
	}

	v.dec.ResetEOS()
	v.ren.ResetEOS()
	v.eosSent.Store(false)
	v.started = false
}

func (v *VideoStage) endFlush() {
	v.dec.SetFlushing(false)
}

func (v *VideoStage) close() error {
	return v.release()
}

func (v *VideoStage) release() error {
	return v.session.Release([]TunnelID{v.tunID}, []ComponentID{v.decID, v.renID})
}

// SetOverlay moves the video layer.
func (v *VideoStage) SetOverlay(o Overlay) error {
	v.session.SetOverlay(o)

	return v.ren.SetParameter(paramOverlay, o)
}

// Hints returns the stream hints the stage was opened with.
func (v *VideoStage) Hints() demux.Hints {
	return v.hints
}

// MarshalZerologObject logs the stage counters.
func (v *VideoStage) MarshalZerologObject(e *zerolog.Event) {
	e.Str(lState, v.State().String()).
		Int64(lQueued, v.GetCached()).
		Dur(lDuration, v.GetCachedDuration()).
		Int64(lSubmit, v.Submitted()).
		Int64(lDropped, v.Dropped())
}
