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
	"time"

	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
)

// command runs on the Run goroutine.
type command struct {
	fn    func(p *Player) error
	reply chan error
}

// do queues fn to the Run loop and waits for its result. Commands issued
// before Run starts wait for it.
func (p *Player) do(fn func(p *Player) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}

	select {
	case p.cmdC <- c:
	case <-p.doneC:
		return ErrClosed
	}

	select {
	case err := <-c.reply:
		return err
	case <-p.doneC:
		return ErrClosed
	}
}

// Pause freezes playback.
func (p *Player) Pause() error {
	return p.do(func(p *Player) error {
		p.userPaused = true
		p.clock.Pause()

		return nil
	})
}

// Resume continues playback, unless the stages are still buffering.
func (p *Player) Resume() error {
	return p.do(func(p *Player) error {
		p.userPaused = false
		if !p.buffering {
			p.clock.Resume()
		}

		return nil
	})
}

// TogglePause pauses a playing player and resumes a paused one.
func (p *Player) TogglePause() error {
	return p.do(func(p *Player) error {
		p.userPaused = !p.userPaused

		switch {
		case p.userPaused:
			p.clock.Pause()
		case !p.buffering:
			p.clock.Resume()
		}

		return nil
	})
}

// Stop ends Run.
func (p *Player) Stop() error {
	return p.do(func(p *Player) error {
		p.stopping = true

		return nil
	})
}

// Seek moves playback to d, or by d when relative.
func (p *Player) Seek(d time.Duration, relative bool) error {
	return p.do(func(p *Player) error {
		return p.seek(d, relative)
	})
}

func (p *Player) seek(d time.Duration, relative bool) error {
	now := p.clock.MediaTime()

	target := d
	if relative {
		target = now + d
	}

	target = max(target, 0)
	if dur := p.source.Duration(); dur > 0 {
		target = min(target, dur)
	}

	if err := p.source.SeekTime(target, target < now); err != nil {
		return err
	}

	p.log.Info().Dur(lTarget, target).Dur("from", now).Msg("seek")

	p.restartAt(target)

	return nil
}

// restartAt drops everything in flight and restarts the clock at t.
func (p *Player) restartAt(t time.Duration) {
	if p.pending != nil {
		p.pending.Free()
		p.pending = nil
	}

	for _, s := range p.stages() {
		s.Flush()
	}

	p.clock.SetMediaTime(t)
	p.dropUntil = t
	p.needKey = p.video != nil
	p.eof = false
	p.eosSent = false

	if !p.buffering {
		p.buffering = true
		p.clock.Pause()
	}
}

// SetSpeed sets the playback rate in thousandths of normal speed. Entering
// or leaving trick play flushes the stages so stale data does not play at
// the wrong rate.
func (p *Player) SetSpeed(speed int) error {
	return p.do(func(p *Player) error {
		wasStep := p.clock.StepMode()
		p.clock.SetSpeed(speed)

		p.log.Info().Int(lSpeed, p.clock.Speed()).Msg("speed")

		if p.clock.StepMode() == wasStep {
			return nil
		}

		now := p.clock.MediaTime()
		if err := p.source.SeekTime(now, true); err != nil {
			// Live inputs cannot seek; carry on from where the source is.
			p.log.Debug().Err(err).Msg("speed change without seek")

			return nil
		}

		p.restartAt(now)

		return nil
	})
}

// SelectStream switches the active stream of type t and reopens its stage.
// It returns false if the source has no such stream.
func (p *Player) SelectStream(t demux.StreamType, index int) (bool, error) {
	var ok bool

	err := p.do(func(p *Player) error {
		if !p.source.SetActiveStream(t, index) {
			return nil
		}

		ok = true

		p.log.Info().Stringer(lType, t).Int(lIndex, index).Msg("stream selected")

		return p.reopen(t)
	})

	return ok, err
}

func (p *Player) reopen(t demux.StreamType) error {
	if p.pending != nil && p.pending.Type == t {
		p.pending.Free()
		p.pending = nil
	}

	var err error

	switch t {
	case demux.StreamVideo:
		if p.video != nil {
			_ = p.video.Close()
			p.video = nil
		}

		err = p.openVideo()
		if err == nil {
			p.video.Start()
		}

	case demux.StreamAudio:
		if p.audio != nil {
			_ = p.audio.Close()
			p.audio = nil
		}

		err = p.openAudio()
		if err == nil {
			p.audio.Start()
		}

	default:
		return nil
	}

	if err != nil {
		return err
	}

	// Realign the source with the clock so the new stream starts here.
	now := p.clock.MediaTime()
	if seekErr := p.source.SeekTime(now, true); seekErr == nil {
		p.restartAt(now)
	}

	return nil
}

// SetVolume sets the linear volume, 1.0 being unity.
func (p *Player) SetVolume(v float64) error {
	return p.do(func(p *Player) error {
		p.volume = max(v, 0)
		if p.audio == nil {
			return nil
		}

		return p.audio.SetVolume(p.volume)
	})
}

// SetMute mutes or unmutes audio.
func (p *Player) SetMute(muted bool) error {
	return p.do(func(p *Player) error {
		p.muted = muted
		if p.audio == nil {
			return nil
		}

		return p.audio.SetMute(muted)
	})
}

// SetOverlay moves the video layer.
func (p *Player) SetOverlay(o Overlay) error {
	return p.do(func(p *Player) error {
		if p.video == nil {
			p.session.SetOverlay(o)

			return nil
		}

		return p.video.SetOverlay(o)
	})
}

// PlayState summarizes what the player is doing.
type PlayState string

const (
	PlayStateIdle      PlayState = "idle"
	PlayStatePlaying   PlayState = "playing"
	PlayStatePaused    PlayState = "paused"
	PlayStateBuffering PlayState = "buffering"
	PlayStateStopped   PlayState = "stopped"
)

// Status is a snapshot of the player.
type Status struct { //nolint:govet // Don't care about alignment.
	Session      string
	State        PlayState
	Position     time.Duration
	Duration     time.Duration
	Speed        int
	Volume       float64
	Muted        bool
	VideoStreams int
	AudioStreams int
	VideoCached  int64
	AudioCached  int64
	VideoPTS     time.Duration
	AudioPTS     time.Duration
	Dropped      int64
}

// Status returns the latest snapshot. It is safe from any goroutine.
func (p *Player) Status() Status {
	p.statusLock.Lock()
	defer p.statusLock.Unlock()

	return p.status
}

func (p *Player) updateStatus() {
	st := Status{
		Session:      p.session.ID,
		State:        p.playState(),
		Position:     p.clock.MediaTime(),
		Duration:     p.source.Duration(),
		Speed:        p.clock.Speed(),
		Volume:       p.volume,
		Muted:        p.muted,
		VideoStreams: p.source.StreamCount(demux.StreamVideo),
		AudioStreams: p.source.StreamCount(demux.StreamAudio),
		VideoPTS:     demux.NoPTS,
		AudioPTS:     demux.NoPTS,
	}

	if p.video != nil {
		st.VideoCached = p.video.GetCached()
		st.VideoPTS = p.video.GetCurrentPTS()
		st.Dropped += p.video.Dropped()
	}

	if p.audio != nil {
		st.AudioCached = p.audio.GetCached()
		st.AudioPTS = p.audio.GetCurrentPTS()
		st.Dropped += p.audio.Dropped()
	}

	p.statusLock.Lock()
	p.status = st
	p.statusLock.Unlock()
}

func (p *Player) playState() PlayState {
	select {
	case <-p.doneC:
		return PlayStateStopped
	default:
	}

	switch {
	case p.clock.Stopped():
		return PlayStateStopped
	case !p.started:
		return PlayStateIdle
	case p.userPaused:
		return PlayStatePaused
	case p.buffering:
		return PlayStateBuffering
	}

	return PlayStatePlaying
}
