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

// Package clock implements the shared playback clock. Speeds are expressed in
// thousandths of normal rate: 1000 plays in real time, 2000 twice as fast,
// negative values rewind.
package clock

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Normal is real-time playback.
	Normal = 1000
	// MinRate and MaxRate bound the requested speed.
	MinRate = -32000
	MaxRate = 32000

	// stepAbove is the speed beyond which stages switch to step mode.
	stepAbove = 1200
)

const (
	lMediaTime = "mediaTime"
	lSpeed     = "speed"
)

// Clock maps wall time to media time. A single mutex guards all fields.
type Clock struct {
	log zerolog.Logger
	now func() time.Time

	lock      sync.Mutex
	anchor    time.Time
	mediaTime time.Duration
	speed     int
	paused    bool
	stopped   bool
}

// New returns a clock at media time zero, normal speed, not paused.
func New(logger *zerolog.Logger) *Clock {
	c := &Clock{
		log:   logger.With().Str("pkg", "clock").Logger(),
		now:   time.Now,
		speed: Normal,
	}
	c.anchor = c.now()

	return c
}

// SetNowFunc replaces the wall clock source. Tests use it to step time.
func (c *Clock) SetNowFunc(now func() time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.now = now
	c.anchor = now()
}

// current returns media time at wall time now. Caller holds the lock.
func (c *Clock) current(now time.Time) time.Duration {
	if c.paused || c.stopped {
		return c.mediaTime
	}

	elapsed := now.Sub(c.anchor)
	t := c.mediaTime + elapsed*time.Duration(c.speed)/Normal

	if t < 0 {
		return 0
	}

	return t
}

// rebase folds elapsed time into mediaTime so speed or pause changes apply
// from now on. Caller holds the lock.
func (c *Clock) rebase() {
	now := c.now()
	c.mediaTime = c.current(now)
	c.anchor = now
}

// MediaTime returns the current media time.
func (c *Clock) MediaTime() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.current(c.now())
}

// SetMediaTime jumps the clock to t.
func (c *Clock) SetMediaTime(t time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.mediaTime = t
	c.anchor = c.now()

	c.log.Debug().Dur(lMediaTime, t).Msg("media time set")
}

// Pause freezes media time. Pausing a paused clock has no effect.
func (c *Clock) Pause() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.paused {
		return
	}

	c.rebase()
	c.paused = true

	c.log.Debug().Dur(lMediaTime, c.mediaTime).Msg("paused")
}

// Resume restarts media time at the speed in effect before Pause.
// Resuming a running clock has no effect.
func (c *Clock) Resume() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.paused {
		return
	}

	c.anchor = c.now()
	c.paused = false

	c.log.Debug().Int(lSpeed, c.speed).Msg("resumed")
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.paused
}

// SetSpeed changes the playback rate, clamped to [MinRate, MaxRate].
func (c *Clock) SetSpeed(speed int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	speed = min(max(speed, MinRate), MaxRate)
	if speed == c.speed {
		return
	}

	c.rebase()
	c.speed = speed

	c.log.Debug().Int(lSpeed, speed).Bool("step", stepMode(speed)).Msg("speed set")
}

// Speed returns the requested speed. It is kept across Pause and Resume.
func (c *Clock) Speed() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.speed
}

// EffectiveSpeed returns zero while paused or stopped, else Speed.
func (c *Clock) EffectiveSpeed() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.paused || c.stopped {
		return 0
	}

	return c.speed
}

func stepMode(speed int) bool {
	return speed < 0 || speed > stepAbove
}

// StepMode reports whether stages should present only key frames and drop
// audio at the current speed.
func (c *Clock) StepMode() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return stepMode(c.speed)
}

// Stop freezes the clock until Reset.
func (c *Clock) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.rebase()
	c.stopped = true
}

// Stopped reports whether Stop was called since the last Reset.
func (c *Clock) Stopped() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.stopped
}

// Reset returns the clock to media time zero, normal speed, running.
func (c *Clock) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.mediaTime = 0
	c.anchor = c.now()
	c.speed = Normal
	c.paused = false
	c.stopped = false
}
