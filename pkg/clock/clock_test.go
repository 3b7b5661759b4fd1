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

package clock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	t time.Time
}

func (f *fakeTime) now() time.Time {
	return f.t
}

func (f *fakeTime) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestClock(t *testing.T) (*Clock, *fakeTime) {
	t.Helper()

	log := zerolog.Nop()
	ft := &fakeTime{t: time.Unix(1000, 0)}

	c := New(&log)
	c.SetNowFunc(ft.now)

	return c, ft
}

func TestMediaTimeAdvancesWithSpeed(t *testing.T) {
	c, ft := newTestClock(t)

	ft.advance(time.Second)
	require.Equal(t, time.Second, c.MediaTime())

	c.SetSpeed(2000)
	ft.advance(time.Second)
	require.Equal(t, 3*time.Second, c.MediaTime())

	c.SetSpeed(500)
	ft.advance(time.Second)
	require.Equal(t, 3500*time.Millisecond, c.MediaTime())
}

func TestPauseResumePairs(t *testing.T) {
	c, ft := newTestClock(t)

	c.SetSpeed(800)

	for i := 0; i < 5; i++ {
		c.Pause()
		c.Pause()
		require.True(t, c.Paused())
		require.Equal(t, 0, c.EffectiveSpeed())

		frozen := c.MediaTime()
		ft.advance(time.Second)
		require.Equal(t, frozen, c.MediaTime())

		c.Resume()
		c.Resume()
		require.False(t, c.Paused())
		require.Equal(t, 800, c.Speed())
		require.Equal(t, 800, c.EffectiveSpeed())
	}

	ft.advance(time.Second)
	require.Equal(t, 800*time.Millisecond, c.MediaTime())
}

func TestSpeedClamp(t *testing.T) {
	c, _ := newTestClock(t)

	c.SetSpeed(100000)
	require.Equal(t, MaxRate, c.Speed())

	c.SetSpeed(-100000)
	require.Equal(t, MinRate, c.Speed())
}

func TestStepMode(t *testing.T) {
	c, _ := newTestClock(t)

	for _, tc := range []struct {
		speed int
		step  bool
	}{
		{Normal, false},
		{1200, false},
		{1201, true},
		{4000, true},
		{0, false},
		{-1000, true},
	} {
		c.SetSpeed(tc.speed)
		require.Equal(t, tc.step, c.StepMode(), "speed %d", tc.speed)
	}
}

func TestRewindStopsAtZero(t *testing.T) {
	c, ft := newTestClock(t)

	c.SetMediaTime(2 * time.Second)
	c.SetSpeed(-2000)
	ft.advance(time.Second)
	require.Equal(t, time.Duration(0), c.MediaTime())
}

func TestStopAndReset(t *testing.T) {
	c, ft := newTestClock(t)

	ft.advance(time.Second)
	c.Stop()
	ft.advance(time.Second)
	require.True(t, c.Stopped())
	require.Equal(t, time.Second, c.MediaTime())

	c.SetSpeed(3000)
	c.Pause()
	c.Reset()
	require.False(t, c.Stopped())
	require.False(t, c.Paused())
	require.Equal(t, Normal, c.Speed())
	require.Equal(t, time.Duration(0), c.MediaTime())
}
