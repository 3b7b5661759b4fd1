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
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

type fakePacket struct {
	typ demux.StreamType
	pts time.Duration
	key bool
}

// fakeSource plays a fixed list of packets in PTS order.
type fakeSource struct {
	lock     sync.Mutex
	packets  []fakePacket
	next     int
	hints    map[demux.StreamType]demux.Hints
	duration time.Duration
	seeks    []time.Duration
	closed   bool
}

func newFakeSource(videoFrames, audioFrames int) *fakeSource {
	s := &fakeSource{hints: make(map[demux.StreamType]demux.Hints)}

	if videoFrames > 0 {
		s.hints[demux.StreamVideo] = demux.Hints{Codec: "h264", Width: 320, Height: 240}
	}

	if audioFrames > 0 {
		s.hints[demux.StreamAudio] = demux.Hints{Codec: "aac", SampleRate: 48000, Channels: 2}
	}

	for i := 0; i < videoFrames; i++ {
		s.packets = append(s.packets, fakePacket{typ: demux.StreamVideo, pts: time.Duration(i) * 40 * time.Millisecond, key: i%5 == 0})
	}

	for i := 0; i < audioFrames; i++ {
		s.packets = append(s.packets, fakePacket{typ: demux.StreamAudio, pts: time.Duration(i) * 20 * time.Millisecond, key: true})
	}

	sort.SliceStable(s.packets, func(i, j int) bool { return s.packets[i].pts < s.packets[j].pts })

	if n := len(s.packets); n > 0 {
		s.duration = s.packets[n-1].pts + 40*time.Millisecond
	}

	return s
}

func (s *fakeSource) Read() (*demux.Packet, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.next >= len(s.packets) {
		return nil, io.EOF
	}

	fp := s.packets[s.next]
	s.next++

	p := demux.NewPacket([]byte{byte(fp.typ), byte(s.next), 0, 1})
	p.Type = fp.typ
	p.PTS = fp.pts
	p.DTS = fp.pts
	p.Keyframe = fp.key
	p.Hints = s.hints[fp.typ]

	if fp.typ == demux.StreamVideo {
		p.Duration = 40 * time.Millisecond
	} else {
		p.Duration = 20 * time.Millisecond
	}

	return p, nil
}

func (s *fakeSource) SeekTime(t time.Duration, _ bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.seeks = append(s.seeks, t)
	s.next = sort.Search(len(s.packets), func(i int) bool { return s.packets[i].pts >= t })

	return nil
}

func (s *fakeSource) SetActiveStream(t demux.StreamType, index int) bool {
	_, ok := s.hints[t]

	return ok && index == 0
}

func (s *fakeSource) GetHints(t demux.StreamType) (demux.Hints, bool) {
	h, ok := s.hints[t]

	return h, ok
}

func (s *fakeSource) StreamCount(t demux.StreamType) int {
	if _, ok := s.hints[t]; ok {
		return 1
	}

	return 0
}

func (s *fakeSource) Duration() time.Duration {
	return s.duration
}

func (s *fakeSource) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true

	return nil
}

func (s *fakeSource) seekCalls() []time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]time.Duration(nil), s.seeks...)
}

func newTestPlayer(t *testing.T, src demux.Source) (*Player, *softil.Core, *presented) {
	t.Helper()

	log := zerolog.Nop()
	core := softil.New(&log)

	var pres presented
	core.SetPresenter(pres.present)

	cfg := ConfigDefault()
	cfg.HighWater = 200 * time.Millisecond

	p := NewPlayer(&cfg, src, core, &log)

	return p, core, &pres
}

// runPlayer starts Run and returns a channel with its result.
func runPlayer(p *Player) <-chan error {
	errC := make(chan error, 1)

	go func() {
		errC <- p.Run(context.Background())
	}()

	return errC
}

func TestPlayerPlaysToEnd(t *testing.T) {
	src := newFakeSource(10, 20)
	p, core, pres := newTestPlayer(t, src)

	require.NoError(t, p.Open())
	require.Equal(t, PlayStateIdle, p.Status().State)
	require.Equal(t, 1, p.Status().VideoStreams)

	select {
	case err := <-runPlayer(p):
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("playback did not finish")
	}

	require.Equal(t, 10, pres.count(softil.RoleVideoRender))
	require.Equal(t, 20, pres.count(softil.RoleAudioRender))
	require.Zero(t, core.Components())

	st := p.Status()
	require.Equal(t, PlayStateStopped, st.State)
	require.Equal(t, p.Session().ID, st.Session)
	require.True(t, p.Clock().Stopped())

	require.ErrorIs(t, p.Pause(), ErrClosed)
}

func TestPlayerVideoOnly(t *testing.T) {
	p, _, pres := newTestPlayer(t, newFakeSource(5, 0))

	require.NoError(t, p.Open())
	require.NoError(t, <-runPlayer(p))
	require.Equal(t, 5, pres.count(softil.RoleVideoRender))
	require.Zero(t, pres.count(softil.RoleAudioRender))
}

func TestPlayerNoStreams(t *testing.T) {
	p, core, _ := newTestPlayer(t, newFakeSource(0, 0))

	require.ErrorIs(t, p.Open(), ErrNoStreams)
	require.Zero(t, core.Components())
}

func TestPlayerStop(t *testing.T) {
	// A minute of media: only Stop ends it in time.
	p, core, _ := newTestPlayer(t, newFakeSource(1500, 0))
	require.NoError(t, p.Open())

	errC := runPlayer(p)

	require.Eventually(t, func() bool {
		return p.Status().State == PlayStatePlaying
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, <-errC)
	require.Zero(t, core.Components())
}

func TestPlayerContextCancel(t *testing.T) {
	p, _, _ := newTestPlayer(t, newFakeSource(1500, 0))
	require.NoError(t, p.Open())

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)

	go func() {
		errC <- p.Run(ctx)
	}()

	cancel()
	require.ErrorIs(t, <-errC, context.Canceled)
}

func TestPlayerPauseAndSeek(t *testing.T) {
	src := newFakeSource(1500, 0)
	p, _, _ := newTestPlayer(t, src)
	require.NoError(t, p.Open())

	errC := runPlayer(p)

	defer func() {
		assert.NoError(t, p.Stop())
		assert.NoError(t, <-errC)
	}()

	require.NoError(t, p.Pause())
	require.Eventually(t, func() bool {
		return p.Status().State == PlayStatePaused
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Seek(10*time.Second, false))
	require.Equal(t, []time.Duration{10 * time.Second}, src.seekCalls())

	require.Eventually(t, func() bool {
		return p.Status().Position == 10*time.Second
	}, 5*time.Second, 5*time.Millisecond)

	// Relative seeks are clamped to the start.
	require.NoError(t, p.Seek(-time.Hour, true))
	require.Equal(t, time.Duration(0), src.seekCalls()[1])

	require.NoError(t, p.Seek(5*time.Second, true))
	require.Equal(t, 5*time.Second, src.seekCalls()[2])

	require.NoError(t, p.TogglePause())
	require.Eventually(t, func() bool {
		st := p.Status().State
		return st == PlayStatePlaying || st == PlayStateBuffering
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPlayerSeekPastEnd(t *testing.T) {
	src := newFakeSource(1500, 0)
	p, _, _ := newTestPlayer(t, src)
	require.NoError(t, p.Open())

	errC := runPlayer(p)

	require.NoError(t, p.Seek(time.Hour, false))
	require.Equal(t, []time.Duration{src.Duration()}, src.seekCalls())

	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("playback did not finish after seeking to the end")
	}
}

func TestPlayerVolume(t *testing.T) {
	p, _, _ := newTestPlayer(t, newFakeSource(0, 1500))
	require.NoError(t, p.Open())

	errC := runPlayer(p)

	require.NoError(t, p.SetVolume(0.25))
	require.NoError(t, p.SetMute(true))

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Muted && st.Volume == 0.25
	}, 5*time.Second, 5*time.Millisecond)

	v, err := p.audio.RendererVolume()
	require.NoError(t, err)
	require.Zero(t, v)

	ok, err := p.SelectStream(demux.StreamAudio, 3)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = p.SelectStream(demux.StreamAudio, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Stop())
	require.NoError(t, <-errC)
}

func TestPlayerOpenFailsWithoutVideoDecoder(t *testing.T) {
	log := zerolog.Nop()
	core := softil.New(&log)

	errDecode := errors.New("decoder exploded")
	core.SetProcessorFactory(softil.RoleVideoDecode, DecoderFactory(func(softil.Params) (softil.Processor, error) {
		return nil, errDecode
	}))

	cfg := ConfigDefault()
	p := NewPlayer(&cfg, newFakeSource(5, 0), core, &log)

	// The processor is built on the way to Executing.
	require.Error(t, p.Open())
	require.Zero(t, core.Components())
}

func TestPlayerStageFailureEndsRun(t *testing.T) {
	p, _, _ := newTestPlayer(t, newFakeSource(10, 0))

	boom := errors.New("decoder gone")
	backend := &fakeBackend{err: boom}
	p.video = &VideoStage{stage: newTestStage(t, VideoStageConfigDefault(), backend)}

	var err error

	select {
	case err = <-runPlayer(p):
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end")
	}

	var failed *StageFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "test", failed.Stage)
	require.ErrorIs(t, err, boom)
	require.Equal(t, PlayStateStopped, p.Status().State)
}

func TestPlayerBufferingHysteresis(t *testing.T) {
	const queueCap = 400

	for _, tc := range []struct {
		name          string
		buffering     bool
		userPaused    bool
		eof           bool
		step          bool
		full          bool
		queued        int // 40 ms packets
		wantBuffering bool
		wantPaused    bool
	}{
		{name: "below low water pauses", queued: 2, wantBuffering: true, wantPaused: true},
		{name: "between marks keeps playing", queued: 4},
		{name: "between marks keeps buffering", buffering: true, queued: 4, wantBuffering: true, wantPaused: true},
		{name: "above high water resumes", buffering: true, queued: 6},
		{name: "user pause survives", buffering: true, userPaused: true, queued: 6, wantPaused: true},
		{name: "full queue resumes", buffering: true, full: true, queued: 2},
		{name: "end of stream resumes", buffering: true, eof: true, queued: 2},
		{name: "step mode resumes", buffering: true, step: true, queued: 2},
		{name: "no buffering at end of stream", eof: true, queued: 2},
		{name: "no buffering in step mode", step: true, queued: 2},
		{name: "idle stage is ignored", queued: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newTestPlayer(t, newFakeSource(0, 0))

			base := time.Now()
			p.clock.SetNowFunc(func() time.Time { return base })

			cfg := VideoStageConfigDefault()
			cfg.QueueCap = queueCap
			st := newTestStage(t, cfg, &fakeBackend{})
			p.video = &VideoStage{stage: st}

			for i := 0; i < tc.queued; i++ {
				require.True(t, st.AddPacket(testPacket(40, time.Duration(i)*40*time.Millisecond)))
			}

			if tc.full {
				p.pending = testPacket(queueCap-40*tc.queued+1, time.Second)
				p.pending.Type = demux.StreamVideo
				require.True(t, st.Fits(p.pending.Size()))
			}

			if tc.step {
				p.clock.SetSpeed(clock.MaxRate)
			}

			p.buffering = tc.buffering
			p.userPaused = tc.userPaused
			p.eof = tc.eof

			if tc.buffering || tc.userPaused {
				p.clock.Pause()
			}

			p.updateBuffering()

			require.Equal(t, tc.wantBuffering, p.buffering)
			require.Equal(t, tc.wantPaused, p.clock.Paused())
			require.Equal(t, tc.userPaused, p.userPaused)
		})
	}
}
