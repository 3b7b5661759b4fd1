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
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

// fakeBackend records what reaches the decoder.
type fakeBackend struct {
	lock    sync.Mutex
	decoded []time.Duration
	flushes int
	closes  int

	eosSent atomic.Bool
	err     error
	// gate, when set, blocks decode until closed.
	gate chan struct{}
}

func (b *fakeBackend) decode(p *demux.Packet) error {
	if b.gate != nil {
		<-b.gate
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.err != nil {
		return b.err
	}

	b.decoded = append(b.decoded, p.PTS)

	return nil
}

func (b *fakeBackend) submitEOS() error {
	b.eosSent.Store(true)

	return nil
}

func (b *fakeBackend) isEOS() bool { return b.eosSent.Load() }
func (b *fakeBackend) beginFlush() {}
func (b *fakeBackend) endFlush()   {}

func (b *fakeBackend) flush() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.flushes++
}

func (b *fakeBackend) close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.closes++

	return nil
}

func (b *fakeBackend) decodedPTS() []time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]time.Duration(nil), b.decoded...)
}

func newTestStage(t *testing.T, cfg StageConfig, backend stageBackend) *stage {
	t.Helper()

	log := zerolog.Nop()
	s := newStage("test", cfg, clock.New(&log), &log)
	require.NoError(t, s.open(backend))

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func testPacket(size int, pts time.Duration) *demux.Packet {
	p := demux.NewPacket(make([]byte, size))
	p.PTS = pts
	p.Duration = 40 * time.Millisecond

	return p
}

func TestStageQueueCap(t *testing.T) {
	cfg := VideoStageConfigDefault()
	cfg.QueueCap = 1000 * 1000

	s := newTestStage(t, cfg, &fakeBackend{})

	for i := 0; i < 5; i++ {
		require.True(t, s.AddPacket(testPacket(200*1000, time.Duration(i)*40*time.Millisecond)))
	}

	require.Equal(t, int64(1000*1000), s.GetCached())

	p := testPacket(200*1000, 200*time.Millisecond)
	require.False(t, s.AddPacket(p), "sixth packet must not fit")
	p.Free()

	require.Equal(t, int64(1000*1000), s.GetCached())
	require.Equal(t, 200*time.Millisecond, s.GetCachedDuration())
	require.Equal(t, StageOpen, s.State())

	require.True(t, s.Fits(1000*1000))
	require.False(t, s.Fits(1000*1000+1))
	require.False(t, s.WaitForSpace(1, 10*time.Millisecond))
}

func TestStageDecodesInOrder(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	for i := 0; i < 10; i++ {
		require.True(t, s.AddPacket(testPacket(100, demux.NoPTS)))
	}

	// PTS-less packets are not gated on the clock.
	want := make([]time.Duration, 10)
	for i := range want {
		want[i] = demux.NoPTS
	}

	s.Start()
	require.Equal(t, StageRunning, s.State())

	require.Eventually(t, func() bool { return s.Submitted() == 10 }, time.Second, time.Millisecond)
	require.Equal(t, want, backend.decodedPTS())
	require.Zero(t, s.GetCached())
}

func TestStageFIFO(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	want := make([]time.Duration, 0, 5)

	for i := 0; i < 5; i++ {
		// All due immediately: within the lead of a clock at zero.
		pts := time.Duration(i) * time.Millisecond
		want = append(want, pts)
		require.True(t, s.AddPacket(testPacket(10, pts)))
	}

	s.Start()

	require.Eventually(t, func() bool { return s.Submitted() == 5 }, time.Second, time.Millisecond)
	require.Equal(t, want, backend.decodedPTS())
	require.Equal(t, 4*time.Millisecond, s.GetCurrentPTS())
}

func TestStageFlushEmptiesQueue(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	for i := 0; i < 3; i++ {
		require.True(t, s.AddPacket(testPacket(1000, time.Duration(i)*time.Second)))
	}

	require.NoError(t, s.SubmitEOS())

	s.Flush()

	require.Zero(t, s.GetCached())
	require.Zero(t, s.GetCachedDuration())
	require.Equal(t, demux.NoPTS, s.GetCurrentPTS())
	require.Equal(t, StageOpen, s.State())

	s.Start()
	time.Sleep(20 * time.Millisecond)

	require.Empty(t, backend.decodedPTS())
	require.False(t, backend.eosSent.Load(), "flush discards a queued end of stream")
	require.Equal(t, 1, backend.flushes)
}

func TestStageWaitForSpace(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}

	cfg := VideoStageConfigDefault()
	cfg.QueueCap = 1000

	s := newTestStage(t, cfg, backend)

	require.True(t, s.AddPacket(testPacket(600, 0)))
	require.True(t, s.AddPacket(testPacket(400, 0)))
	require.False(t, s.WaitForSpace(500, 20*time.Millisecond))

	s.Start()

	// The worker pops the first packet, then blocks in decode.
	require.True(t, s.WaitForSpace(500, time.Second))
	require.Equal(t, int64(400), s.GetCached())

	close(backend.gate)

	require.Eventually(t, func() bool { return s.Submitted() == 2 }, time.Second, time.Millisecond)
}

func TestStageInline(t *testing.T) {
	backend := &fakeBackend{}

	cfg := AudioStageConfigDefault()
	cfg.Threaded = false
	cfg.QueueCap = 1000

	s := newTestStage(t, cfg, backend)

	require.True(t, s.AddPacket(testPacket(100, 0)))
	require.Equal(t, []time.Duration{0}, backend.decodedPTS(), "decoded before AddPacket returns")
	require.Zero(t, s.GetCached())

	big := testPacket(1001, 0)
	require.False(t, s.AddPacket(big))
	big.Free()

	require.True(t, s.WaitForSpace(1000, 0))

	require.NoError(t, s.SubmitEOS())
	require.True(t, s.IsEOS())
}

func TestStageFailure(t *testing.T) {
	errBroken := errors.New("broken")
	backend := &fakeBackend{err: errBroken}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	require.True(t, s.AddPacket(testPacket(10, 0)))
	s.Start()

	require.Eventually(t, func() bool { return s.Err() != nil }, time.Second, time.Millisecond)

	var failed *StageFailedError
	require.ErrorAs(t, s.Err(), &failed)
	require.Equal(t, "test", failed.Stage)
	require.ErrorIs(t, s.Err(), errBroken)
}

func TestStageDropsTimeouts(t *testing.T) {
	backend := &fakeBackend{err: omx.ErrTimeout}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	require.True(t, s.AddPacket(testPacket(10, 0)))
	s.Start()

	require.Eventually(t, func() bool { return s.Dropped() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Err())
}

func TestStageEOSAfterPackets(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	require.True(t, s.AddPacket(testPacket(10, 0)))
	require.NoError(t, s.SubmitEOS())
	require.False(t, s.IsEOS())

	s.Start()

	require.Eventually(t, s.IsEOS, time.Second, time.Millisecond)
	require.Len(t, backend.decodedPTS(), 1)
}

func TestStageClose(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStage(t, VideoStageConfigDefault(), backend)

	require.True(t, s.AddPacket(testPacket(10, time.Hour)))
	s.Start()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Equal(t, StageClosed, s.State())
	require.Equal(t, 1, backend.closes)
	require.Zero(t, s.GetCached())
	require.True(t, s.IsEOS())
	require.ErrorIs(t, s.SubmitEOS(), ErrClosed)

	p := testPacket(10, 0)
	require.False(t, s.AddPacket(p))
	p.Free()
}

func TestStageZeroCap(t *testing.T) {
	log := zerolog.Nop()

	cfg := VideoStageConfigDefault()
	cfg.QueueCap = 0

	s := newStage("test", cfg, clock.New(&log), &log)
	require.Error(t, s.open(&fakeBackend{}))
}

func TestStageStateString(t *testing.T) {
	require.Equal(t, "Running", StageRunning.String())
	require.Equal(t, "StageState(9)", StageState(9).String())
}

func TestChunkTimeoutClamped(t *testing.T) {
	cfg := StageConfig{ChunkTimeout: time.Millisecond}
	require.Equal(t, minChunkTimeout, cfg.chunkTimeout())

	cfg.ChunkTimeout = time.Minute
	require.Equal(t, maxChunkTimeout, cfg.chunkTimeout())
}
