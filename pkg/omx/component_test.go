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

package omx_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

func newCore(t *testing.T) (*softil.Core, *zerolog.Logger) {
	t.Helper()

	log := zerolog.Nop()

	return softil.New(&log), &log
}

func newComponent(t *testing.T, core omx.Core, log *zerolog.Logger, role string) *omx.Component {
	t.Helper()

	c := omx.NewComponent(core, role, log)
	require.NoError(t, c.Initialize())

	t.Cleanup(func() {
		_ = c.Deinitialize()
	})

	return c
}

func TestComponentLifecycle(t *testing.T) {
	core, log := newCore(t)

	c := omx.NewComponent(core, softil.RoleVideoDecode, log)
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Initialize(), "initialize twice")

	require.Equal(t, 130, c.InputPort())
	require.Equal(t, 131, c.OutputPort())

	for _, port := range []int{130, 131} {
		def, err := c.GetPortDefinition(port)
		require.NoError(t, err)
		require.False(t, def.Enabled, "ports start disabled")
	}

	st, err := c.State()
	require.NoError(t, err)
	require.Equal(t, omx.StateLoaded, st)

	require.NoError(t, c.SetState(omx.StateIdle))
	require.NoError(t, c.SetState(omx.StateIdle), "same state is a no-op")

	require.NoError(t, c.AllocInputBuffers(4, 1024))
	require.Equal(t, 4, c.InputBufferCount())
	require.Equal(t, 4*1024, c.GetInputBufferSpace())

	require.NoError(t, c.SetState(omx.StateExecuting))

	st, err = c.State()
	require.NoError(t, err)
	require.Equal(t, omx.StateExecuting, st)

	require.NoError(t, c.Deinitialize())
	require.NoError(t, c.Deinitialize(), "deinitialize twice")
	require.False(t, c.Initialized())
	require.Equal(t, 0, core.Components())
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	core, log := newCore(t)
	c := newComponent(t, core, log, softil.RoleAudioDecode)

	err := c.SetState(omx.StateExecuting)

	var hwErr *omx.HardwareError
	require.ErrorAs(t, err, &hwErr)
	require.Equal(t, omx.ErrorIncorrectStateTransition, hwErr.Code)
}

func TestUnknownComponent(t *testing.T) {
	core, log := newCore(t)

	c := omx.NewComponent(core, "image_encode", log)
	require.ErrorIs(t, c.Initialize(), omx.ErrorComponentNotFound)
	require.False(t, c.Initialized())
}

func TestInputBufferExhaustionBlocksUntilTimeout(t *testing.T) {
	core, log := newCore(t)
	c := newComponent(t, core, log, softil.RoleVideoDecode)

	require.NoError(t, c.SetState(omx.StateIdle))
	require.NoError(t, c.AllocInputBuffers(2, 256))

	// In Idle the component holds submitted buffers without processing them.
	for i := 0; i < 2; i++ {
		buf := c.GetInputBuffer(100 * time.Millisecond)
		require.NotNil(t, buf)
		buf.Fill([]byte("payload"))
		require.NoError(t, c.EmptyThisBuffer(buf))
	}

	start := time.Now()
	require.Nil(t, c.GetInputBuffer(100*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, c.FlushInput())
	require.NotNil(t, c.GetInputBuffer(time.Second))
	require.NotNil(t, c.GetInputBuffer(time.Second))
}

func TestEmptyThisBufferRejectsDoubleSubmit(t *testing.T) {
	core, log := newCore(t)
	c := newComponent(t, core, log, softil.RoleVideoDecode)

	require.NoError(t, c.SetState(omx.StateIdle))
	require.NoError(t, c.AllocInputBuffers(1, 64))

	buf := c.GetInputBuffer(time.Second)
	require.NotNil(t, buf)
	require.NoError(t, c.EmptyThisBuffer(buf))

	var hwErr *omx.HardwareError
	require.ErrorAs(t, c.EmptyThisBuffer(buf), &hwErr)
	require.Equal(t, omx.ErrorBadParameter, hwErr.Code)
}

func TestAllocationFailure(t *testing.T) {
	core, log := newCore(t)
	core.SetBufferLimit(1)

	c := newComponent(t, core, log, softil.RoleAudioDecode)
	require.NoError(t, c.SetState(omx.StateIdle))

	require.ErrorIs(t, c.AllocInputBuffers(2, 64), omx.ErrResourceExhausted)
	require.Equal(t, 0, c.InputBufferCount())
	require.NoError(t, c.Deinitialize())
}

func TestUntunneledOutputBuffers(t *testing.T) {
	core, log := newCore(t)
	c := newComponent(t, core, log, softil.RoleAudioDecode)

	require.NoError(t, c.SetState(omx.StateIdle))
	require.NoError(t, c.AllocInputBuffers(2, 64))
	require.NoError(t, c.SetState(omx.StateExecuting))
	require.NoError(t, c.AllocOutputBuffers(2, 64))

	buf := c.GetInputBuffer(time.Second)
	require.NotNil(t, buf)
	buf.Fill([]byte("abc"))
	buf.PTS = 40 * time.Millisecond
	require.NoError(t, c.EmptyThisBuffer(buf))

	out := c.GetOutputBuffer(time.Second)
	require.NotNil(t, out)
	require.Equal(t, []byte("abc"), out.Payload())
	require.Equal(t, 40*time.Millisecond, out.PTS)

	// The input buffer comes back once consumed.
	require.NotNil(t, c.GetInputBuffer(time.Second))
}

type presented struct {
	lock   sync.Mutex
	chunks []softil.Chunk
}

func (p *presented) present(_ string, c softil.Chunk) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.chunks = append(p.chunks, c)
}

func (p *presented) count() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.chunks)
}

func TestTunnelEstablishFromLoaded(t *testing.T) {
	core, log := newCore(t)
	src := newComponent(t, core, log, softil.RoleAudioDecode)
	dst := newComponent(t, core, log, softil.RoleAudioRender)

	tun := omx.NewTunnel(src, src.OutputPort(), dst, dst.InputPort(), log)
	require.NoError(t, tun.Establish(false))
	require.True(t, tun.Established())

	srcDef, err := src.GetPortDefinition(src.OutputPort())
	require.NoError(t, err)
	require.True(t, srcDef.Enabled)

	dstDef, err := dst.GetPortDefinition(dst.InputPort())
	require.NoError(t, err)
	require.True(t, dstDef.Enabled)

	st, err := dst.State()
	require.NoError(t, err)
	require.Equal(t, omx.StateIdle, st)

	st, err = src.State()
	require.NoError(t, err)
	require.Equal(t, omx.StateIdle, st)
}

func TestTunnelDeestablishIsIdempotent(t *testing.T) {
	core, log := newCore(t)
	src := newComponent(t, core, log, softil.RoleAudioDecode)
	dst := newComponent(t, core, log, softil.RoleAudioRender)

	tun := omx.NewTunnel(src, src.OutputPort(), dst, dst.InputPort(), log)
	require.NoError(t, tun.Deestablish(false), "never established")
	require.NoError(t, tun.Establish(false))
	require.NoError(t, tun.Deestablish(false))
	require.NoError(t, tun.Deestablish(false))
	require.False(t, tun.Established())
}

func TestTunnelDeestablishAfterEndpointsFreed(t *testing.T) {
	core, log := newCore(t)
	src := newComponent(t, core, log, softil.RoleAudioDecode)
	dst := newComponent(t, core, log, softil.RoleAudioRender)

	tun := omx.NewTunnel(src, src.OutputPort(), dst, dst.InputPort(), log)
	require.NoError(t, tun.Establish(false))

	require.NoError(t, src.Deinitialize())
	require.NoError(t, dst.Deinitialize())

	require.NoError(t, tun.Deestablish(true))
	require.NoError(t, tun.Deestablish(true))
	require.ErrorIs(t, tun.Establish(false), omx.ErrNotInitialized)
	require.Equal(t, 0, core.Components())
}

// startVideo brings a decoder to Executing with input buffers and a known
// output format, so that the first data raises port-settings-changed.
func startVideo(t *testing.T, core *softil.Core, log *zerolog.Logger) (*omx.Component, *omx.Component) {
	t.Helper()

	dec := newComponent(t, core, log, softil.RoleVideoDecode)
	ren := newComponent(t, core, log, softil.RoleVideoRender)

	require.NoError(t, dec.SetParameter(softil.ParamFormat, omx.Format{Codec: "h264", Width: 640, Height: 360}))
	require.NoError(t, dec.SetState(omx.StateIdle))
	require.NoError(t, dec.AllocInputBuffers(4, 1024))
	require.NoError(t, dec.SetState(omx.StateExecuting))

	return dec, ren
}

func submit(t *testing.T, c *omx.Component, data string, pts time.Duration, flags omx.BufferFlags) {
	t.Helper()

	buf := c.GetInputBuffer(time.Second)
	require.NotNil(t, buf)
	buf.Fill([]byte(data))
	buf.PTS = pts
	buf.Flags = flags
	require.NoError(t, c.EmptyThisBuffer(buf))
}

func TestDataFlowsAfterLazyTunnel(t *testing.T) {
	core, log := newCore(t)

	var p presented
	core.SetPresenter(p.present)

	dec, ren := startVideo(t, core, log)

	submit(t, dec, "frame-1", 0, omx.BufferFlagSyncFrame)
	require.NoError(t, dec.WaitForEventData(omx.EventPortSettingsChanged, dec.OutputPort(), time.Second))

	def, err := dec.GetPortDefinition(dec.OutputPort())
	require.NoError(t, err)
	require.Equal(t, 640, def.Format.Width)

	tun := omx.NewTunnel(dec, dec.OutputPort(), ren, ren.InputPort(), log)
	require.NoError(t, tun.Establish(false))
	require.NoError(t, ren.SetState(omx.StateExecuting))

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)

	submit(t, dec, "frame-2", 40*time.Millisecond, 0)
	submit(t, dec, "", 80*time.Millisecond, omx.BufferFlagEOS)

	require.Eventually(t, ren.IsEOS, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, p.count())
	require.Equal(t, []byte("frame-2"), p.chunks[1].Data)

	require.NoError(t, tun.Flush())
	require.NoError(t, tun.Deestablish(false))
}

func TestEstablishWaitsForPortSettings(t *testing.T) {
	core, log := newCore(t)
	dec, ren := startVideo(t, core, log)

	tun := omx.NewTunnel(dec, dec.OutputPort(), ren, ren.InputPort(), log)
	tun.PortSettingsTimeout = 50 * time.Millisecond
	require.ErrorIs(t, tun.Establish(true), omx.ErrTimeout, "no data yet, so no port settings")

	tun.PortSettingsTimeout = time.Second
	submit(t, dec, "frame-1", 0, 0)
	require.NoError(t, tun.Establish(true))
}

func TestDeestablishWaitsForPortSettings(t *testing.T) {
	core, log := newCore(t)
	dec, ren := startVideo(t, core, log)

	tun := omx.NewTunnel(dec, dec.OutputPort(), ren, ren.InputPort(), log)
	require.NoError(t, tun.Establish(false))

	// The format change raised by the first frame is consumed on the way out.
	submit(t, dec, "frame-1", 0, 0)

	tun.DeestablishWait = 5 * time.Second
	start := time.Now()
	require.NoError(t, tun.Deestablish(false))
	require.Less(t, time.Since(start), 2*time.Second)
	require.ErrorIs(t, dec.WaitForEventData(omx.EventPortSettingsChanged, dec.OutputPort(), 0), omx.ErrTimeout)

	// Without an event the wait runs out and is not an error.
	dec, ren = startVideo(t, core, log)
	tun = omx.NewTunnel(dec, dec.OutputPort(), ren, ren.InputPort(), log)
	require.NoError(t, tun.Establish(false))

	tun.DeestablishWait = 100 * time.Millisecond
	start = time.Now()
	require.NoError(t, tun.Deestablish(false))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// noWait skips it.
	dec, ren = startVideo(t, core, log)
	tun = omx.NewTunnel(dec, dec.OutputPort(), ren, ren.InputPort(), log)
	require.NoError(t, tun.Establish(false))

	tun.DeestablishWait = 5 * time.Second
	start = time.Now()
	require.NoError(t, tun.Deestablish(true))
	require.Less(t, time.Since(start), 2*time.Second)
}

// logBuffer collects log lines written from any goroutine.
type logBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.buf.Write(p)
}

func (b *logBuffer) count(msg string) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return strings.Count(b.buf.String(), msg)
}

func TestGetInputBufferLogsTimeout(t *testing.T) {
	core, _ := newCore(t)

	var out logBuffer
	log := zerolog.New(&out).Level(zerolog.DebugLevel)

	c := newComponent(t, core, &log, softil.RoleVideoDecode)

	require.NoError(t, c.SetState(omx.StateIdle))
	require.NoError(t, c.AllocInputBuffers(1, 64))
	require.NotNil(t, c.GetInputBuffer(time.Second))

	const msg = "no input buffer before timeout"

	require.Nil(t, c.GetInputBuffer(20*time.Millisecond))
	require.Equal(t, 1, out.count(msg))

	// Giving up because of a flush is not a timeout.
	c.SetFlushing(true)
	require.Nil(t, c.GetInputBuffer(20*time.Millisecond))
	require.Equal(t, 1, out.count(msg))
}
