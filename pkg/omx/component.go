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

package omx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	lAttempt   = "attempt"
	lCode      = "code"
	lCommand   = "command"
	lComponent = "component"
	lCount     = "count"
	lData1     = "data1"
	lData2     = "data2"
	lEvent     = "event"
	lInPort    = "inPort"
	lOutPort   = "outPort"
	lParam     = "param"
	lPort      = "port"
	lSize      = "size"
	lState     = "state"
	lTimeout   = "timeout"
)

const (
	// DefaultCommandTimeout bounds waits for state changes and port commands.
	DefaultCommandTimeout = 1000 * time.Millisecond

	submitAttempts   = 5
	submitRetryDelay = 2 * time.Millisecond
)

// Component wraps one hardware component handle.
type Component struct {
	core Core
	name string
	log  zerolog.Logger

	// handleLock guards the handle, the discovered ports and the buffer lists.
	handleLock    sync.Mutex
	handle        Handle
	inPort        int
	outPort       int
	inputBuffers  []*BufferHeader
	outputBuffers []*BufferHeader
	inputBufSize  int

	inputQueue  *bufferQueue
	outputQueue *bufferQueue
	events      *eventLog

	flushing atomic.Bool
	eos      atomic.Bool

	// CommandTimeout bounds every wait issued internally (state changes,
	// port enable/disable, flushes).
	CommandTimeout time.Duration
}

// NewComponent returns an uninitialized component for the given role name.
func NewComponent(core Core, name string, logger *zerolog.Logger) *Component {
	return &Component{
		core:    core,
		name:    name,
		log:     logger.With().Str("pkg", "omx").Str(lComponent, name).Logger(),
		inPort:  -1,
		outPort: -1,

		inputQueue:  newBufferQueue(),
		outputQueue: newBufferQueue(),
		events:      newEventLog(),

		CommandTimeout: DefaultCommandTimeout,
	}
}

// componentCallbacks adapts a Component to the Callbacks interface without
// exporting the methods on Component itself.
type componentCallbacks struct {
	c *Component
}

func (cb componentCallbacks) EventNotify(ev Event) {
	c := cb.c

	if ev.Type == EventBufferFlag && BufferFlags(ev.Data2).Has(BufferFlagEOS) {
		c.eos.Store(true)
	}

	c.log.Trace().Stringer(lEvent, ev.Type).Int(lData1, ev.Data1).Int(lData2, ev.Data2).
		Msg("event")
	c.events.Add(ev)
}

func (cb componentCallbacks) InputBufferReturned(buf *BufferHeader) {
	buf.inHardware.Store(false)
	cb.c.inputQueue.Push(buf)
}

func (cb componentCallbacks) OutputBufferFilled(buf *BufferHeader) {
	buf.inHardware.Store(false)
	cb.c.outputQueue.Push(buf)
}

// Name returns the component role name.
func (c *Component) Name() string {
	return c.name
}

// Handle returns the hardware handle, or zero if not initialized.
func (c *Component) Handle() Handle {
	c.handleLock.Lock()
	defer c.handleLock.Unlock()

	return c.handle
}

// Initialized reports whether the component holds a hardware handle.
func (c *Component) Initialized() bool {
	return c.Handle() != 0
}

// InputPort returns the first input port, or -1.
func (c *Component) InputPort() int {
	c.handleLock.Lock()
	defer c.handleLock.Unlock()

	return c.inPort
}

// OutputPort returns the first output port, or -1.
func (c *Component) OutputPort() int {
	c.handleLock.Lock()
	defer c.handleLock.Unlock()

	return c.outPort
}

// Initialize acquires the hardware handle, discovers the ports and disables
// all of them so that buffers can be allocated or tunnels set up explicitly.
func (c *Component) Initialize() error {
	c.handleLock.Lock()

	if c.handle != 0 {
		c.handleLock.Unlock()

		return nil
	}

	c.events.Reset()
	c.eos.Store(false)
	c.flushing.Store(false)

	h, err := c.core.GetHandle(c.name, componentCallbacks{c})
	if err != nil {
		c.handleLock.Unlock()

		return &HardwareError{Component: c.name, Op: "GetHandle", Port: PortAll, Code: codeOf(err)}
	}

	c.handle = h

	ports, err := c.core.Ports(h)
	if err != nil {
		c.handleLock.Unlock()

		return &HardwareError{Component: c.name, Op: "Ports", Port: PortAll, Code: codeOf(err)}
	}

	for _, p := range ports {
		def, err := c.core.GetPortDefinition(h, p)
		if err != nil {
			c.handleLock.Unlock()

			return &HardwareError{Component: c.name, Op: "GetPortDefinition", Port: p, Code: codeOf(err)}
		}

		switch {
		case def.Dir == DirInput && c.inPort < 0:
			c.inPort = p
		case def.Dir == DirOutput && c.outPort < 0:
			c.outPort = p
		}
	}
	c.handleLock.Unlock()

	c.log.Debug().Int(lInPort, c.inPort).Int(lOutPort, c.outPort).Msg("component initialized")

	for _, p := range ports {
		if err := c.DisablePort(p, true); err != nil {
			return err
		}
	}

	return nil
}

// Deinitialize flushes, frees every buffer, walks the component back to
// Loaded and releases the handle. Calling it again is a no-op. Failures are
// logged and teardown continues; the first one is returned.
func (c *Component) Deinitialize() error {
	if !c.Initialized() {
		return nil
	}

	var firstErr error

	keep := func(err error) {
		if err != nil {
			c.log.Info().Err(err).Msg("deinitialize step failed")

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.SetFlushing(true)
	keep(c.FlushAll())
	keep(c.FreeOutputBuffers())
	keep(c.FreeInputBuffers())

	if st, err := c.State(); err == nil {
		if st == StateExecuting || st == StatePaused {
			keep(c.SetState(StateIdle))
		}

		if st != StateLoaded {
			keep(c.SetState(StateLoaded))
		}
	}

	c.handleLock.Lock()
	h := c.handle
	c.handle = 0
	c.inPort, c.outPort = -1, -1
	c.handleLock.Unlock()

	if err := c.core.FreeHandle(h); err != nil {
		keep(&HardwareError{Component: c.name, Op: "FreeHandle", Port: PortAll, Code: codeOf(err)})
	}

	c.events.Reset()
	c.inputQueue.Clear()
	c.outputQueue.Clear()
	c.flushing.Store(false)

	c.log.Debug().Msg("component deinitialized")

	return firstErr
}

// State queries the current hardware state.
func (c *Component) State() (State, error) {
	h := c.Handle()
	if h == 0 {
		return StateInvalid, ErrNotInitialized
	}

	st, err := c.core.GetState(h)
	if err != nil {
		return StateInvalid, &HardwareError{Component: c.name, Op: "GetState", Port: PortAll, Code: codeOf(err)}
	}

	return st, nil
}

// SetState requests a state change and waits for it to complete.
// Requesting the current state is a successful no-op.
func (c *Component) SetState(state State) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	cur, err := c.State()
	if err != nil {
		return err
	}

	if cur == state {
		return nil
	}

	if err := c.core.SendCommand(h, CommandStateSet, int(state)); err != nil {
		code := codeOf(err)
		if code == ErrorSameState {
			return nil
		}

		return &HardwareError{Component: c.name, Op: "SetState " + state.String(), Port: PortAll, Code: code}
	}

	if err := c.WaitForCommand(CommandStateSet, int(state), c.CommandTimeout); err != nil {
		return err
	}

	c.log.Debug().Stringer(lState, state).Msg("state changed")

	return nil
}

// SendCommand issues a raw command without waiting for completion.
func (c *Component) SendCommand(cmd Command, param int) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	if err := c.core.SendCommand(h, cmd, param); err != nil {
		return &HardwareError{Component: c.name, Op: cmd.String(), Port: param, Code: codeOf(err)}
	}

	return nil
}

// WaitForEvent waits for any event of the given type.
func (c *Component) WaitForEvent(typ EventType, timeout time.Duration) error {
	return c.waitEvent(func(ev Event) bool { return ev.Type == typ }, typ.String(), timeout)
}

// WaitForEventData waits for an event of the given type whose first datum
// (usually the port) equals data1.
func (c *Component) WaitForEventData(typ EventType, data1 int, timeout time.Duration) error {
	return c.waitEvent(func(ev Event) bool { return ev.Type == typ && ev.Data1 == data1 },
		fmt.Sprintf("%s(%d)", typ, data1), timeout)
}

// WaitForCommand waits for completion of exactly (cmd, param).
func (c *Component) WaitForCommand(cmd Command, param int, timeout time.Duration) error {
	return c.waitEvent(func(ev Event) bool {
		return ev.Type == EventCmdComplete && ev.Data1 == int(cmd) && ev.Data2 == param
	}, fmt.Sprintf("%s(%d)", cmd, param), timeout)
}

// waitEvent consumes the first matching entry. Any error event ends the wait
// early: SameState counts as success, everything else as failure.
func (c *Component) waitEvent(want func(Event) bool, what string, timeout time.Duration) error {
	match := func(ev Event) matchResult {
		if ev.Type == EventError {
			if ErrorCode(ev.Data1) == ErrorSameState {
				return matchDone
			}

			return matchFailed
		}

		if want(ev) {
			return matchDone
		}

		return matchNone
	}

	ev, result, ok := c.events.Wait(match, timeout)
	if !ok {
		if timeout > 0 {
			c.log.Info().Str(lEvent, what).Dur(lTimeout, timeout).Msg("wait timed out")
		}

		return &timeoutError{component: c.name, waitingFor: what}
	}

	if result == matchFailed {
		code := ErrorCode(ev.Data1)
		c.log.Info().Str(lEvent, what).Stringer(lCode, code).Msg("error event while waiting")

		return &HardwareError{Component: c.name, Op: "wait " + what, Port: ev.Data2, Code: code}
	}

	return nil
}

// portEnabled reads the enabled flag from the hardware port definition.
func (c *Component) portEnabled(h Handle, port int) (bool, error) {
	def, err := c.core.GetPortDefinition(h, port)
	if err != nil {
		return false, &HardwareError{Component: c.name, Op: "GetPortDefinition", Port: port, Code: codeOf(err)}
	}

	return def.Enabled, nil
}

// EnablePort enables port, optionally waiting for completion. Enabling an
// enabled port is a no-op.
func (c *Component) EnablePort(port int, wait bool) error {
	return c.switchPort(port, true, wait)
}

// DisablePort disables port, optionally waiting for completion. Disabling a
// disabled port is a no-op.
func (c *Component) DisablePort(port int, wait bool) error {
	return c.switchPort(port, false, wait)
}

func (c *Component) switchPort(port int, enable bool, wait bool) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	enabled, err := c.portEnabled(h, port)
	if err != nil {
		return err
	}

	if enabled == enable {
		return nil
	}

	cmd := CommandPortDisable
	if enable {
		cmd = CommandPortEnable
	}

	if err := c.core.SendCommand(h, cmd, port); err != nil {
		code := codeOf(err)
		if code.benign() {
			return nil
		}

		return &HardwareError{Component: c.name, Op: cmd.String(), Port: port, Code: code}
	}

	if !wait {
		return nil
	}

	return c.WaitForCommand(cmd, port, c.CommandTimeout)
}

// SetPortDefinition updates a port's configuration.
func (c *Component) SetPortDefinition(def PortDefinition) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	if err := c.core.SetPortDefinition(h, def); err != nil {
		return &HardwareError{Component: c.name, Op: "SetPortDefinition", Port: def.Index, Code: codeOf(err)}
	}

	return nil
}

// GetPortDefinition reads a port's configuration.
func (c *Component) GetPortDefinition(port int) (PortDefinition, error) {
	h := c.Handle()
	if h == 0 {
		return PortDefinition{}, ErrNotInitialized
	}

	def, err := c.core.GetPortDefinition(h, port)
	if err != nil {
		return PortDefinition{}, &HardwareError{Component: c.name, Op: "GetPortDefinition", Port: port, Code: codeOf(err)}
	}

	return def, nil
}

// SetParameter forwards a named parameter to the hardware.
func (c *Component) SetParameter(key string, value any) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	if err := c.core.SetParameter(h, key, value); err != nil {
		return &HardwareError{Component: c.name, Op: "SetParameter " + key, Port: PortAll, Code: codeOf(err)}
	}

	return nil
}

// GetParameter reads back a named parameter.
func (c *Component) GetParameter(key string) (any, error) {
	h := c.Handle()
	if h == 0 {
		return nil, ErrNotInitialized
	}

	v, err := c.core.GetParameter(h, key)
	if err != nil {
		return nil, &HardwareError{Component: c.name, Op: "GetParameter " + key, Port: PortAll, Code: codeOf(err)}
	}

	return v, nil
}

// FlushPort flushes one port and waits for completion. Flushing in a state
// where the hardware has nothing to flush is not an error.
func (c *Component) FlushPort(port int) error {
	h := c.Handle()
	if h == 0 || port < 0 {
		return nil
	}

	if err := c.core.SendCommand(h, CommandFlush, port); err != nil {
		code := codeOf(err)
		if code.benign() {
			return nil
		}

		return &HardwareError{Component: c.name, Op: "Flush", Port: port, Code: code}
	}

	err := c.WaitForCommand(CommandFlush, port, c.CommandTimeout)

	var hwErr *HardwareError
	if errors.As(err, &hwErr) && hwErr.Code.benign() {
		return nil
	}

	return err
}

// FlushInput flushes the input port.
func (c *Component) FlushInput() error {
	return c.FlushPort(c.InputPort())
}

// FlushOutput flushes the output port.
func (c *Component) FlushOutput() error {
	return c.FlushPort(c.OutputPort())
}

// FlushAll flushes input then output.
func (c *Component) FlushAll() error {
	if err := c.FlushInput(); err != nil {
		return err
	}

	return c.FlushOutput()
}

// SetFlushing sets or clears the flushing flag. While set, GetInputBuffer
// returns nil immediately and blocked callers are released.
func (c *Component) SetFlushing(flushing bool) {
	c.flushing.Store(flushing)
	c.inputQueue.Wake()
	c.outputQueue.Wake()
}

// Flushing reports the flushing flag.
func (c *Component) Flushing() bool {
	return c.flushing.Load()
}

// IsEOS reports whether the component has signaled end of stream.
func (c *Component) IsEOS() bool {
	return c.eos.Load()
}

// ResetEOS clears the end-of-stream flag.
func (c *Component) ResetEOS() {
	c.eos.Store(false)
}

// AllocInputBuffers allocates count buffers of size bytes on the input port,
// enables it and queues the buffers for GetInputBuffer.
func (c *Component) AllocInputBuffers(count int, size int) error {
	port := c.InputPort()
	if port < 0 {
		return &HardwareError{Component: c.name, Op: "AllocInputBuffers", Port: PortAll, Code: ErrorBadParameter}
	}

	bufs, err := c.allocBuffers(port, count, size, c.inputQueue)
	if err != nil {
		return err
	}

	c.handleLock.Lock()
	c.inputBuffers = bufs
	c.inputBufSize = size
	c.handleLock.Unlock()

	return nil
}

// AllocOutputBuffers allocates count buffers of size bytes on the output
// port, enables it and hands them to the hardware to fill.
func (c *Component) AllocOutputBuffers(count int, size int) error {
	port := c.OutputPort()
	if port < 0 {
		return &HardwareError{Component: c.name, Op: "AllocOutputBuffers", Port: PortAll, Code: ErrorBadParameter}
	}

	bufs, err := c.allocBuffers(port, count, size, nil)
	if err != nil {
		return err
	}

	c.handleLock.Lock()
	c.outputBuffers = bufs
	c.handleLock.Unlock()

	for _, buf := range bufs {
		if err := c.FillThisBuffer(buf); err != nil {
			return err
		}
	}

	return nil
}

func (c *Component) allocBuffers(port int, count int, size int, queue *bufferQueue) ([]*BufferHeader, error) {
	h := c.Handle()
	if h == 0 {
		return nil, ErrNotInitialized
	}

	def, err := c.GetPortDefinition(port)
	if err != nil {
		return nil, err
	}

	def.BufferCountActual = max(count, def.BufferCountMin)
	if size > 0 {
		def.BufferSize = size
	}

	if err := c.SetPortDefinition(def); err != nil {
		return nil, err
	}

	wasEnabled := def.Enabled

	if err := c.EnablePort(port, false); err != nil {
		return nil, err
	}

	bufs := make([]*BufferHeader, 0, def.BufferCountActual)

	for i := 0; i < def.BufferCountActual; i++ {
		buf, err := c.core.AllocateBuffer(h, port, def.BufferSize)
		if err != nil {
			c.log.Info().Int(lPort, port).Int(lCount, i).Int(lSize, def.BufferSize).Err(err).
				Msg("buffer allocation failed")

			for _, b := range bufs {
				_ = c.core.FreeBuffer(h, port, b)
			}

			return nil, fmt.Errorf("%s: allocating buffer %d on port %d: %w", c.name, i, port, ErrResourceExhausted)
		}

		buf.Port = port
		bufs = append(bufs, buf)

		if queue != nil {
			queue.Push(buf)
		}
	}

	if !wasEnabled {
		if err := c.WaitForCommand(CommandPortEnable, port, c.CommandTimeout); err != nil {
			return nil, err
		}
	}

	c.log.Debug().Int(lPort, port).Int(lCount, len(bufs)).Int(lSize, def.BufferSize).
		Msg("buffers allocated")

	return bufs, nil
}

// FreeInputBuffers disables the input port and frees its buffers.
func (c *Component) FreeInputBuffers() error {
	c.handleLock.Lock()
	bufs := c.inputBuffers
	c.inputBuffers = nil
	c.handleLock.Unlock()

	err := c.freeBuffers(c.InputPort(), bufs)
	c.inputQueue.Clear()

	return err
}

// FreeOutputBuffers disables the output port and frees its buffers.
func (c *Component) FreeOutputBuffers() error {
	c.handleLock.Lock()
	bufs := c.outputBuffers
	c.outputBuffers = nil
	c.handleLock.Unlock()

	err := c.freeBuffers(c.OutputPort(), bufs)
	c.outputQueue.Clear()

	return err
}

func (c *Component) freeBuffers(port int, bufs []*BufferHeader) error {
	h := c.Handle()
	if h == 0 || port < 0 || len(bufs) == 0 {
		return nil
	}

	enabled, err := c.portEnabled(h, port)
	if err != nil {
		return err
	}

	if err := c.DisablePort(port, false); err != nil {
		return err
	}

	var firstErr error

	for _, buf := range bufs {
		if err := c.core.FreeBuffer(h, port, buf); err != nil && firstErr == nil {
			firstErr = &HardwareError{Component: c.name, Op: "FreeBuffer", Port: port, Code: codeOf(err)}
		}
	}

	if enabled {
		if err := c.WaitForCommand(CommandPortDisable, port, c.CommandTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// GetInputBuffer takes an empty input buffer, waiting up to timeout for one to
// be returned by the hardware. It returns nil on timeout or while flushing.
func (c *Component) GetInputBuffer(timeout time.Duration) *BufferHeader {
	if c.flushing.Load() {
		return nil
	}

	buf := c.inputQueue.Pop(timeout, c.flushing.Load)
	if buf == nil {
		if !c.flushing.Load() {
			c.log.Debug().Dur(lTimeout, timeout).Msg("no input buffer before timeout")
		}

		return nil
	}

	buf.Reset()

	return buf
}

// GetOutputBuffer takes a buffer the hardware has filled, waiting up to timeout.
func (c *Component) GetOutputBuffer(timeout time.Duration) *BufferHeader {
	return c.outputQueue.Pop(timeout, c.flushing.Load)
}

// GetInputBufferSpace returns the bytes available in free input buffers.
func (c *Component) GetInputBufferSpace() int {
	c.handleLock.Lock()
	size := c.inputBufSize
	c.handleLock.Unlock()

	return c.inputQueue.Len() * size
}

// InputBufferCount returns how many input buffers are allocated.
func (c *Component) InputBufferCount() int {
	c.handleLock.Lock()
	defer c.handleLock.Unlock()

	return len(c.inputBuffers)
}

// InputBufferSize returns the size of each input buffer.
func (c *Component) InputBufferSize() int {
	c.handleLock.Lock()
	defer c.handleLock.Unlock()

	return c.inputBufSize
}

// EmptyThisBuffer hands a filled input buffer to the hardware. Transient
// refusals are retried a few times; on failure the buffer is returned to the
// free queue so that it is not lost.
func (c *Component) EmptyThisBuffer(buf *BufferHeader) error {
	return c.submit(buf, "EmptyThisBuffer", c.core.EmptyThisBuffer, c.inputQueue)
}

// FillThisBuffer hands an empty output buffer to the hardware.
func (c *Component) FillThisBuffer(buf *BufferHeader) error {
	return c.submit(buf, "FillThisBuffer", c.core.FillThisBuffer, c.outputQueue)
}

func (c *Component) submit(buf *BufferHeader, op string, call func(Handle, *BufferHeader) error,
	home *bufferQueue,
) error {
	h := c.Handle()
	if h == 0 {
		return ErrNotInitialized
	}

	if !buf.inHardware.CompareAndSwap(false, true) {
		return &HardwareError{Component: c.name, Op: op, Port: buf.Port, Code: ErrorBadParameter}
	}

	var err error

	for attempt := 1; attempt <= submitAttempts; attempt++ {
		err = call(h, buf)
		if err == nil {
			return nil
		}

		if !codeOf(err).transient() {
			break
		}

		c.log.Debug().Str("op", op).Int(lAttempt, attempt).Err(err).Msg("submit refused, retrying")
		time.Sleep(submitRetryDelay)
	}

	buf.inHardware.Store(false)
	home.Push(buf)

	return &HardwareError{Component: c.name, Op: op, Port: buf.Port, Code: codeOf(err)}
}
