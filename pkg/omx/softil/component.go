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

package softil

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

const (
	// tunnelDepth is how many chunks a tunneled input port queues.
	tunnelDepth = 8
	// maxPending is how many processed chunks an output port may hold while
	// it has nowhere to send them. Input processing stalls beyond this.
	maxPending = 16
)

type port struct {
	def     omx.PortDefinition
	buffers map[*omx.BufferHeader]struct{}
	held    []*omx.BufferHeader // client buffers the component currently owns

	pendingEnable  bool
	pendingDisable bool

	peer     *component
	peerPort int

	inbound         []Chunk // input side of a tunnel
	pending         []Chunk // output waiting for a destination
	settingsChanged bool
}

func (p *port) populated() bool {
	return p.peer != nil || (p.def.BufferCountActual > 0 && len(p.buffers) >= p.def.BufferCountActual)
}

type component struct {
	core   *Core
	handle omx.Handle
	role   string
	spec   roleSpec
	cb     omx.Callbacks
	log    zerolog.Logger

	lock          sync.Mutex
	state         omx.State
	target        omx.State
	transitioning bool
	ports         map[int]*port
	order         []int
	in            *port
	out           *port
	params        Params
	processor     Processor
	commands      []command

	kickC chan struct{}
	quitC chan struct{}
	doneC chan struct{}
}

type command struct {
	cmd   omx.Command
	param int
}

// notifier collects callbacks to run once the component lock is released.
type notifier struct {
	fns []func()
}

func (n *notifier) add(fn func()) {
	n.fns = append(n.fns, fn)
}

func (n *notifier) fire() {
	for _, fn := range n.fns {
		fn()
	}
}

func newComponent(core *Core, h omx.Handle, role string, spec roleSpec, cb omx.Callbacks) *component {
	c := &component{
		core:   core,
		handle: h,
		role:   role,
		spec:   spec,
		cb:     cb,
		log:    core.log.With().Str(lRole, role).Uint32(lHandle, uint32(h)).Logger(),
		state:  omx.StateLoaded,
		ports:  make(map[int]*port, len(spec.ports)),
		params: make(Params),
		kickC:  make(chan struct{}, 1),
		quitC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}

	for _, ps := range spec.ports {
		p := &port{
			def: omx.PortDefinition{
				Index:             ps.index,
				Dir:               ps.dir,
				Enabled:           true,
				BufferCountMin:    ps.countMin,
				BufferCountActual: ps.countMin,
				BufferSize:        ps.bufferSize,
			},
			buffers: make(map[*omx.BufferHeader]struct{}),
		}
		c.ports[ps.index] = p
		c.order = append(c.order, ps.index)

		if ps.dir == omx.DirInput && c.in == nil {
			c.in = p
		}

		if ps.dir == omx.DirOutput && c.out == nil {
			c.out = p
		}
	}

	slices.Sort(c.order)

	return c
}

func (c *component) kick() {
	select {
	case c.kickC <- struct{}{}:
	default:
	}
}

func (c *component) run() {
	defer close(c.doneC)

	for {
		select {
		case <-c.quitC:
			return
		case <-c.kickC:
		}

		c.step()
	}
}

// step runs queued commands, completes whatever became complete, and moves
// data. Callbacks fire after the lock is dropped.
func (c *component) step() {
	var n notifier

	c.lock.Lock()
	c.runCommandsLocked(&n)
	c.checkPendingLocked(&n)
	c.pumpLocked(&n)
	c.lock.Unlock()

	n.fire()
}

// shutdown stops the driver, unbinds tunnel peers and releases the processor.
// It returns the number of buffers that were still allocated.
func (c *component) shutdown() int {
	close(c.quitC)
	<-c.doneC

	c.lock.Lock()

	type binding struct {
		peer *component
		port int
	}

	var peers []binding

	freed := 0

	for _, p := range c.ports {
		if p.peer != nil {
			peers = append(peers, binding{p.peer, p.peerPort})
			p.peer = nil
		}

		freed += len(p.buffers)
		p.buffers = nil
		p.held = nil
	}

	proc := c.processor
	c.processor = nil
	c.lock.Unlock()

	for _, b := range peers {
		_ = b.peer.unbind(b.port)
	}

	if proc != nil {
		if err := proc.Close(); err != nil {
			c.log.Info().Err(err).Msg("processor close failed")
		}
	}

	c.log.Debug().Msg("handle freed")

	return freed
}

func (c *component) eventLocked(n *notifier, ev omx.Event) {
	cb := c.cb
	n.add(func() { cb.EventNotify(ev) })
}

func (c *component) completeLocked(n *notifier, cmd omx.Command, param int) {
	c.eventLocked(n, omx.Event{Type: omx.EventCmdComplete, Data1: int(cmd), Data2: param})
}

func (c *component) errorLocked(n *notifier, code omx.ErrorCode, param int) {
	c.eventLocked(n, omx.Event{Type: omx.EventError, Data1: int(code), Data2: param})
}

func (c *component) sendCommand(cmd omx.Command, param int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch cmd {
	case omx.CommandStateSet:
		if c.transitioning {
			return omx.ErrorNotReady
		}
	case omx.CommandFlush:
		if c.state == omx.StateLoaded {
			return omx.ErrorIncorrectStateOperation
		}

		fallthrough
	case omx.CommandPortEnable, omx.CommandPortDisable:
		if _, ok := c.ports[param]; !ok && param != omx.PortAll {
			return omx.ErrorBadParameter
		}
	default:
		return omx.ErrorNotImplemented
	}

	c.commands = append(c.commands, command{cmd, param})
	c.kick()

	return nil
}

func (c *component) portsFor(param int) []*port {
	if param != omx.PortAll {
		return []*port{c.ports[param]}
	}

	ports := make([]*port, 0, len(c.order))
	for _, idx := range c.order {
		ports = append(ports, c.ports[idx])
	}

	return ports
}

func (c *component) runCommandsLocked(n *notifier) {
	cmds := c.commands
	c.commands = nil

	for _, cmd := range cmds {
		switch cmd.cmd {
		case omx.CommandStateSet:
			c.setStateLocked(n, omx.State(cmd.param))
		case omx.CommandFlush:
			for _, p := range c.portsFor(cmd.param) {
				c.flushPortLocked(n, p)
				c.completeLocked(n, omx.CommandFlush, p.def.Index)
			}
		case omx.CommandPortEnable:
			for _, p := range c.portsFor(cmd.param) {
				p.def.Enabled = true
				p.pendingEnable = true
				p.pendingDisable = false
			}
		case omx.CommandPortDisable:
			for _, p := range c.portsFor(cmd.param) {
				c.flushPortLocked(n, p)
				p.def.Enabled = false
				p.pendingDisable = true
				p.pendingEnable = false
			}
		}
	}
}

func validTransition(from, to omx.State) bool {
	switch from {
	case omx.StateLoaded:
		return to == omx.StateIdle || to == omx.StateWaitForResources
	case omx.StateIdle:
		return to == omx.StateLoaded || to == omx.StateExecuting || to == omx.StatePaused
	case omx.StateExecuting:
		return to == omx.StateIdle || to == omx.StatePaused
	case omx.StatePaused:
		return to == omx.StateIdle || to == omx.StateExecuting
	case omx.StateWaitForResources:
		return to == omx.StateLoaded || to == omx.StateIdle
	}

	return false
}

func (c *component) setStateLocked(n *notifier, target omx.State) {
	if target == c.state {
		c.errorLocked(n, omx.ErrorSameState, 0)

		return
	}

	if !validTransition(c.state, target) {
		c.log.Debug().Stringer(lState, c.state).Stringer("target", target).Msg("rejected state transition")
		c.errorLocked(n, omx.ErrorIncorrectStateTransition, 0)

		return
	}

	if target == omx.StateExecuting && c.processor == nil && !c.spec.sink {
		factory := c.core.factory(c.role)

		proc, err := factory(c.params)
		if err != nil {
			c.log.Info().Err(err).Msg("processor setup failed")
			c.errorLocked(n, omx.ErrorInsufficientResources, 0)

			return
		}

		c.processor = proc
	}

	if target == omx.StateIdle && (c.state == omx.StateExecuting || c.state == omx.StatePaused) {
		for _, idx := range c.order {
			c.flushPortLocked(n, c.ports[idx])
		}
	}

	c.target = target
	c.transitioning = true
}

func (c *Core) factory(role string) ProcessorFactory {
	c.lock.Lock()
	defer c.lock.Unlock()

	if f, ok := c.factories[role]; ok {
		return f
	}

	return NewPassthrough
}

func (c *Core) presenterFunc() Presenter {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.presenter
}

// flushPortLocked hands every held buffer back to the client and drops
// queued data on p.
func (c *component) flushPortLocked(n *notifier, p *port) {
	cb := c.cb

	for _, buf := range p.held {
		buf.FilledLen = 0
		buf.Offset = 0

		if p.def.Dir == omx.DirInput {
			n.add(func() { cb.InputBufferReturned(buf) })
		} else {
			n.add(func() { cb.OutputBufferFilled(buf) })
		}
	}

	p.held = nil
	p.pending = nil

	if p.def.Dir == omx.DirInput {
		p.inbound = nil

		if c.processor != nil && p == c.in {
			c.processor.Flush()
		}

		if p.peer != nil {
			p.peer.kick()
		}
	}
}

func (c *component) checkPendingLocked(n *notifier) {
	if c.transitioning {
		done := true

		switch {
		case c.state == omx.StateLoaded && c.target == omx.StateIdle:
			for _, p := range c.ports {
				if p.def.Enabled && !p.populated() {
					done = false
				}
			}
		case c.target == omx.StateLoaded:
			for _, p := range c.ports {
				if len(p.buffers) > 0 {
					done = false
				}
			}
		}

		if done {
			c.log.Debug().Stringer("from", c.state).Stringer(lState, c.target).Msg("state changed")
			c.state = c.target
			c.transitioning = false
			c.completeLocked(n, omx.CommandStateSet, int(c.state))
			c.kickUpstreamLocked()
		}
	}

	for _, idx := range c.order {
		p := c.ports[idx]

		if p.pendingEnable && (c.state == omx.StateLoaded || p.populated()) {
			p.pendingEnable = false
			p.settingsChanged = false
			c.completeLocked(n, omx.CommandPortEnable, idx)
			c.kickUpstreamLocked()
		}

		if p.pendingDisable && len(p.buffers) == 0 {
			p.pendingDisable = false
			c.completeLocked(n, omx.CommandPortDisable, idx)
		}
	}
}

// kickUpstreamLocked wakes the components feeding our tunneled inputs so
// they retry deliveries refused earlier.
func (c *component) kickUpstreamLocked() {
	for _, p := range c.ports {
		if p.def.Dir == omx.DirInput && p.peer != nil {
			p.peer.kick()
		}
	}
}

// pumpLocked moves data while executing: deliver what is pending on the
// output, then process the next input.
func (c *component) pumpLocked(n *notifier) {
	if c.processor == nil && !c.spec.sink {
		return
	}

	for c.state == omx.StateExecuting && !c.transitioning {
		c.drainLocked(n)

		if c.out != nil && len(c.out.pending) >= maxPending {
			return
		}

		in := c.in
		if in == nil || !in.def.Enabled {
			return
		}

		var (
			chunk Chunk
			buf   *omx.BufferHeader
		)

		switch {
		case len(in.held) > 0:
			buf = in.held[0]
			in.held = in.held[1:]

			data := make([]byte, buf.FilledLen)
			copy(data, buf.Payload())
			chunk = Chunk{Data: data, PTS: buf.PTS, Flags: buf.Flags}
		case len(in.inbound) > 0:
			chunk = in.inbound[0]
			in.inbound = in.inbound[1:]

			if in.peer != nil {
				in.peer.kick()
			}
		default:
			return
		}

		c.processLocked(n, chunk)

		if buf != nil {
			buf.FilledLen = 0
			cb := c.cb
			n.add(func() { cb.InputBufferReturned(buf) })
		}
	}
}

func (c *component) processLocked(n *notifier, chunk Chunk) {
	if c.spec.sink {
		if present := c.core.presenterFunc(); present != nil && len(chunk.Data) > 0 {
			role := c.role
			n.add(func() { present(role, chunk) })
		}

		if chunk.Flags.Has(omx.BufferFlagEOS) {
			c.eventLocked(n, omx.Event{Type: omx.EventBufferFlag, Data1: c.in.def.Index, Data2: int(chunk.Flags)})
		}

		return
	}

	outs, err := c.processor.Process(chunk)
	if err != nil {
		c.log.Debug().Err(err).Msg("processing failed")
		c.errorLocked(n, omx.ErrorStreamCorrupt, c.in.def.Index)
	}

	if c.out == nil {
		return
	}

	if fr, ok := c.processor.(FormatReporter); ok {
		if f, ok := fr.Format(); ok && f != c.out.def.Format {
			c.out.def.Format = f

			// An untunneled port holds its output until the client has
			// reconfigured it.
			if c.out.peer == nil {
				c.out.settingsChanged = true
			}

			c.log.Debug().Int(lPort, c.out.def.Index).Interface("format", f).Msg("port settings changed")
			c.eventLocked(n, omx.Event{Type: omx.EventPortSettingsChanged, Data1: c.out.def.Index})
		}
	}

	if chunk.Flags.Has(omx.BufferFlagEOS) {
		if len(outs) > 0 {
			outs[len(outs)-1].Flags |= omx.BufferFlagEOS
		} else {
			outs = append(outs, Chunk{PTS: chunk.PTS, Flags: omx.BufferFlagEOS})
		}
	}

	c.out.pending = append(c.out.pending, outs...)
}

// drainLocked delivers pending output to the tunnel peer or to client buffers.
func (c *component) drainLocked(n *notifier) {
	out := c.out
	if out == nil {
		return
	}

	cb := c.cb

	for len(out.pending) > 0 && out.def.Enabled && !out.pendingEnable && !out.settingsChanged {
		chunk := out.pending[0]

		switch {
		case out.peer != nil:
			if !out.peer.accept(out.peerPort, chunk) {
				return
			}
		case len(out.held) > 0:
			buf := out.held[0]
			out.held = out.held[1:]

			buf.Fill(chunk.Data)
			buf.PTS = chunk.PTS
			buf.Flags = chunk.Flags
			n.add(func() { cb.OutputBufferFilled(buf) })
		default:
			return
		}

		out.pending[0] = Chunk{}
		out.pending = out.pending[1:]
	}
}

// accept queues chunk on a tunneled input port. It is called with the
// sending component's lock held; locks are always taken upstream first.
func (c *component) accept(idx int, chunk Chunk) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[idx]
	if !ok || !p.def.Enabled || p.pendingEnable || len(p.inbound) >= tunnelDepth || c.state == omx.StateLoaded {
		return false
	}

	p.inbound = append(p.inbound, chunk)
	c.kick()

	return true
}

func (c *component) allocateBuffer(idx int, size int) (*omx.BufferHeader, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[idx]
	if !ok {
		return nil, omx.ErrorBadParameter
	}

	if p.peer != nil {
		return nil, omx.ErrorIncorrectStateOperation
	}

	if len(p.buffers) >= p.def.BufferCountActual {
		return nil, omx.ErrorInsufficientResources
	}

	if size <= 0 {
		size = p.def.BufferSize
	}

	buf := &omx.BufferHeader{Data: make([]byte, size), Port: idx}
	p.buffers[buf] = struct{}{}
	c.kick()

	return buf, nil
}

func (c *component) freeBuffer(idx int, buf *omx.BufferHeader) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[idx]
	if !ok {
		return omx.ErrorBadParameter
	}

	if _, ok := p.buffers[buf]; !ok {
		return omx.ErrorBadParameter
	}

	delete(p.buffers, buf)

	for i, b := range p.held {
		if b == buf {
			p.held = append(p.held[:i], p.held[i+1:]...)

			break
		}
	}

	c.kick()

	return nil
}

func (c *component) queueBuffer(buf *omx.BufferHeader, dir omx.Direction) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[buf.Port]
	if !ok || p.def.Dir != dir {
		return omx.ErrorBadParameter
	}

	if _, ok := p.buffers[buf]; !ok {
		return omx.ErrorBadParameter
	}

	if c.transitioning {
		return omx.ErrorNotReady
	}

	if c.state != omx.StateExecuting && c.state != omx.StatePaused && c.state != omx.StateIdle {
		return omx.ErrorIncorrectStateOperation
	}

	if !p.def.Enabled {
		return omx.ErrorIncorrectStateOperation
	}

	p.held = append(p.held, buf)
	c.kick()

	return nil
}

func (c *component) checkBindable(idx int, dir omx.Direction) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[idx]
	if !ok || p.def.Dir != dir {
		return omx.ErrorBadParameter
	}

	if p.def.Enabled && c.state != omx.StateLoaded {
		return omx.ErrorIncorrectStateOperation
	}

	return nil
}

func (c *component) bind(idx int, peer *component, peerPort int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	p := c.ports[idx]
	p.peer = peer
	p.peerPort = peerPort
	p.inbound = nil
}

func (c *component) unbind(idx int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	p, ok := c.ports[idx]
	if !ok {
		return omx.ErrorBadParameter
	}

	p.peer = nil
	p.inbound = nil

	return nil
}
