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

// Package softil is a software implementation of the IL core. Every
// component runs a driver goroutine that owns its state machine, moves data
// through a Processor, and raises callbacks the way a hardware driver would.
package softil

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

const (
	lHandle = "handle"
	lKey    = "key"
	lPort   = "port"
	lRole   = "role"
	lState  = "state"
)

// Parameter keys understood by the built-in roles.
const (
	ParamFormat = "format"
	ParamVolume = "volume"
	ParamHints  = "hints"
)

// Component role names.
const (
	RoleVideoDecode    = "video_decode"
	RoleAudioDecode    = "audio_decode"
	RoleVideoRender    = "video_render"
	RoleAudioRender    = "audio_render"
	RoleVideoScheduler = "video_scheduler"
)

type portSpec struct {
	index      int
	dir        omx.Direction
	countMin   int
	bufferSize int
}

type roleSpec struct {
	ports []portSpec
	sink  bool
}

var roles = map[string]roleSpec{
	RoleVideoDecode: {ports: []portSpec{
		{index: 130, dir: omx.DirInput, countMin: 1, bufferSize: 80 * 1024},
		{index: 131, dir: omx.DirOutput, countMin: 1, bufferSize: 1 << 20},
	}},
	RoleAudioDecode: {ports: []portSpec{
		{index: 120, dir: omx.DirInput, countMin: 1, bufferSize: 16 * 1024},
		{index: 121, dir: omx.DirOutput, countMin: 1, bufferSize: 64 * 1024},
	}},
	RoleVideoScheduler: {ports: []portSpec{
		{index: 10, dir: omx.DirInput, countMin: 1, bufferSize: 1 << 20},
		{index: 11, dir: omx.DirOutput, countMin: 1, bufferSize: 1 << 20},
	}},
	RoleVideoRender: {sink: true, ports: []portSpec{
		{index: 90, dir: omx.DirInput, countMin: 1, bufferSize: 1 << 20},
	}},
	RoleAudioRender: {sink: true, ports: []portSpec{
		{index: 100, dir: omx.DirInput, countMin: 1, bufferSize: 64 * 1024},
	}},
}

// Core is a software IL core.
type Core struct {
	log zerolog.Logger

	lock        sync.Mutex
	next        omx.Handle
	components  map[omx.Handle]*component
	factories   map[string]ProcessorFactory
	presenter   Presenter
	bufferLimit int
	allocated   int
}

// New returns a core whose decode roles pass data through unchanged until
// SetProcessorFactory says otherwise.
func New(logger *zerolog.Logger) *Core {
	return &Core{
		log:        logger.With().Str("pkg", "softil").Logger(),
		components: make(map[omx.Handle]*component),
		factories: map[string]ProcessorFactory{
			RoleVideoDecode:    NewPassthrough,
			RoleAudioDecode:    NewPassthrough,
			RoleVideoScheduler: NewPassthrough,
		},
	}
}

// SetProcessorFactory replaces the processor used by components of role.
// It affects components that have not started executing yet.
func (c *Core) SetProcessorFactory(role string, f ProcessorFactory) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.factories[role] = f
}

// SetPresenter installs the callback invoked for every chunk reaching a sink.
func (c *Core) SetPresenter(p Presenter) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.presenter = p
}

// SetBufferLimit caps the number of buffers that may be allocated across all
// components. Zero means no limit.
func (c *Core) SetBufferLimit(n int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.bufferLimit = n
}

// Components returns the number of live handles.
func (c *Core) Components() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.components)
}

func (c *Core) get(h omx.Handle) (*component, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	comp, ok := c.components[h]
	if !ok {
		return nil, omx.ErrorBadParameter
	}

	return comp, nil
}

func (c *Core) GetHandle(name string, cb omx.Callbacks) (omx.Handle, error) {
	spec, ok := roles[name]
	if !ok {
		return 0, omx.ErrorComponentNotFound
	}

	c.lock.Lock()
	c.next++
	h := c.next
	comp := newComponent(c, h, name, spec, cb)
	c.components[h] = comp
	c.lock.Unlock()

	go comp.run()

	comp.log.Debug().Msg("handle acquired")

	return h, nil
}

func (c *Core) FreeHandle(h omx.Handle) error {
	c.lock.Lock()
	comp, ok := c.components[h]
	delete(c.components, h)
	c.lock.Unlock()

	if !ok {
		return omx.ErrorBadParameter
	}

	freed := comp.shutdown()

	c.lock.Lock()
	c.allocated -= freed
	c.lock.Unlock()

	return nil
}

func (c *Core) SendCommand(h omx.Handle, cmd omx.Command, param int) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	return comp.sendCommand(cmd, param)
}

func (c *Core) GetState(h omx.Handle) (omx.State, error) {
	comp, err := c.get(h)
	if err != nil {
		return omx.StateInvalid, err
	}

	comp.lock.Lock()
	defer comp.lock.Unlock()

	return comp.state, nil
}

func (c *Core) Ports(h omx.Handle) ([]int, error) {
	comp, err := c.get(h)
	if err != nil {
		return nil, err
	}

	ports := make([]int, 0, len(comp.ports))
	for idx := range comp.ports {
		ports = append(ports, idx)
	}

	slices.Sort(ports)

	return ports, nil
}

func (c *Core) GetPortDefinition(h omx.Handle, port int) (omx.PortDefinition, error) {
	comp, err := c.get(h)
	if err != nil {
		return omx.PortDefinition{}, err
	}

	comp.lock.Lock()
	defer comp.lock.Unlock()

	p, ok := comp.ports[port]
	if !ok {
		return omx.PortDefinition{}, omx.ErrorBadParameter
	}

	def := p.def
	def.Populated = p.populated()

	return def, nil
}

func (c *Core) SetPortDefinition(h omx.Handle, def omx.PortDefinition) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	comp.lock.Lock()
	defer comp.lock.Unlock()

	p, ok := comp.ports[def.Index]
	if !ok {
		return omx.ErrorBadParameter
	}

	if p.def.Enabled && comp.state != omx.StateLoaded {
		return omx.ErrorIncorrectStateOperation
	}

	if def.BufferCountActual < p.def.BufferCountMin || def.BufferSize <= 0 {
		return omx.ErrorBadParameter
	}

	p.def.BufferCountActual = def.BufferCountActual
	p.def.BufferSize = def.BufferSize
	p.def.Format = def.Format

	return nil
}

func (c *Core) SetParameter(h omx.Handle, key string, value any) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	comp.lock.Lock()
	defer comp.lock.Unlock()

	comp.params[key] = value
	comp.log.Trace().Str(lKey, key).Interface("value", value).Msg("parameter set")

	return nil
}

// GetParameter returns a value stored by SetParameter. Unknown keys are
// ErrorUnsupportedIndex.
func (c *Core) GetParameter(h omx.Handle, key string) (any, error) {
	comp, err := c.get(h)
	if err != nil {
		return nil, err
	}

	comp.lock.Lock()
	defer comp.lock.Unlock()

	v, ok := comp.params[key]
	if !ok {
		return nil, omx.ErrorUnsupportedIndex
	}

	return v, nil
}

func (c *Core) AllocateBuffer(h omx.Handle, port int, size int) (*omx.BufferHeader, error) {
	comp, err := c.get(h)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	if c.bufferLimit > 0 && c.allocated >= c.bufferLimit {
		c.lock.Unlock()

		return nil, omx.ErrorInsufficientResources
	}
	c.allocated++
	c.lock.Unlock()

	buf, err := comp.allocateBuffer(port, size)
	if err != nil {
		c.lock.Lock()
		c.allocated--
		c.lock.Unlock()

		return nil, err
	}

	return buf, nil
}

func (c *Core) FreeBuffer(h omx.Handle, port int, buf *omx.BufferHeader) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	if err := comp.freeBuffer(port, buf); err != nil {
		return err
	}

	c.lock.Lock()
	c.allocated--
	c.lock.Unlock()

	return nil
}

func (c *Core) EmptyThisBuffer(h omx.Handle, buf *omx.BufferHeader) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	return comp.queueBuffer(buf, omx.DirInput)
}

func (c *Core) FillThisBuffer(h omx.Handle, buf *omx.BufferHeader) error {
	comp, err := c.get(h)
	if err != nil {
		return err
	}

	return comp.queueBuffer(buf, omx.DirOutput)
}

func (c *Core) SetupTunnel(out omx.Handle, outPort int, in omx.Handle, inPort int) error {
	switch {
	case out == 0 && in == 0:
		return omx.ErrorBadParameter
	case in == 0:
		comp, err := c.get(out)
		if err != nil {
			return err
		}

		return comp.unbind(outPort)
	case out == 0:
		comp, err := c.get(in)
		if err != nil {
			return err
		}

		return comp.unbind(inPort)
	}

	src, err := c.get(out)
	if err != nil {
		return err
	}

	dst, err := c.get(in)
	if err != nil {
		return err
	}

	if err := src.checkBindable(outPort, omx.DirOutput); err != nil {
		return err
	}

	if err := dst.checkBindable(inPort, omx.DirInput); err != nil {
		return err
	}

	src.bind(outPort, dst, inPort)
	dst.bind(inPort, src, outPort)

	c.log.Debug().Str("out", src.role).Int(lPort, outPort).Str("in", dst.role).Int("inPort", inPort).
		Msg("tunnel bound")

	return nil
}
