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
	"time"

	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

// Chunk is a unit of data moving through a software component.
type Chunk struct {
	Data  []byte
	PTS   time.Duration
	Flags omx.BufferFlags
}

// Processor transforms the data entering a component. Implementations are
// driven from a single goroutine.
type Processor interface {
	Process(in Chunk) ([]Chunk, error)
	Flush()
	Close() error
}

// FormatReporter is implemented by processors that learn their output format
// from the data. A changed format raises a port-settings-changed event.
type FormatReporter interface {
	Format() (omx.Format, bool)
}

// Params are the parameters set on a component before it starts executing.
type Params map[string]any

// ProcessorFactory builds the processor for a component on its first move to
// Executing.
type ProcessorFactory func(params Params) (Processor, error)

// Presenter receives every chunk that reaches a sink component.
type Presenter func(role string, c Chunk)

// passthrough forwards data unchanged. When a format parameter was set it
// reports that format once data starts flowing, as a decoder would after
// parsing the stream headers.
type passthrough struct {
	format  omx.Format
	known   bool
	started bool
}

// NewPassthrough returns the default processor. It honors an omx.Format
// stored under the "format" parameter.
func NewPassthrough(params Params) (Processor, error) {
	p := &passthrough{}
	if f, ok := params[ParamFormat].(omx.Format); ok {
		p.format = f
		p.known = true
	}

	return p, nil
}

func (p *passthrough) Process(in Chunk) ([]Chunk, error) {
	if len(in.Data) > 0 && !in.Flags.Has(omx.BufferFlagCodecConfig) {
		p.started = true
	}

	if in.Flags.Has(omx.BufferFlagCodecConfig) {
		return nil, nil
	}

	data := make([]byte, len(in.Data))
	copy(data, in.Data)

	return []Chunk{{Data: data, PTS: in.PTS, Flags: in.Flags}}, nil
}

func (p *passthrough) Format() (omx.Format, bool) {
	return p.format, p.known && p.started
}

func (p *passthrough) Flush() {}

func (p *passthrough) Close() error {
	return nil
}
