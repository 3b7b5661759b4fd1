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

// Package demux reads encoded packets from a media input. Two backends exist:
// one over ffmpeg's demuxers and a pure-Go MPEG-TS reader. Either one is
// wrapped with Locked so the playback loop and control requests can share it.
package demux

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NoPTS marks an unknown timestamp.
const NoPTS = time.Duration(math.MinInt64)

const (
	lURL           = "url"
	lCodec         = "codec"
	lIndex         = "index"
	lType          = "type"
	lSeekTime      = "seekTime"
	lStreamTime    = "streamTime"
	lStreams       = "streams"
	lPacketCount   = "packetCount"
	lPID           = "pid"
	lInFormatFlags = "inFormatFlags"
	lMimeType      = "mimeType"
	lBackend       = "backend"
)

// StreamType tags a packet with the stage that consumes it.
type StreamType int

const (
	StreamNone StreamType = iota
	StreamAudio
	StreamVideo
	StreamSubtitle
)

var streamTypeNames = map[StreamType]string{
	StreamNone:     "none",
	StreamAudio:    "audio",
	StreamVideo:    "video",
	StreamSubtitle: "subtitle",
}

func (t StreamType) String() string {
	if s, ok := streamTypeNames[t]; ok {
		return s
	}

	return fmt.Sprintf("StreamType(%d)", int(t))
}

// ParseStreamType is the inverse of StreamType.String.
func ParseStreamType(name string) (StreamType, bool) {
	for t, s := range streamTypeNames {
		if s == name {
			return t, true
		}
	}

	return StreamNone, false
}

// Hints describe a stream well enough to configure a decoder for it.
type Hints struct {
	Codec      string
	Channels   int
	SampleRate int
	Width      int
	Height     int
	FPS        float64
	ExtraData  []byte

	// TimeBase of the stream's native timestamps, as num/den.
	TimeBaseNum int
	TimeBaseDen int
}

func (h Hints) MarshalZerologObject(e *zerolog.Event) {
	e.Str(lCodec, h.Codec)

	if h.SampleRate > 0 {
		e.Int("sampleRate", h.SampleRate).Int("channels", h.Channels)
	}

	if h.Width > 0 {
		e.Int("width", h.Width).Int("height", h.Height).Float64("fps", h.FPS)
	}
}

// Packet is one demuxed access unit. It is owned by exactly one holder at a
// time; the last holder calls Free.
type Packet struct {
	Data     []byte
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Type     StreamType
	Index    int
	Keyframe bool
	Hints    Hints
}

var packetPool = sync.Pool{
	New: func() any {
		return new(Packet)
	},
}

// NewPacket returns a packet holding a copy of data with unknown timestamps.
func NewPacket(data []byte) *Packet {
	p := packetPool.Get().(*Packet) //nolint:forcetypeassert // Pool only holds packets.
	p.Data = append(p.Data[:0], data...)
	p.PTS = NoPTS
	p.DTS = NoPTS

	return p
}

// Size is the payload size in bytes.
func (p *Packet) Size() int {
	return len(p.Data)
}

// Free returns p to the pool. p must not be used afterwards.
func (p *Packet) Free() {
	if p == nil {
		return
	}

	*p = Packet{Data: p.Data[:0]}
	packetPool.Put(p)
}

// Source is a blocking, single-consumer packet reader.
type Source interface {
	// Read returns the next packet of an active stream. It returns io.EOF at
	// the end of input and any other error on a fatal demux failure.
	Read() (*Packet, error)

	// SeekTime moves the read position to t. With backward set the position
	// lands on the closest key frame at or before t.
	SeekTime(t time.Duration, backward bool) error

	// SetActiveStream selects which stream of type t Read returns. It
	// reports false if index is out of range.
	SetActiveStream(t StreamType, index int) bool

	// GetHints returns the hints of the active stream of type t.
	GetHints(t StreamType) (Hints, bool)

	StreamCount(t StreamType) int
	Duration() time.Duration
	Close() error
}

type seekNotSupportedError struct {
	url string
}

func (e *seekNotSupportedError) Error() string {
	return fmt.Sprintf("seek not supported for %q", e.url)
}

type noStreamsError struct {
	url string
}

func (e *noStreamsError) Error() string {
	return fmt.Sprintf("no streams found in %q", e.url)
}
