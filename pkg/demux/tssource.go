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

package demux

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/rs/zerolog"
)

const tsClockRate = 90000

// Samples per access unit, used to spread timestamps over multi-frame PES.
const (
	aacFrameSamples  = 1024
	mp3FrameSamples  = 1152
	opusFrameSamples = 960
)

// TSSource demuxes MPEG-TS in pure Go. It cannot seek.
type TSSource struct {
	name string
	log  zerolog.Logger

	rc      io.ReadCloser
	reader  *mpegts.Reader
	streams *streamSet
	pending []*Packet

	// Timestamps are rebased on the first one seen.
	base    int64
	hasBase bool
	closed  bool
}

// NewTSSource reads the program tables from rc and maps every supported
// elementary stream. name is only used for logs and errors.
func NewTSSource(rc io.ReadCloser, name string, logger *zerolog.Logger) (*TSSource, error) {
	s := &TSSource{
		name:    name,
		log:     logger.With().Str(lBackend, "mpegts").Logger(),
		rc:      rc,
		reader:  &mpegts.Reader{R: rc},
		streams: newStreamSet(),
	}

	// Initialize - this reads until it finds PAT/PMT
	if err := s.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	for _, track := range s.reader.Tracks() {
		s.addTrack(track)
	}

	if s.streams.count(StreamVideo)+s.streams.count(StreamAudio) == 0 {
		return nil, &noStreamsError{url: name}
	}

	s.reader.OnDecodeError(func(err error) {
		s.log.Debug().Err(err).Str(lURL, s.name).Msg("mpegts decode error")
	})

	s.log.Info().Str(lURL, s.name).Array(lStreams, s.streams.logArray()).Msg("source setup")

	return s, nil
}

func tsHints(codec string) Hints {
	return Hints{Codec: codec, TimeBaseNum: 1, TimeBaseDen: tsClockRate}
}

func (s *TSSource) addTrack(track *mpegts.Track) {
	key := int(track.PID)

	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		st := s.streams.add(key, StreamVideo, tsHints("h264"))
		s.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return s.onVideo(st, pts, dts, au, h264.IsRandomAccess(au))
		})

	case *mpegts.CodecH265:
		st := s.streams.add(key, StreamVideo, tsHints("hevc"))
		s.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return s.onVideo(st, pts, dts, au, h265.IsRandomAccess(au))
		})

	case *mpegts.CodecMPEG4Audio:
		h := tsHints("aac")
		h.SampleRate = codec.Config.SampleRate
		h.Channels = codec.Config.ChannelCount

		if asc, err := codec.Config.Marshal(); err == nil {
			h.ExtraData = asc
		}

		st := s.streams.add(key, StreamAudio, h)
		s.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			s.onAudio(st, pts, aus, aacFrameSamples)

			return nil
		})

	case *mpegts.CodecAC3:
		h := tsHints("ac3")
		h.SampleRate = codec.SampleRate
		h.Channels = codec.ChannelCount

		st := s.streams.add(key, StreamAudio, h)
		s.reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			s.onAudio(st, pts, [][]byte{frame}, 0)

			return nil
		})

	case *mpegts.CodecMPEG1Audio:
		st := s.streams.add(key, StreamAudio, tsHints("mp3"))
		s.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			s.onAudio(st, pts, frames, mp3FrameSamples)

			return nil
		})

	case *mpegts.CodecOpus:
		h := tsHints("opus")
		h.SampleRate = 48000
		h.Channels = codec.ChannelCount

		st := s.streams.add(key, StreamAudio, h)
		s.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			s.onAudio(st, pts, packets, opusFrameSamples)

			return nil
		})

	default:
		s.log.Debug().Uint16(lPID, track.PID).Str(lCodec, fmt.Sprintf("%T", track.Codec)).
			Msg("unsupported track")
	}
}

// mediaTime converts 90 kHz ticks to media time.
func (s *TSSource) mediaTime(ticks int64) time.Duration {
	if !s.hasBase {
		s.base = ticks
		s.hasBase = true
	}

	return ticksToDuration(ticks-s.base, 1, tsClockRate)
}

func (s *TSSource) onVideo(st *streamEntry, pts, dts int64, au [][]byte, key bool) error {
	if active, _ := s.streams.activeEntry(StreamVideo); active != st || len(au) == 0 {
		return nil
	}

	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return nil //nolint:nilerr // A bad access unit is dropped, not fatal.
	}

	p := NewPacket(annexB)
	p.Type = StreamVideo
	p.Index = st.key
	p.Keyframe = key
	p.PTS = s.mediaTime(pts)
	p.DTS = s.mediaTime(dts)
	p.Hints = st.hints

	st.pktCount++
	s.pending = append(s.pending, p)

	return nil
}

// onAudio queues one packet per frame. frameSamples of 0 means every frame
// carries the PES timestamp.
func (s *TSSource) onAudio(st *streamEntry, pts int64, frames [][]byte, frameSamples int) {
	if active, _ := s.streams.activeEntry(StreamAudio); active != st {
		return
	}

	var frameTicks int64
	if frameSamples > 0 && st.hints.SampleRate > 0 {
		frameTicks = int64(frameSamples) * tsClockRate / int64(st.hints.SampleRate)
	}

	for i, frame := range frames {
		p := NewPacket(frame)
		p.Type = StreamAudio
		p.Index = st.key
		p.Keyframe = true
		p.PTS = s.mediaTime(pts + int64(i)*frameTicks)
		p.DTS = p.PTS
		p.Duration = ticksToDuration(frameTicks, 1, tsClockRate)
		p.Hints = st.hints

		st.pktCount++
		s.pending = append(s.pending, p)
	}
}

// Read returns the next packet of an active stream, reading TS packets until
// a complete access unit is available.
func (s *TSSource) Read() (*Packet, error) {
	for len(s.pending) == 0 {
		if err := s.reader.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
				return nil, io.EOF
			}

			return nil, fmt.Errorf("source: ts read failed: %w", err)
		}
	}

	p := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	return p, nil
}

// SeekTime is not supported on a TS byte stream.
func (s *TSSource) SeekTime(time.Duration, bool) error {
	return &seekNotSupportedError{url: s.name}
}

// SetActiveStream switches streams. Packets of the old stream that are
// already demuxed are dropped.
func (s *TSSource) SetActiveStream(t StreamType, index int) bool {
	if !s.streams.setActive(t, index) {
		return false
	}

	kept := s.pending[:0]

	for _, p := range s.pending {
		if p.Type == t && p.Index != s.streams.byType[t][index].key {
			p.Free()

			continue
		}

		kept = append(kept, p)
	}

	s.pending = kept

	return true
}

func (s *TSSource) GetHints(t StreamType) (Hints, bool) {
	st, ok := s.streams.activeEntry(t)
	if !ok {
		return Hints{}, false
	}

	return st.hints, true
}

func (s *TSSource) StreamCount(t StreamType) int {
	return s.streams.count(t)
}

// Duration is unknown for a TS byte stream.
func (s *TSSource) Duration() time.Duration {
	return 0
}

// Close frees queued packets and closes the underlying reader.
func (s *TSSource) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	for _, p := range s.pending {
		p.Free()
	}

	s.pending = nil

	if err := s.rc.Close(); err != nil {
		return fmt.Errorf("closing %q failed: %w", s.name, err)
	}

	return nil
}
