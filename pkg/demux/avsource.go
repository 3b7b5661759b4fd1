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

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/rs/zerolog"
)

var mediaTypeToStreamType = map[astiav.MediaType]StreamType{
	astiav.MediaTypeAudio:    StreamAudio,
	astiav.MediaTypeVideo:    StreamVideo,
	astiav.MediaTypeSubtitle: StreamSubtitle,
}

// avSource demuxes any input ffmpeg can open: files, HLS, RTSP and so on.
type avSource struct {
	url  string
	live bool
	log  zerolog.Logger

	closer    *astikit.Closer
	fc        *astiav.FormatContext
	pkt       *astiav.Packet
	streams   *streamSet
	avStreams map[int]*astiav.Stream
	startTime time.Duration
	duration  time.Duration
	closed    bool
}

// openAV opens url and discovers its streams.
func openAV(rawURL string, cfg *Config, log *zerolog.Logger) (*avSource, error) {
	s := &avSource{
		url:       rawURL,
		live:      cfg.Live,
		log:       log.With().Str(lBackend, "ffmpeg").Logger(),
		closer:    astikit.NewCloser(),
		streams:   newStreamSet(),
		avStreams: make(map[int]*astiav.Stream),
	}

	if err := s.setup(cfg); err != nil {
		_ = s.closer.Close()

		return nil, err
	}

	return s, nil
}

func (s *avSource) setup(cfg *Config) error {
	s.fc = astiav.AllocFormatContext()
	if s.fc == nil {
		return errors.New("allocating format context failed")
	}

	s.closer.Add(s.fc.Free)

	optsDict := astiav.NewDictionary()
	defer optsDict.Free()

	// This flag should only be needed for hls streams, but it doesn't hurt to set it.
	// Start at the last segment (most recent) for live streams.
	if err := optsDict.Set("live_start_index", "-1", astiav.DictionaryFlags(0)); err != nil {
		return fmt.Errorf("setting live_start_index failed: %w", err)
	}

	if s.live {
		if err := optsDict.Set("use_wallclock_as_timestamps", "1", astiav.DictionaryFlags(0)); err != nil {
			return fmt.Errorf("setting use_wallclock_as_timestamps failed: %w", err)
		}
	}

	if cfg.ProbeSize > 0 {
		if err := optsDict.Set("probesize", fmt.Sprint(int64(cfg.ProbeSize)), astiav.DictionaryFlags(0)); err != nil {
			return fmt.Errorf("setting probesize failed: %w", err)
		}
	}

	if err := s.fc.OpenInput(s.url, nil, optsDict); err != nil {
		return fmt.Errorf("opening input failed: %w", err)
	}

	s.closer.Add(s.fc.CloseInput)

	if err := s.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("finding stream info failed: %w", err)
	}

	ffmpegStreams := s.fc.Streams()
	if len(ffmpegStreams) == 0 {
		return &noStreamsError{s.url}
	}

	for _, ffmpegStream := range ffmpegStreams {
		typ := mediaTypeToStreamType[ffmpegStream.CodecParameters().MediaType()]
		s.streams.add(ffmpegStream.Index(), typ, s.streamHints(ffmpegStream))
		s.avStreams[ffmpegStream.Index()] = ffmpegStream
	}

	if st := s.fc.StartTime(); st != astiav.NoPtsValue {
		s.startTime = ptsToDuration(st, astiav.TimeBaseQ)
	}

	if d := ptsToDuration(s.fc.Duration(), astiav.TimeBaseQ); d != NoPTS {
		s.duration = d
	}

	s.pkt = astiav.AllocPacket()
	s.closer.Add(s.pkt.Free)

	s.log.Info().Str(lURL, s.url).Bool("live", s.live).Dur("duration", s.duration).
		Str(lInFormatFlags, ioFormatFlagsToString(s.fc.InputFormat().Flags())).
		Array(lStreams, s.streams.logArray()).
		Msg("source setup")

	return nil
}

// streamHints snapshots what a decoder needs to know about ffmpegStream.
func (s *avSource) streamHints(ffmpegStream *astiav.Stream) Hints {
	cp := ffmpegStream.CodecParameters()

	h := Hints{
		Codec:       cp.CodecID().Name(),
		TimeBaseNum: ffmpegStream.TimeBase().Num(),
		TimeBaseDen: ffmpegStream.TimeBase().Den(),
	}

	if extra := cp.ExtraData(); len(extra) > 0 {
		h.ExtraData = append([]byte(nil), extra...)
	}

	switch cp.MediaType() {
	case astiav.MediaTypeVideo:
		h.Width = cp.Width()
		h.Height = cp.Height()
		h.FPS = s.fc.GuessFrameRate(ffmpegStream, nil).Float64()
	case astiav.MediaTypeAudio:
		h.SampleRate = cp.SampleRate()
		h.Channels = cp.ChannelLayout().Channels()
	}

	return h
}

// Read returns the next packet of an active stream.
func (s *avSource) Read() (*Packet, error) {
	for {
		s.pkt.Unref()

		// This read is blocking:
		if err := s.fc.ReadFrame(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, io.EOF
			}

			return nil, fmt.Errorf("source: input read failed: %w", err)
		}

		st, ok := s.streams.lookup(s.pkt.StreamIndex())
		if !ok {
			continue
		}

		st.pktCount++

		tb := s.avStreams[st.key].TimeBase()

		p := NewPacket(s.pkt.Data())
		p.Type = st.typ
		p.Index = st.key
		p.Keyframe = s.pkt.Flags().Has(astiav.PacketFlagKey)
		p.PTS = s.mediaTime(ptsToDuration(s.pkt.Pts(), tb))
		p.DTS = s.mediaTime(ptsToDuration(s.pkt.Dts(), tb))
		p.Duration = ptsToDuration(s.pkt.Duration(), tb)
		p.Hints = st.hints

		if p.Duration == NoPTS {
			p.Duration = 0
		}

		return p, nil
	}
}

// mediaTime rebases a stream timestamp so playback starts at zero.
func (s *avSource) mediaTime(d time.Duration) time.Duration {
	if d == NoPTS {
		return NoPTS
	}

	return d - s.startTime
}

// SeekTime seeks all streams to t. Live inputs cannot seek.
func (s *avSource) SeekTime(t time.Duration, backward bool) error {
	if s.live {
		return &seekNotSupportedError{url: s.url}
	}

	// convert to the AV_TIME_BASE timebase used for stream index -1
	streamTime := durationToPts(t+s.startTime, astiav.TimeBaseQ)

	flags := astiav.NewSeekFlags(astiav.SeekFlagFrame)
	if backward {
		flags = astiav.NewSeekFlags(astiav.SeekFlagBackward, astiav.SeekFlagFrame)
	}

	s.log.Debug().Dur(lSeekTime, t).Int64(lStreamTime, streamTime).Msg("seeking")

	if err := s.fc.SeekFrame(-1, streamTime, flags); err != nil {
		return fmt.Errorf("seeking to %s failed: %w", t, err)
	}

	return nil
}

func (s *avSource) SetActiveStream(t StreamType, index int) bool {
	return s.streams.setActive(t, index)
}

func (s *avSource) GetHints(t StreamType) (Hints, bool) {
	st, ok := s.streams.activeEntry(t)
	if !ok {
		return Hints{}, false
	}

	return st.hints, true
}

func (s *avSource) StreamCount(t StreamType) int {
	return s.streams.count(t)
}

func (s *avSource) Duration() time.Duration {
	return s.duration
}

// Close frees the ffmpeg resources. Closing twice is harmless.
func (s *avSource) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	counts := make(map[string]int, s.streams.len())
	for _, st := range s.streams.byKey {
		counts[fmt.Sprint(st.key)] = st.pktCount
	}

	s.log.Debug().Str(lURL, s.url).Interface(lPacketCount, counts).Msg("source closing")

	if err := s.closer.Close(); err != nil {
		return fmt.Errorf("closing %q failed: %w", s.url, err)
	}

	return nil
}
