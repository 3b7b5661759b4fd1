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

// Package avcodec decodes compressed buffers with ffmpeg inside software
// decode components.
package avcodec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

const (
	lCodec      = "codec"
	lDecoder    = "decoder"
	lFrameCount = "frameCount"
	lFormat     = "format"
)

// Chunk timestamps travel through the codec in microseconds.
var microTimeBase = astiav.NewRational(1, int(time.Second/time.Microsecond))

var codecNameToHwDecoder = map[string]string{
	"h264":       "h264_cuvid",
	"hevc":       "hevc_cuvid",
	"mpeg2video": "mpeg2_cuvid",
	"mpeg4":      "mpeg4_cuvid",
	"vc1":        "vc1_cuvid",
	"vp8":        "vp8_cuvid",
	"vp9":        "vp9_cuvid",
}

// Config selects decoders.
type Config struct { //nolint:govet // Don't care about alignment.
	HwDecode bool `yaml:"hwDecode" json:"hwDecode" env:"HW_DECODE" doc:"Prefer cuvid hardware decoders"`
	Threads  int  `yaml:"threads" json:"threads" env:"THREADS" doc:"Decoder threads, 0 lets ffmpeg decide"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		HwDecode: false,
		Threads:  0,
	}
}

// MissingHintsError is returned when a decode component starts without
// stream hints.
type MissingHintsError struct{}

func (e *MissingHintsError) Error() string {
	return "decoder needs stream hints"
}

// UnknownCodecError is returned when ffmpeg has no decoder for a codec.
type UnknownCodecError struct {
	Codec string
}

func (e *UnknownCodecError) Error() string {
	return fmt.Sprintf("no decoder for codec %q", e.Codec)
}

// Decoder is a softil.Processor wrapping an ffmpeg decoder.
type Decoder struct {
	hints demux.Hints
	log   zerolog.Logger

	closer       *astikit.Closer
	codecContext *astiav.CodecContext
	pkt          *astiav.Packet
	frame        *astiav.Frame
	scratch      []byte
	partial      []byte

	format     omx.Format
	hasFormat  bool
	extraData  bool
	FrameCount int
}

// NewFactory returns a factory building a Decoder from the hints parameter
// of a decode component.
func NewFactory(cfg *Config, logger *zerolog.Logger) softil.ProcessorFactory {
	log := logger.With().Str("pkg", "avcodec").Logger()

	return func(params softil.Params) (softil.Processor, error) {
		hints, ok := params[softil.ParamHints].(demux.Hints)
		if !ok {
			return nil, &MissingHintsError{}
		}

		return NewDecoder(hints, cfg, &log)
	}
}

// findDecoder prefers a hardware decoder when asked to.
func findDecoder(codec string, hw bool, log *zerolog.Logger) *astiav.Codec {
	if decName, ok := codecNameToHwDecoder[codec]; ok && hw {
		if dec := astiav.FindDecoderByName(decName); dec != nil {
			log.Debug().Str(lCodec, codec).Str(lDecoder, decName).Msg("using hardware decoder")

			return dec
		}
	}

	return astiav.FindDecoderByName(codec)
}

// NewDecoder opens a decoder for the stream hints describes.
func NewDecoder(hints demux.Hints, cfg *Config, log *zerolog.Logger) (*Decoder, error) {
	if hints.Codec == "" {
		return nil, &MissingHintsError{}
	}

	decCodec := findDecoder(hints.Codec, cfg.HwDecode, log)
	if decCodec == nil {
		return nil, &UnknownCodecError{Codec: hints.Codec}
	}

	d := &Decoder{
		hints:  hints,
		log:    log.With().Str(lDecoder, decCodec.Name()).Logger(),
		closer: astikit.NewCloser(),
	}

	if err := d.open(decCodec, cfg); err != nil {
		_ = d.closer.Close()

		return nil, err
	}

	return d, nil
}

func (d *Decoder) open(decCodec *astiav.Codec, cfg *Config) error {
	d.codecContext = astiav.AllocCodecContext(decCodec)
	if d.codecContext == nil {
		return errors.New("allocating codec context failed")
	}

	d.closer.Add(d.codecContext.Free)

	switch decCodec.MediaType() {
	case astiav.MediaTypeAudio:
		sampleRate := d.hints.SampleRate
		if sampleRate == 0 {
			const guessSampleRate = 48000

			d.log.Info().Str(lCodec, d.hints.Codec).Msg("guessing sample rate for audio stream")

			sampleRate = guessSampleRate
		}

		d.codecContext.SetSampleRate(sampleRate)

		switch d.hints.Channels {
		case 1:
			d.codecContext.SetChannelLayout(astiav.ChannelLayoutMono)
		case 6:
			d.codecContext.SetChannelLayout(astiav.ChannelLayout5Point1)
		default:
			d.codecContext.SetChannelLayout(astiav.ChannelLayoutStereo)
		}

	case astiav.MediaTypeVideo:
		d.codecContext.SetWidth(d.hints.Width)
		d.codecContext.SetHeight(d.hints.Height)
	}

	if len(d.hints.ExtraData) > 0 {
		if err := d.codecContext.SetExtraData(d.hints.ExtraData); err != nil {
			return fmt.Errorf("setting extradata failed: %w", err)
		}

		d.extraData = true
	}

	d.codecContext.SetTimeBase(microTimeBase)
	d.codecContext.SetPktTimeBase(microTimeBase)

	if cfg.Threads > 0 {
		d.codecContext.SetThreadCount(cfg.Threads)
	}

	if err := d.codecContext.Open(decCodec, nil); err != nil {
		return fmt.Errorf("opening decoder context failed: %w", err)
	}

	d.pkt = astiav.AllocPacket()
	d.closer.Add(d.pkt.Free)

	d.frame = astiav.AllocFrame()
	d.closer.Add(d.frame.Free)

	d.log.Debug().Object("hints", d.hints).Msg("decoder opened")

	return nil
}

// Process decodes one input chunk. An EOS chunk drains the decoder.
func (d *Decoder) Process(in softil.Chunk) ([]softil.Chunk, error) {
	if in.Flags.Has(omx.BufferFlagCodecConfig) && d.extraData {
		return nil, nil
	}

	data := in.Data

	// A packet larger than one input buffer arrives in pieces; only the last
	// one carries EndOfFrame.
	if !in.Flags.Has(omx.BufferFlagEndOfFrame) && !in.Flags.Has(omx.BufferFlagEOS) &&
		!in.Flags.Has(omx.BufferFlagCodecConfig) {
		d.partial = append(d.partial, data...)

		return nil, nil
	}

	if len(d.partial) > 0 {
		data = append(d.partial, data...)
		d.partial = d.partial[:0]
	}

	var outs []softil.Chunk

	if len(data) > 0 {
		d.pkt.Unref()

		if err := d.pkt.FromData(data); err != nil {
			return nil, fmt.Errorf("wrapping input failed: %w", err)
		}

		if in.Flags.Has(omx.BufferFlagTimeUnknown) {
			d.pkt.SetPts(astiav.NoPtsValue)
		} else {
			d.pkt.SetPts(in.PTS.Microseconds())
		}

		d.pkt.SetDts(d.pkt.Pts())

		if err := d.codecContext.SendPacket(d.pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			return nil, fmt.Errorf("sending packet to decoder failed: %w", err)
		}

		frames, err := d.receiveFrames(in.PTS)
		if err != nil {
			return nil, err
		}

		outs = frames
	}

	if in.Flags.Has(omx.BufferFlagEOS) {
		// A nil packet drains the frames the decoder still holds.
		_ = d.codecContext.SendPacket(nil)

		frames, err := d.receiveFrames(in.PTS)
		if err != nil {
			return nil, err
		}

		outs = append(outs, frames...)

		// The decoder only accepts input again after a flush.
		d.codecContext.FlushBuffers()
	}

	return outs, nil
}

// receiveFrames receives all frames from the decoder.
func (d *Decoder) receiveFrames(fallback time.Duration) ([]softil.Chunk, error) {
	var outs []softil.Chunk

	// One packet can expand into several frames, so we query the decoder
	// until it has nothing left.
	for {
		if err := d.codecContext.ReceiveFrame(d.frame); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				d.FrameCount += len(outs)

				return outs, nil
			}

			return nil, fmt.Errorf("receiving frame from decoder failed: %w", err)
		}

		data, err := d.frameBytes()

		pts := fallback
		if p := d.frame.Pts(); p != astiav.NoPtsValue {
			pts = time.Duration(p) * time.Microsecond
		}

		d.frame.Unref()

		if err != nil {
			return nil, err
		}

		outs = append(outs, softil.Chunk{Data: data, PTS: pts, Flags: omx.BufferFlagEndOfFrame})
	}
}

// frameBytes copies the current frame out of ffmpeg's buffers and updates
// the reported format.
func (d *Decoder) frameBytes() ([]byte, error) {
	const align = 1

	if d.frame.NbSamples() > 0 {
		sf := d.frame.SampleFormat()
		channels := d.frame.ChannelLayout().Channels()

		size, err := d.frame.SamplesBufferSize(align)
		if err != nil {
			return nil, fmt.Errorf("sizing samples failed: %w", err)
		}

		if cap(d.scratch) < size {
			d.scratch = make([]byte, size)
		}

		buf := d.scratch[:size]
		if _, err = d.frame.SamplesCopyToBuffer(buf, align); err != nil {
			return nil, fmt.Errorf("copying samples failed: %w", err)
		}

		d.setFormat(omx.Format{
			Codec:      "pcm_" + strings.TrimSuffix(sf.Name(), "p"),
			SampleRate: d.frame.SampleRate(),
			Channels:   channels,
		})

		if !sf.IsPlanar() {
			return append([]byte(nil), buf...), nil
		}

		return interleave(buf, channels, d.frame.NbSamples(), sf.BytesPerSample())
	}

	size, err := d.frame.ImageBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("sizing image failed: %w", err)
	}

	out := make([]byte, size)
	if _, err = d.frame.ImageCopyToBuffer(out, align); err != nil {
		return nil, fmt.Errorf("copying image failed: %w", err)
	}

	d.setFormat(omx.Format{
		Codec:  d.frame.PixelFormat().String(),
		Width:  d.frame.Width(),
		Height: d.frame.Height(),
	})

	return out, nil
}

func (d *Decoder) setFormat(f omx.Format) {
	if d.hasFormat && f == d.format {
		return
	}

	d.log.Debug().Interface(lFormat, f).Msg("decoder output format")

	d.format = f
	d.hasFormat = true
}

// Format reports the format of the last decoded frame.
func (d *Decoder) Format() (omx.Format, bool) {
	return d.format, d.hasFormat
}

// Flush drops everything buffered inside the decoder.
func (d *Decoder) Flush() {
	d.partial = d.partial[:0]
	d.codecContext.FlushBuffers()
}

// Close frees the ffmpeg resources.
func (d *Decoder) Close() error {
	d.log.Debug().Int(lFrameCount, d.FrameCount).Msg("decoder closing")

	if err := d.closer.Close(); err != nil {
		return fmt.Errorf("closing decoder failed: %w", err)
	}

	return nil
}

// interleave converts planar samples to packed order. buf holds one plane
// per channel, each padded to the same stride.
func interleave(buf []byte, channels, samples, bytesPerSample int) ([]byte, error) {
	if channels <= 0 || len(buf)%channels != 0 {
		return nil, fmt.Errorf("unexpected planar buffer size: len=%d channels=%d", len(buf), channels)
	}

	stride := len(buf) / channels
	if stride < samples*bytesPerSample {
		return nil, fmt.Errorf("planar stride too small: stride=%d need=%d", stride, samples*bytesPerSample)
	}

	out := make([]byte, channels*samples*bytesPerSample)
	o := 0

	for s := range samples {
		for ch := range channels {
			off := ch*stride + s*bytesPerSample
			o += copy(out[o:], buf[off:off+bytesPerSample])
		}
	}

	return out, nil
}
