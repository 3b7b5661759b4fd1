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
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// writeTestTS muxes three H.264 access units (the first one an IDR) and
// one AAC frame.
func writeTestTS(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	video := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	audio := &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		},
	}}

	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{video, audio}}
	require.NoError(t, w.Initialize())

	require.NoError(t, w.WriteH264(video, 90000, 90000, [][]byte{{0x65, 0x88, 0x84, 0x00, 0x33}}))
	require.NoError(t, w.WriteH264(video, 93000, 93000, [][]byte{{0x41, 0x9a, 0x00, 0x10}}))
	require.NoError(t, w.WriteMPEG4Audio(audio, 90000, [][]byte{{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}}))
	require.NoError(t, w.WriteH264(video, 96000, 96000, [][]byte{{0x41, 0x9a, 0x01, 0x10}}))

	return buf.Bytes()
}

func readAll(t *testing.T, src Source) []*Packet {
	t.Helper()

	var out []*Packet

	for {
		p, err := src.Read()
		if errors.Is(err, io.EOF) {
			return out
		}

		require.NoError(t, err)

		out = append(out, p)
	}
}

func byType(pkts []*Packet, typ StreamType) []*Packet {
	var out []*Packet

	for _, p := range pkts {
		if p.Type == typ {
			out = append(out, p)
		}
	}

	return out
}

func TestTSSourceReadsTracks(t *testing.T) {
	log := zerolog.Nop()

	src, err := NewTSSource(io.NopCloser(bytes.NewReader(writeTestTS(t))), "test.ts", &log)
	require.NoError(t, err)

	require.Equal(t, 1, src.StreamCount(StreamVideo))
	require.Equal(t, 1, src.StreamCount(StreamAudio))
	require.False(t, src.SetActiveStream(StreamVideo, 1))

	vh, ok := src.GetHints(StreamVideo)
	require.True(t, ok)
	require.Equal(t, "h264", vh.Codec)
	require.Equal(t, tsClockRate, vh.TimeBaseDen)

	ah, ok := src.GetHints(StreamAudio)
	require.True(t, ok)
	require.Equal(t, "aac", ah.Codec)
	require.Equal(t, 48000, ah.SampleRate)
	require.Equal(t, 2, ah.Channels)
	require.NotEmpty(t, ah.ExtraData)

	pkts := readAll(t, src)

	video := byType(pkts, StreamVideo)
	require.GreaterOrEqual(t, len(video), 2)
	require.True(t, video[0].Keyframe)
	require.False(t, video[1].Keyframe)
	require.Equal(t, ticksToDuration(3000, 1, tsClockRate), video[1].PTS-video[0].PTS)
	require.Equal(t, 256, video[0].Index)
	require.Equal(t, "h264", video[0].Hints.Codec)

	audio := byType(pkts, StreamAudio)
	require.Len(t, audio, 1)
	require.Equal(t, 6, audio[0].Size())
	require.Equal(t, ticksToDuration(1920, 1, tsClockRate), audio[0].Duration)

	var seekErr *seekNotSupportedError
	require.ErrorAs(t, src.SeekTime(0, true), &seekErr)
	require.Zero(t, src.Duration())

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestTSSourceRejectsGarbage(t *testing.T) {
	log := zerolog.Nop()

	_, err := NewTSSource(io.NopCloser(bytes.NewReader(make([]byte, 1024))), "zeros", &log)
	require.Error(t, err)
}

func TestOpenPrefersNativeTS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	require.NoError(t, os.WriteFile(path, writeTestTS(t), 0o600))

	log := zerolog.Nop()
	cfg := ConfigDefault()
	cfg.PreferNativeTS = true

	src, err := Open(path, &cfg, &log)
	require.NoError(t, err)

	defer src.Close() //nolint:errcheck // Test cleanup.

	require.NotEmpty(t, byType(readAll(t, src), StreamVideo))
}
