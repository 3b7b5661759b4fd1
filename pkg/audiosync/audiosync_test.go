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

package audiosync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// ac3Header is an AC-3 sync info plus bsi start: fscod 0, frmsizecod 28
// (384 kbit/s, 1536 byte frames), bsid 8.
var ac3Header = []byte{0x0b, 0x77, 0x00, 0x00, 0x1c, 0x40}

func junk(n int) []byte {
	return bytes.Repeat([]byte{0xaa}, n)
}

func TestSyncAC3SkipsJunk(t *testing.T) {
	s := NewScanner(CodecAC3)

	data := append(junk(64), ac3Header...)
	data = append(data, junk(10)...)

	require.Equal(t, 64, s.Sync(data))
	require.True(t, s.Synced())
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 1536, s.FrameSize)

	// Already synced: a header at offset 0 is taken as is.
	require.Equal(t, 0, s.Sync(data[64:]))
	require.True(t, s.Synced())
}

func TestSyncAC3LosesSyncOnGarbage(t *testing.T) {
	s := NewScanner(CodecAC3)

	data := append(junk(64), ac3Header...)
	data = append(data, junk(10)...)

	require.Equal(t, 64, s.Sync(data))
	require.True(t, s.Synced())

	require.Equal(t, 200, s.Sync(junk(200)))
	require.False(t, s.Synced())

	// Resyncs on the next header.
	require.Equal(t, 64, s.Sync(data))
	require.True(t, s.Synced())

	// A header in the middle of synced data is found by scanning.
	require.Equal(t, 5, s.Sync(data[59:]))
	require.True(t, s.Synced())
}

func TestSyncAC3SyncedSkipsCRC(t *testing.T) {
	s := NewScanner(CodecAC3)

	frame := make([]byte, 1536)
	copy(frame, ac3Header)

	require.Equal(t, len(frame), s.Sync(frame))
	require.False(t, s.Synced())

	require.Equal(t, 0, s.Sync(append(ac3Header, junk(10)...)))
	require.True(t, s.Synced())

	// Zero CRC words pass once synced.
	require.Equal(t, 0, s.Sync(frame))
	require.True(t, s.Synced())
}

func TestSyncAC3Junk(t *testing.T) {
	s := NewScanner(CodecAC3)

	data := junk(100)
	require.Equal(t, len(data), s.Sync(data))
	require.False(t, s.Synced())

	// Too short to hold a header.
	require.Equal(t, 5, s.Sync(ac3Header[:5]))
	require.False(t, s.Synced())
}

func TestSyncAC3LosesSyncAfterReset(t *testing.T) {
	s := NewScanner(CodecAC3)

	data := append(junk(3), ac3Header...)
	data = append(data, junk(8)...)

	require.Equal(t, 3, s.Sync(data))
	s.Reset()
	require.False(t, s.Synced())
	require.Equal(t, 3, s.Sync(data))
}

func TestSyncAC3RejectsBadCRC(t *testing.T) {
	s := NewScanner(CodecAC3)

	// A complete frame whose CRC words are zero does not check out.
	frame := make([]byte, 1536)
	copy(frame, ac3Header)

	require.Equal(t, len(frame), s.Sync(frame))
	require.False(t, s.Synced())
}

func TestSyncAC3PartialFrameCRC(t *testing.T) {
	// 768 words, so 1536 bytes. With 1000 bytes present the frame size in
	// words still fits, which selects the whole-frame CRC; its bytes are not
	// all there, so no CRC is checked.
	s := NewScanner(CodecAC3)
	partial := make([]byte, 1000)
	copy(partial, ac3Header)

	require.Equal(t, 0, s.Sync(partial))
	require.True(t, s.Synced())

	// Under 768 bytes crc1 is selected and 962 bytes would be needed.
	s.Reset()
	require.Equal(t, 0, s.Sync(partial[:700]))
	require.True(t, s.Synced())
}

func TestSyncAC3RejectsBadHeader(t *testing.T) {
	s := NewScanner(CodecAC3)

	for _, hdr := range [][]byte{
		{0x0b, 0x77, 0, 0, 0xdc, 0x40}, // fscod 3
		{0x0b, 0x77, 0, 0, 0x26, 0x40}, // frmsizecod 38
		{0x0b, 0x77, 0, 0, 0x1c, 0x98}, // bsid 19
	} {
		data := append(hdr, junk(8)...)
		require.Equal(t, len(data), s.Sync(data), "header % x", hdr)
	}
}

func TestSyncEAC3(t *testing.T) {
	s := NewScanner(CodecEAC3)

	// strmtyp 0, frmsiz 0x2ff (768 words), fscod 0, bsid 16.
	hdr := []byte{0x0b, 0x77, 0x02, 0xff, 0x00, 0x80}
	data := append(junk(7), hdr...)
	data = append(data, junk(8)...)

	require.Equal(t, 7, s.Sync(data))
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 1536, s.FrameSize)

	// fscod 3 selects the reduced rates.
	s.Reset()
	hdr[4] = 0xd0 // fscod 3, fscod2 1
	data = append(hdr, junk(8)...)
	require.Equal(t, 0, s.Sync(data))
	require.Equal(t, 22050, s.SampleRate)
}

func TestSyncDTS(t *testing.T) {
	s := NewScanner(CodecDTS)

	// 16-bit big endian core: frame size 2012, sample rate code 13.
	hdr := []byte{0x7f, 0xfe, 0x80, 0x01, 0xfc, 0x00, 0x7d, 0xb0, 0x34}
	data := append(junk(20), hdr...)
	data = append(data, junk(8)...)

	require.Equal(t, 20, s.Sync(data))
	require.True(t, s.Synced())
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 2012, s.FrameSize)

	// Termination frames carry deficit samples.
	s.Reset()
	term := append([]byte{}, hdr...)
	term[4] = 0x40
	require.Equal(t, 0, s.Sync(append(term, junk(8)...)))
	require.True(t, s.Synced())

	// 16-bit little endian has the same layout with bytes swapped.
	s.Reset()
	le := []byte{0xfe, 0x7f, 0x01, 0x80, 0x00, 0xfc, 0xb0, 0x7d, 0x00, 0x34}
	require.Equal(t, 0, s.Sync(append(le, junk(8)...)))
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, 2012, s.FrameSize)
}

func TestSyncDTSRejects(t *testing.T) {
	s := NewScanner(CodecDTS)

	for name, hdr := range map[string][]byte{
		"frame too small":  {0x7f, 0xfe, 0x80, 0x01, 0xfc, 0x00, 0x01, 0x00, 0x34},
		"bad sample rate":  {0x7f, 0xfe, 0x80, 0x01, 0xfc, 0x00, 0x7d, 0xb0, 0x00},
		"no sync word":     {0x7f, 0xfe, 0x80, 0x02, 0xfc, 0x00, 0x7d, 0xb0, 0x34},
		"deficit samples":  {0x7f, 0xfe, 0x80, 0x01, 0xc0, 0x00, 0x7d, 0xb0, 0x34},
	} {
		data := append(hdr, junk(8)...)
		require.Equal(t, len(data), s.Sync(data), name)
		require.False(t, s.Synced(), name)
	}

	// Header bytes present but not enough trailing data to scan.
	require.Equal(t, 8, s.Sync(junk(8)))
}

func TestCodecFromName(t *testing.T) {
	require.Equal(t, CodecAC3, CodecFromName("ac3"))
	require.Equal(t, CodecEAC3, CodecFromName("eac3"))
	require.Equal(t, CodecDTS, CodecFromName("dca"))
	require.Equal(t, CodecDTS, CodecFromName("dts"))
	require.Equal(t, CodecNone, CodecFromName("aac"))

	require.Equal(t, 0, NewScanner(CodecNone).Sync(junk(4)))
}

func TestCRC16(t *testing.T) {
	require.Equal(t, uint16(0), crc16ANSI(nil))

	// Appending the CRC big endian leaves a zero remainder.
	msg := []byte("123456789")
	crc := crc16ANSI(msg)
	require.Equal(t, uint16(0xfee8), crc)
	require.Equal(t, uint16(0), crc16ANSI(append(msg, byte(crc>>8), byte(crc))))
}
