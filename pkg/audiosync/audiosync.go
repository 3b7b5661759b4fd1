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

// Package audiosync finds frame boundaries in compressed AC3, E-AC3 and DTS
// streams that are passed through to the audio renderer untouched.
package audiosync

// Codec selects the frame syntax to scan for.
type Codec int

const (
	CodecNone Codec = iota
	CodecAC3
	CodecEAC3
	CodecDTS
)

// CodecFromName maps a demuxer codec name to a Codec.
func CodecFromName(name string) Codec {
	switch name {
	case "ac3":
		return CodecAC3
	case "eac3":
		return CodecEAC3
	case "dts", "dca":
		return CodecDTS
	}

	return CodecNone
}

var ac3Bitrates = [...]int{
	32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 448, 512, 576, 640,
}

var ac3SampleRates = [...]int{48000, 44100, 32000, 0}

var dtsSampleRates = [...]int{
	0, 8000, 16000, 32000, 0, 0, 11025, 22050, 44100, 0, 0, 12000, 24000, 48000, 96000, 192000,
}

const (
	dtsMinFrameSize = 96
	dtsMaxFrameSize = 16384
)

// Scanner tracks sync state across successive packets of one stream.
type Scanner struct {
	codec  Codec
	synced bool

	// Set by the last successful sync.
	SampleRate int
	FrameSize  int // bytes
}

// NewScanner returns a scanner for codec.
func NewScanner(codec Codec) *Scanner {
	return &Scanner{codec: codec}
}

// Codec returns the codec being scanned.
func (s *Scanner) Codec() Codec {
	return s.codec
}

// Synced reports whether the last scan found a frame header.
func (s *Scanner) Synced() bool {
	return s.synced
}

// Reset forgets sync, e.g. after a flush.
func (s *Scanner) Reset() {
	s.synced = false
}

// Sync returns how many leading bytes of data precede the first frame header.
// It returns len(data) when no header is found.
func (s *Scanner) Sync(data []byte) int {
	switch s.codec {
	case CodecAC3, CodecEAC3:
		return s.SyncAC3(data)
	case CodecDTS:
		return s.SyncDTS(data)
	}

	return 0
}

// SyncAC3 scans for an AC3 or E-AC3 sync frame. Once synced, a sane header
// at offset 0 is accepted without its CRC. Data without any header clears
// sync and is skipped whole.
func (s *Scanner) SyncAC3(data []byte) int {
	size := len(data)
	skip := 0

	for ; size-skip > 6; skip++ {
		p := data[skip:]
		if p[0] != 0x0b || p[1] != 0x77 {
			continue
		}

		bsid := int(p[5] >> 3)
		if bsid > 0x11 {
			continue
		}

		if bsid <= 10 {
			fscod := int(p[4] >> 6)
			frmsizecod := int(p[4] & 0x3f)

			if fscod == 3 || frmsizecod > 37 {
				continue
			}

			// Frame size in 16-bit words.
			bitrate := ac3Bitrates[frmsizecod>>1]

			var framesize int

			switch fscod {
			case 0:
				framesize = bitrate * 2
			case 1:
				framesize = (320*bitrate)/147 + (frmsizecod & 1)
			case 2:
				framesize = bitrate * 4
			}

			if s.synced && skip == 0 {
				s.SampleRate = ac3SampleRates[fscod]
				s.FrameSize = framesize * 2

				return 0
			}

			remaining := size - skip

			// Whole frame when present, else crc1 (5/8 of the frame). framesize
			// counts words and remaining bytes; the comparison stays that way.
			crcSize := framesize - 1
			if framesize > remaining {
				crcSize = (framesize >> 1) + (framesize >> 3) - 1
			}

			if 2+crcSize*2 <= remaining {
				if crc16ANSI(p[2:2+crcSize*2]) != 0 {
					continue
				}
			}

			s.SampleRate = ac3SampleRates[fscod]
			s.FrameSize = framesize * 2
			s.synced = true

			return skip
		}

		// Enhanced AC-3.
		strmtyp := p[2] >> 6
		if strmtyp == 3 {
			continue
		}

		framesize := ((int(p[2]&0x7) << 8) | int(p[3])) + 1
		fscod := int(p[4] >> 6)

		rate := ac3SampleRates[fscod]
		if fscod == 3 {
			fscod2 := int(p[4]>>4) & 0x3
			if fscod2 == 3 {
				continue
			}

			rate = ac3SampleRates[fscod2] / 2
		}

		s.SampleRate = rate
		s.FrameSize = framesize * 2
		s.synced = true

		return skip
	}

	s.synced = false

	return size
}

// SyncDTS scans for a DTS core sync word in any of its four encodings.
func (s *Scanner) SyncDTS(data []byte) int {
	size := len(data)
	skip := 0

	for ; size-skip > 8; skip++ {
		p := data[skip:]

		var (
			framesize int
			srCode    int
		)

		switch {
		// 16-bit big endian.
		case p[0] == 0x7f && p[1] == 0xfe && p[2] == 0x80 && p[3] == 0x01:
			// A normal frame carries no deficit samples.
			if p[4]&0x80 != 0 && p[4]&0x7c != 0x7c {
				continue
			}

			framesize = (int(p[5]&0x3)<<8|int(p[6]))<<4 | int(p[7]&0xf0)>>4
			framesize++
			srCode = int(p[8]&0x3c) >> 2

		// 16-bit little endian.
		case p[0] == 0xfe && p[1] == 0x7f && p[2] == 0x01 && p[3] == 0x80:
			if p[5]&0x80 != 0 && p[5]&0x7c != 0x7c {
				continue
			}

			framesize = (int(p[4]&0x3)<<8|int(p[7]))<<4 | int(p[6]&0xf0)>>4
			framesize++

			if size-skip <= 9 {
				continue
			}

			srCode = int(p[9]&0x3c) >> 2

		// 14-bit big endian.
		case p[0] == 0x1f && p[1] == 0xff && p[2] == 0xe8 && p[3] == 0x00 && p[4] == 0x07 && p[5]&0xf0 == 0xf0:
			framesize = (int(p[6]&0x3)<<12 | int(p[7])<<4 | int(p[8]&0x3c)>>2) + 1
			framesize = framesize * 16 / 14

			if size-skip <= 9 {
				continue
			}

			srCode = int(p[9]&0x3c) >> 2

		// 14-bit little endian.
		case p[0] == 0xff && p[1] == 0x1f && p[2] == 0x00 && p[3] == 0xe8 && p[5] == 0x07 && p[4]&0xf0 == 0xf0:
			framesize = (int(p[7]&0x3)<<12 | int(p[6])<<4 | int(p[8]&0x3c)>>2) + 1
			framesize = framesize * 16 / 14

			if size-skip <= 9 {
				continue
			}

			srCode = int(p[9]&0x3c) >> 2

		default:
			continue
		}

		if framesize < dtsMinFrameSize || framesize > dtsMaxFrameSize {
			continue
		}

		rate := dtsSampleRates[srCode]
		if rate == 0 {
			continue
		}

		s.SampleRate = rate
		s.FrameSize = framesize
		s.synced = true

		return skip
	}

	s.synced = false

	return size
}
