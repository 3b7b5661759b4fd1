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

package mimer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tsBytes(packets int) []byte {
	b := make([]byte, 188*packets)
	for i := 0; i < len(b); i += 188 {
		b[i] = 0x47
	}

	return b
}

func TestGetContentTypeFromReader(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
		want string
	}{
		{"mpegts", tsBytes(4), MediaTypeMPEGTS},
		{"ac3", append([]byte{0x0b, 0x77, 0x12, 0x34, 0x1c, 0x40}, make([]byte, 64)...), MediaTypeAC3},
		{"dts", append([]byte{0x7f, 0xfe, 0x80, 0x01, 0xfc}, make([]byte, 64)...), MediaTypeDTS},
		{"m3u", []byte("#EXTM3U\n#EXT-X-VERSION:3\n"), MediaTypeM3U},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := GetContentTypeFromReader(bytes.NewReader(tc.data))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := GetContentTypeFromReader(bytes.NewReader(nil))
	require.Error(t, err)
}

func TestBrokenTSCadence(t *testing.T) {
	b := tsBytes(4)
	b[188] = 0

	require.False(t, isVideoTsSignature(b))
	require.False(t, isVideoTsSignature(b[:100]))
}

func TestGetContentType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	require.NoError(t, os.WriteFile(path, tsBytes(3), 0o600))

	require.Equal(t, MediaTypeMPEGTS, GetContentType(path))
	require.Equal(t, UnknownMediaType, GetContentType(filepath.Join(t.TempDir(), "missing")))
	require.Equal(t, UnknownMediaType, GetContentType("rtsp://camera/stream"))
}

func TestIsPassthroughAudio(t *testing.T) {
	require.True(t, IsPassthroughAudio(MediaTypeAC3))
	require.True(t, IsPassthroughAudio(MediaTypeDTS))
	require.False(t, IsPassthroughAudio(MediaTypeMPEGTS))
}
