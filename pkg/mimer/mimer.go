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

// mimer is a helper package to determine the media type of a playback input.
// The result picks the demux backend.
package mimer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aofei/mimesniffer"
)

// Media types the player distinguishes.
const (
	MediaTypeMPEGTS = "video/mp2t"
	MediaTypeAC3    = "audio/ac3"
	MediaTypeDTS    = "audio/vnd.dts"
	MediaTypeM3U    = "application/x-mpegurl"

	UnknownMediaType = "application/octet-stream"
)

// isVideoTsSignature returns true if the given buffer is a video.ts file.
// According to https://en.wikipedia.org/wiki/List_of_file_signatures,
// the hex value 0x47 should be the first byte of a video.ts file and
// repeated every 188 bytes.
func isVideoTsSignature(buffer []byte) bool {
	const (
		tsSignature         = 0x47
		tsSignatureInterval = 188
	)

	if len(buffer) < tsSignatureInterval {
		return false
	}

	for i := 0; i < len(buffer); i += tsSignatureInterval {
		if buffer[i] != tsSignature {
			return false
		}
	}

	return true
}

// isAC3Signature matches an elementary AC3/E-AC3 stream starting on a sync frame.
func isAC3Signature(buffer []byte) bool {
	return bytes.HasPrefix(buffer, []byte{0x0b, 0x77})
}

// isDTSSignature matches the 16-bit and 14-bit DTS core sync words.
func isDTSSignature(buffer []byte) bool {
	for _, sig := range [][]byte{
		{0x7f, 0xfe, 0x80, 0x01},
		{0xfe, 0x7f, 0x01, 0x80},
		{0x1f, 0xff, 0xe8, 0x00},
		{0xff, 0x1f, 0x00, 0xe8},
	} {
		if bytes.HasPrefix(buffer, sig) {
			return true
		}
	}

	return false
}

func isM3USignature(buffer []byte) bool {
	const m3uSignature = "#EXTM3U"

	if len(buffer) < len(m3uSignature) {
		return false
	}

	return strings.HasPrefix(string(buffer), m3uSignature)
}

// init initializes the mimer package.
func init() {
	mimesniffer.Register(MediaTypeMPEGTS, isVideoTsSignature)
	mimesniffer.Register(MediaTypeAC3, isAC3Signature)
	mimesniffer.Register(MediaTypeDTS, isDTSSignature)
	mimesniffer.Register(MediaTypeM3U, isM3USignature)
}

// GetContentTypeFromReader sniffs the content type from the head of reader.
func GetContentTypeFromReader(reader io.Reader) (string, error) {
	const fingerprintSize = 512

	// Only the first 512 bytes are used to sniff the content type.
	buffer := make([]byte, fingerprintSize)

	n, err := io.ReadFull(reader, buffer)
	if err != nil && n == 0 {
		return UnknownMediaType, fmt.Errorf("mime check failed read: %w", err)
	}

	return mimesniffer.Sniff(buffer[:n]), nil
}

// GetContentType returns the content type of the given resource at the given path.
// Anything that cannot be opened as a local file is unknown.
func GetContentType(sourcePath string) string {
	f, err := os.Open(sourcePath)
	if err != nil {
		return UnknownMediaType
	}

	defer func() {
		_ = f.Close()
	}()

	mimeType, _ := GetContentTypeFromReader(f)

	return mimeType
}

// IsPassthroughAudio reports whether mediaType is a compressed audio format
// the renderer accepts without decoding.
func IsPassthroughAudio(mediaType string) bool {
	return mediaType == MediaTypeAC3 || mediaType == MediaTypeDTS
}
