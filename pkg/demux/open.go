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
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/config"
	"github.com/TurbineOne/ffmpeg-player/pkg/mimer"
)

// Config configures how inputs are opened.
type Config struct { //nolint:govet // Don't care about alignment.
	PreferNativeTS bool            `yaml:"preferNativeTS" json:"preferNativeTS" env:"PREFER_NATIVE_TS" doc:"Demux local MPEG-TS files without ffmpeg"`
	Live           bool            `yaml:"live" json:"live" env:"LIVE" doc:"Input is a live stream: wall clock timestamps, no seeking"`
	ProbeSize      config.ByteSize `yaml:"probeSize" json:"probeSize" env:"PROBE_SIZE" doc:"Bytes ffmpeg may read to detect streams, 0 for its default"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		PreferNativeTS: false,
		Live:           false,
		ProbeSize:      0,
	}
}

// isLocalPath returns true for inputs without a URL scheme.
func isLocalPath(rawURL string) bool {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		// not all file names can be parsed as URLs because of special characters
		return strings.HasPrefix(rawURL, "/")
	}

	return parsedURL.Scheme == "" || parsedURL.Scheme == "file"
}

// Open opens rawURL with the backend suited to it and returns it wrapped by
// Locked.
func Open(rawURL string, cfg *Config, logger *zerolog.Logger) (Source, error) {
	log := logger.With().Str("pkg", "demux").Logger()

	mimeType := mimer.UnknownMediaType
	if isLocalPath(rawURL) {
		mimeType = mimer.GetContentType(strings.TrimPrefix(rawURL, "file://"))
	}

	log.Debug().Str(lURL, rawURL).Str(lMimeType, mimeType).
		Stringer("probeSize", cfg.ProbeSize).Msg("opening input")

	if mimeType == mimer.MediaTypeMPEGTS && cfg.PreferNativeTS && !cfg.Live {
		f, err := os.Open(strings.TrimPrefix(rawURL, "file://"))
		if err != nil {
			return nil, fmt.Errorf("opening input failed: %w", err)
		}

		src, err := NewTSSource(f, rawURL, &log)
		if err != nil {
			_ = f.Close()

			return nil, err
		}

		return Locked(src), nil
	}

	src, err := openAV(rawURL, cfg, &log)
	if err != nil {
		return nil, err
	}

	return Locked(src), nil
}
