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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
)

// probeStream is one active stream in the probe report.
type probeStream struct { //nolint:govet // Don't care about alignment.
	Type       string  `yaml:"type"`
	Count      int     `yaml:"count"`
	Codec      string  `yaml:"codec"`
	Width      int     `yaml:"width,omitempty"`
	Height     int     `yaml:"height,omitempty"`
	FPS        float64 `yaml:"fps,omitempty"`
	SampleRate int     `yaml:"sampleRate,omitempty"`
	Channels   int     `yaml:"channels,omitempty"`
	ExtraData  int     `yaml:"extraDataBytes,omitempty"`
}

type probeReport struct {
	URL      string        `yaml:"url"`
	Duration string        `yaml:"duration"`
	Streams  []probeStream `yaml:"streams"`
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <url>",
		Short: "Print the streams of a file or stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return probe(args[0])
		},
	}
}

func probe(url string) error {
	src, err := demux.Open(url, &currentConfig.Demux, &log)
	if err != nil {
		return err
	}

	defer src.Close() //nolint:errcheck // Read only.

	report := probeReport{URL: url, Duration: src.Duration().String()}

	for _, t := range []demux.StreamType{demux.StreamVideo, demux.StreamAudio, demux.StreamSubtitle} {
		h, ok := src.GetHints(t)
		if !ok {
			continue
		}

		report.Streams = append(report.Streams, probeStream{
			Type:       t.String(),
			Count:      src.StreamCount(t),
			Codec:      h.Codec,
			Width:      h.Width,
			Height:     h.Height,
			FPS:        h.FPS,
			SampleRate: h.SampleRate,
			Channels:   h.Channels,
			ExtraData:  len(h.ExtraData),
		})
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close() //nolint:errcheck // Flushed by Encode.

	if err := enc.Encode(&report); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}
