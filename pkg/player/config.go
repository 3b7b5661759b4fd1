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

package player

import (
	"time"

	"github.com/TurbineOne/ffmpeg-player/pkg/config"
)

// StageConfig configures one pipeline stage.
type StageConfig struct { //nolint:govet // Don't care about alignment.
	Threaded        bool            `yaml:"threaded" json:"threaded" env:"THREADED" doc:"Decode on a worker goroutine instead of the caller's"`
	QueueCap        config.ByteSize `yaml:"queueCap" json:"queueCap" env:"QUEUE_CAP" doc:"Maximum bytes queued ahead of the decoder"`
	ChunkTimeout    time.Duration   `yaml:"chunkTimeout" json:"chunkTimeout" env:"CHUNK_TIMEOUT" doc:"Wait for a free input buffer before dropping a packet"`
	InputBuffers    int             `yaml:"inputBuffers" json:"inputBuffers" env:"INPUT_BUFFERS" doc:"Decoder input buffer count"`
	InputBufferSize config.ByteSize `yaml:"inputBufferSize" json:"inputBufferSize" env:"INPUT_BUFFER_SIZE" doc:"Decoder input buffer size"`
	Passthrough     bool            `yaml:"passthrough" json:"passthrough" env:"PASSTHROUGH" doc:"Send AC3/E-AC3/DTS to the renderer undecoded"`
	PresentLead     time.Duration   `yaml:"presentLead" json:"presentLead" env:"PRESENT_LEAD" doc:"How far ahead of the clock data is submitted"`
}

// Chunk timeouts outside this range are clamped.
const (
	minChunkTimeout = 200 * time.Millisecond
	maxChunkTimeout = 500 * time.Millisecond
)

// VideoStageConfigDefault returns the defaults for the video stage.
func VideoStageConfigDefault() StageConfig {
	return StageConfig{
		Threaded:        true,
		QueueCap:        8 * 1024 * 1024,
		ChunkTimeout:    300 * time.Millisecond,
		InputBuffers:    20,
		InputBufferSize: 80 * 1024,
		Passthrough:     false,
		PresentLead:     100 * time.Millisecond,
	}
}

// AudioStageConfigDefault returns the defaults for the audio stage.
func AudioStageConfigDefault() StageConfig {
	return StageConfig{
		Threaded:        true,
		QueueCap:        2 * 1024 * 1024,
		ChunkTimeout:    300 * time.Millisecond,
		InputBuffers:    16,
		InputBufferSize: 16 * 1024,
		Passthrough:     false,
		PresentLead:     200 * time.Millisecond,
	}
}

func (c *StageConfig) chunkTimeout() time.Duration {
	return min(max(c.ChunkTimeout, minChunkTimeout), maxChunkTimeout)
}

// Config configures a Player.
type Config struct { //nolint:govet // Don't care about alignment.
	Video StageConfig `yaml:"video" json:"video" envPrefix:"VIDEO_"`
	Audio StageConfig `yaml:"audio" json:"audio" envPrefix:"AUDIO_"`

	LowWater   time.Duration `yaml:"lowWater" json:"lowWater" env:"LOW_WATER" doc:"Pause the clock when less than this is cached"`
	HighWater  time.Duration `yaml:"highWater" json:"highWater" env:"HIGH_WATER" doc:"Resume the clock once this much is cached"`
	EOSTimeout time.Duration `yaml:"eosTimeout" json:"eosTimeout" env:"EOS_TIMEOUT" doc:"Wait for renderers to drain at end of stream"`
	Volume     float64       `yaml:"volume" json:"volume" env:"VOLUME" doc:"Initial volume, 1.0 is unity"`
	NoAudio    bool          `yaml:"noAudio" json:"noAudio" env:"NO_AUDIO" doc:"Ignore audio streams"`
	NoVideo    bool          `yaml:"noVideo" json:"noVideo" env:"NO_VIDEO" doc:"Ignore video streams"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		Video:      VideoStageConfigDefault(),
		Audio:      AudioStageConfigDefault(),
		LowWater:   100 * time.Millisecond,
		HighWater:  1 * time.Second,
		EOSTimeout: 5 * time.Second,
		Volume:     1.0,
		NoAudio:    false,
		NoVideo:    false,
	}
}
