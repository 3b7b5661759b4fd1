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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/avcodec"
	"github.com/TurbineOne/ffmpeg-player/pkg/config"
	"github.com/TurbineOne/ffmpeg-player/pkg/control"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/logger"
	"github.com/TurbineOne/ffmpeg-player/pkg/player"
)

const (
	configFileName = "config.yaml"
	envPrefix      = "PLAYER_"
)

//nolint:gochecknoglobals // Needed for makefile injection.
var (
	// Version is provided by the makefile.
	Version = "v0"
	// Revision is a git tag provided by the makefile.
	Revision = "0"
	// Created is a date provided by the makefile.
	Created = "0000-00-00"
)

// mainConfig is the master config for the executable.
type mainConfig struct { //nolint:govet // Don't care about alignment.
	Logger         logger.Config  `yaml:"logger"`
	FfmpegLogLevel string         `yaml:"ffmpegLogLevel" env:"FFMPEG_LOG_LEVEL" doc:"ffmpeg's own log level, e.g. error or verbose"`
	Demux          demux.Config   `yaml:"demux"`
	Decoder        avcodec.Config `yaml:"decoder" envPrefix:"DECODER_"`
	Player         player.Config  `yaml:"player"`
	Control        control.Config `yaml:"control"`
}

func mainConfigDefault() mainConfig {
	return mainConfig{
		Logger:         logger.ConfigDefault(),
		FfmpegLogLevel: "error",
		Demux:          demux.ConfigDefault(),
		Decoder:        avcodec.ConfigDefault(),
		Player:         player.ConfigDefault(),
		Control:        control.ConfigDefault(),
	}
}

var (
	currentConfig = mainConfigDefault() //nolint:gochecknoglobals // Static config
	log           zerolog.Logger        //nolint:gochecknoglobals // Don't care.
)

// initConfig initializes the config from the environment and path, then
// sets up logging. A missing config file is not fatal.
func initConfig(path string) error {
	err := config.Init(path, envPrefix, &currentConfig)
	if err != nil {
		// A missing config file is not fatal. Anything else is.
		ncError := &config.NoConfigError{}
		if !errors.As(err, &ncError) {
			return err
		}
	}

	log = logger.New(&currentConfig.Logger)

	binName := filepath.Base(os.Args[0])
	log.Info().Msg(fmt.Sprintf("%s %s rev:%s created:%s", binName, Version, Revision, Created))
	log.Debug().Interface("config", &currentConfig).Msg("effective config")

	// If there was no config file, we log it here.
	if err != nil {
		log.Debug().Msg(err.Error())
	}

	if err := avcodec.SetupLogging(currentConfig.FfmpegLogLevel, &log); err != nil {
		return err
	}

	return nil
}
