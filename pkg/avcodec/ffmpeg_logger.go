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

package avcodec

import (
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
)

// ffmpegToZerologLevel maps ffmpeg's internal log levels to zerolog's.
var ffmpegToZerologLevel = map[astiav.LogLevel]zerolog.Level{
	astiav.LogLevelQuiet:   zerolog.Disabled,
	astiav.LogLevelPanic:   zerolog.PanicLevel,
	astiav.LogLevelFatal:   zerolog.FatalLevel,
	astiav.LogLevelError:   zerolog.ErrorLevel,
	astiav.LogLevelWarning: zerolog.WarnLevel,
	astiav.LogLevelInfo:    zerolog.InfoLevel,
	astiav.LogLevelVerbose: zerolog.DebugLevel,
	astiav.LogLevelDebug:   zerolog.TraceLevel,
}

// nameToFfmpegLogLevel is only used for config translation at startup.
// ffmpeg has more levels than zerolog, so its own names are kept.
var nameToFfmpegLogLevel = map[string]astiav.LogLevel{
	"quiet":   astiav.LogLevelQuiet,
	"panic":   astiav.LogLevelPanic,
	"fatal":   astiav.LogLevelFatal,
	"error":   astiav.LogLevelError,
	"warning": astiav.LogLevelWarning,
	"info":    astiav.LogLevelInfo,
	"verbose": astiav.LogLevelVerbose,
	"debug":   astiav.LogLevelDebug,
}

// Decoders repeat these for every broken frame of a stream, often enough to
// block on log I/O.
var squelchedPrefixes = []string{
	"PES packet size",
	"Packet corrupt",
	"Invalid level prefix",
	"error while decoding MB",
	"more samples than frame size",
	"deprecated pixel format used",
	"non-existing PPS",
	"no frame!",
}

const (
	squelchInterval = 1024 // log every Nth message
	lSquelch        = "squelch count"
	lClass          = "class"
)

// ffmpegLogger feeds ffmpeg's log callback into zerolog.
type ffmpegLogger struct {
	log zerolog.Logger

	lock   sync.Mutex
	counts []int
}

func newFfmpegLogger(log zerolog.Logger) *ffmpegLogger {
	return &ffmpegLogger{log: log, counts: make([]int, len(squelchedPrefixes))}
}

// squelched counts msg and reports whether it should be dropped.
func (l *ffmpegLogger) squelched(msg string) (count int, drop bool) {
	for i, prefix := range squelchedPrefixes {
		if !strings.HasPrefix(msg, prefix) {
			continue
		}

		l.lock.Lock()
		l.counts[i]++
		count = l.counts[i]
		l.lock.Unlock()

		return count, count%squelchInterval != 1
	}

	return 0, false
}

func (l *ffmpegLogger) callback(c astiav.Classer, level astiav.LogLevel, _, msg string) {
	// FFmpeg sometimes logs a single "." to indicate progress.
	if msg == ".\n" {
		return
	}

	count, drop := l.squelched(msg)
	if drop {
		return
	}

	zl, ok := ffmpegToZerologLevel[level]
	if !ok {
		zl = zerolog.ErrorLevel
	}

	event := l.log.WithLevel(zl)
	if count > 0 {
		event = event.Int(lSquelch, count)
	}

	if c != nil {
		if cl := c.Class(); cl != nil {
			event = event.Str(lClass, cl.String())
		}
	}

	event.Msg(strings.TrimSuffix(msg, "\n"))
}

// InvalidLogLevelError is returned for an unknown ffmpeg log level name.
type InvalidLogLevelError struct {
	Level string
}

func (e *InvalidLogLevelError) Error() string {
	return "invalid ffmpeg log level: " + e.Level
}

// SetupLogging routes ffmpeg logs through logger. levelName is one of
// ffmpeg's level names, e.g. "error" or "verbose".
func SetupLogging(levelName string, logger *zerolog.Logger) error {
	ffmpegLogLevel, ok := nameToFfmpegLogLevel[levelName]
	if !ok {
		return &InvalidLogLevelError{Level: levelName}
	}

	l := newFfmpegLogger(logger.With().Str("pkg", "ffmpeg").Logger())

	// FFmpeg logs get doubly filtered. First by ffmpeg's own level, then by
	// the zerolog level of logger.
	astiav.SetLogLevel(ffmpegLogLevel)
	astiav.SetLogCallback(l.callback)

	return nil
}
