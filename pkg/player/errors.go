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
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed stage, session or player.
	ErrClosed = errors.New("closed")
	// ErrStreamDesync marks passthrough audio dropped while hunting for a
	// frame header. It is never fatal.
	ErrStreamDesync = errors.New("audio stream out of sync")
	// ErrNoStreams is returned when no stage could be opened.
	ErrNoStreams = errors.New("no playable streams")
)

// StageFailedError ends a session when a stage can no longer submit data.
type StageFailedError struct {
	Stage string
	Err   error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageFailedError) Unwrap() error {
	return e.Err
}

// NoHintsError is returned when a stage is opened for a stream type the
// source has no active stream of.
type NoHintsError struct {
	Stage string
}

func (e *NoHintsError) Error() string {
	return "no active stream for " + e.Stage
}
