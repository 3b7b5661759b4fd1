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

package omx

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// PortAll addresses every port of a component in commands that take a port.
const PortAll = -1

// State is the lifecycle state of a hardware component.
type State int

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
	StatePaused
	StateWaitForResources
)

var stateNames = map[State]string{
	StateInvalid:          "Invalid",
	StateLoaded:           "Loaded",
	StateIdle:             "Idle",
	StateExecuting:        "Executing",
	StatePaused:           "Paused",
	StateWaitForResources: "WaitForResources",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Command is an asynchronous request sent to a component.
type Command int

const (
	CommandStateSet Command = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
	CommandMarkBuffer
)

var commandNames = map[Command]string{
	CommandStateSet:    "StateSet",
	CommandFlush:       "Flush",
	CommandPortDisable: "PortDisable",
	CommandPortEnable:  "PortEnable",
	CommandMarkBuffer:  "MarkBuffer",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Command(%d)", int(c))
}

// EventType identifies a notification raised by a component.
type EventType int

const (
	EventCmdComplete EventType = iota
	EventError
	EventMark
	EventPortSettingsChanged
	EventBufferFlag
)

var eventNames = map[EventType]string{
	EventCmdComplete:         "CmdComplete",
	EventError:               "Error",
	EventMark:                "Mark",
	EventPortSettingsChanged: "PortSettingsChanged",
	EventBufferFlag:          "BufferFlag",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("EventType(%d)", int(e))
}

// Event is one entry of a component's event log. For EventCmdComplete, Data1
// is the Command and Data2 its parameter. For EventError, Data1 is the
// ErrorCode. For EventPortSettingsChanged and EventBufferFlag, Data1 is the port.
type Event struct {
	Type  EventType
	Data1 int
	Data2 int
}

// BufferFlags mark properties of a buffer's payload.
type BufferFlags uint32

const (
	BufferFlagEOS BufferFlags = 1 << iota
	BufferFlagStartTime
	BufferFlagDecodeOnly
	BufferFlagDataCorrupt
	BufferFlagEndOfFrame
	BufferFlagSyncFrame
	BufferFlagExtraData
	BufferFlagCodecConfig
	BufferFlagTimeUnknown
)

// Has reports whether all bits of f2 are set in f.
func (f BufferFlags) Has(f2 BufferFlags) bool {
	return f&f2 == f2
}

// Direction is the data direction of a port.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirInput {
		return "input"
	}

	return "output"
}

// Format describes the data a port carries. Zero fields are unknown.
type Format struct {
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// PortDefinition is the configurable description of one port.
type PortDefinition struct {
	Index             int
	Dir               Direction
	Enabled           bool
	Populated         bool
	BufferCountMin    int
	BufferCountActual int
	BufferSize        int
	Format            Format
}

// BufferHeader is a buffer descriptor exchanged with the hardware.
// Data is the full allocation; the payload is Data[Offset:Offset+FilledLen].
type BufferHeader struct {
	Data      []byte
	FilledLen int
	Offset    int
	Flags     BufferFlags
	PTS       time.Duration
	Port      int

	// inHardware is set while the core owns the buffer.
	inHardware atomic.Bool
}

// Payload returns the filled part of the buffer.
func (b *BufferHeader) Payload() []byte {
	return b.Data[b.Offset : b.Offset+b.FilledLen]
}

// Fill copies p into the buffer and returns how many bytes were taken.
func (b *BufferHeader) Fill(p []byte) int {
	b.Offset = 0
	b.FilledLen = copy(b.Data, p)

	return b.FilledLen
}

// Reset clears payload, flags and timestamp.
func (b *BufferHeader) Reset() {
	b.FilledLen = 0
	b.Offset = 0
	b.Flags = 0
	b.PTS = 0
}
