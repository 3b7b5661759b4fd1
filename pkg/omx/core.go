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

// Package omx drives hardware media components through an IL-style core.
//
// A Component wraps one hardware handle and turns the core's asynchronous
// callbacks into blocking, timeout-bounded operations: buffer get/submit,
// state changes, port enable/disable and flushes. A Tunnel binds the output
// port of one Component to the input port of another so that data flows
// between them without passing through the client.
package omx

// Handle identifies a component instance inside a Core. Zero is never valid.
type Handle uint32

// Callbacks receive asynchronous notifications from a Core. They run on the
// core's own goroutines and must not block.
type Callbacks interface {
	EventNotify(ev Event)
	InputBufferReturned(buf *BufferHeader)
	OutputBufferFilled(buf *BufferHeader)
}

// Core is the vendor IL API. Calls return nil or an ErrorCode.
type Core interface {
	GetHandle(name string, cb Callbacks) (Handle, error)
	FreeHandle(h Handle) error

	SendCommand(h Handle, cmd Command, param int) error
	GetState(h Handle) (State, error)

	Ports(h Handle) ([]int, error)
	GetPortDefinition(h Handle, port int) (PortDefinition, error)
	SetPortDefinition(h Handle, def PortDefinition) error
	SetParameter(h Handle, key string, value any) error
	GetParameter(h Handle, key string) (any, error)

	AllocateBuffer(h Handle, port int, size int) (*BufferHeader, error)
	FreeBuffer(h Handle, port int, buf *BufferHeader) error
	EmptyThisBuffer(h Handle, buf *BufferHeader) error
	FillThisBuffer(h Handle, buf *BufferHeader) error

	// SetupTunnel binds out:outPort to in:inPort. A zero Handle on either
	// side removes the binding from the other side.
	SetupTunnel(out Handle, outPort int, in Handle, inPort int) error
}
