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
	"errors"
	"fmt"
)

// ErrorCode is a status code returned by the IL core, either directly from a
// call or inside an EventError notification.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInsufficientResources
	ErrorUndefined
	ErrorComponentNotFound
	ErrorBadParameter
	ErrorNotImplemented
	ErrorHardware
	ErrorStreamCorrupt
	ErrorPortsNotCompatible
	ErrorNotReady
	ErrorTimeout
	ErrorSameState
	ErrorIncorrectStateTransition
	ErrorIncorrectStateOperation
	ErrorPortUnpopulated
	ErrorUnsupportedIndex
)

var errorCodeNames = map[ErrorCode]string{
	ErrorNone:                     "None",
	ErrorInsufficientResources:    "InsufficientResources",
	ErrorUndefined:                "Undefined",
	ErrorComponentNotFound:        "ComponentNotFound",
	ErrorBadParameter:             "BadParameter",
	ErrorNotImplemented:           "NotImplemented",
	ErrorHardware:                 "Hardware",
	ErrorStreamCorrupt:            "StreamCorrupt",
	ErrorPortsNotCompatible:       "PortsNotCompatible",
	ErrorNotReady:                 "NotReady",
	ErrorTimeout:                  "Timeout",
	ErrorSameState:                "SameState",
	ErrorIncorrectStateTransition: "IncorrectStateTransition",
	ErrorIncorrectStateOperation:  "IncorrectStateOperation",
	ErrorPortUnpopulated:          "PortUnpopulated",
	ErrorUnsupportedIndex:         "UnsupportedIndex",
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ErrorCode(%d)", int(e))
}

func (e ErrorCode) Error() string {
	return "omx error " + e.String()
}

// transient reports whether a submit failing with this code is worth retrying.
func (e ErrorCode) transient() bool {
	return e == ErrorNotReady || e == ErrorInsufficientResources
}

// benign reports whether the code means the request was already satisfied.
func (e ErrorCode) benign() bool {
	return e == ErrorSameState || e == ErrorIncorrectStateOperation
}

var (
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
	// ErrFlushing is returned when an operation is refused because a flush is in progress.
	ErrFlushing = errors.New("flushing")
	// ErrResourceExhausted is returned when buffers cannot be allocated.
	ErrResourceExhausted = errors.New("resources exhausted")
	// ErrNotInitialized is returned by operations on a component without a handle.
	ErrNotInitialized = errors.New("component not initialized")
)

// HardwareError is a failure reported by the IL core for a specific operation.
type HardwareError struct {
	Component string
	Op        string
	Port      int
	Code      ErrorCode
}

func (e *HardwareError) Error() string {
	if e.Port == PortAll {
		return fmt.Sprintf("%s: %s failed: %s", e.Component, e.Op, e.Code)
	}

	return fmt.Sprintf("%s: %s on port %d failed: %s", e.Component, e.Op, e.Port, e.Code)
}

func (e *HardwareError) Unwrap() error {
	return e.Code
}

// codeOf extracts an ErrorCode from err, or ErrorUndefined if err carries none.
func codeOf(err error) ErrorCode {
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	return ErrorUndefined
}

type timeoutError struct {
	component  string
	waitingFor string
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%s: waiting for %s: %s", e.component, e.waitingFor, ErrTimeout)
}

func (e *timeoutError) Unwrap() error {
	return ErrTimeout
}
