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

// Package wakeup is a lossless broadcast signal for goroutines that wait on a
// condition guarded by a mutex, with a deadline.
package wakeup

import "time"

// Signal is a broadcast wakeup. Waiters grab C() under the owner's lock and
// select on it after unlocking; Broadcast() under the same lock closes the
// channel and arms a fresh one, so no wakeup is lost between check and wait.
type Signal struct {
	c chan struct{}
}

func New() Signal {
	return Signal{c: make(chan struct{})}
}

func (s *Signal) C() <-chan struct{} {
	return s.c
}

func (s *Signal) Broadcast() {
	close(s.c)
	s.c = make(chan struct{})
}

// Wait blocks until c closes or the deadline passes. It returns false on timeout.
func Wait(c <-chan struct{}, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c:
		return true
	case <-t.C:
		return false
	}
}
