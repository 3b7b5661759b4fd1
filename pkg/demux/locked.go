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
	"sync"
	"time"
)

// lockedSource guards every call into a Source with one mutex, so metadata
// queries from other goroutines never race the reading goroutine.
type lockedSource struct {
	lock sync.Mutex
	src  Source
}

// Locked wraps src. Wrapping an already wrapped source returns it unchanged.
func Locked(src Source) Source {
	if l, ok := src.(*lockedSource); ok {
		return l
	}

	return &lockedSource{src: src}
}

func (l *lockedSource) Read() (*Packet, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.Read()
}

func (l *lockedSource) SeekTime(t time.Duration, backward bool) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.SeekTime(t, backward)
}

func (l *lockedSource) SetActiveStream(t StreamType, index int) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.SetActiveStream(t, index)
}

func (l *lockedSource) GetHints(t StreamType) (Hints, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.GetHints(t)
}

func (l *lockedSource) StreamCount(t StreamType) int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.StreamCount(t)
}

func (l *lockedSource) Duration() time.Duration {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.Duration()
}

func (l *lockedSource) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.src.Close()
}
