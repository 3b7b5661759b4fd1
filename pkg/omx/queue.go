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
	"sync"
	"time"

	"github.com/TurbineOne/ffmpeg-player/internal/wakeup"
)

// bufferQueue is a FIFO of buffer descriptors the client currently owns.
type bufferQueue struct {
	lock sync.Mutex
	bufs []*BufferHeader
	wake wakeup.Signal
}

func newBufferQueue() *bufferQueue {
	return &bufferQueue{wake: wakeup.New()}
}

func (q *bufferQueue) Push(buf *BufferHeader) {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.bufs = append(q.bufs, buf)
	q.wake.Broadcast()
}

// Pop waits up to timeout for a buffer. cancel is polled on every wakeup;
// when it reports true Pop gives up early.
func (q *bufferQueue) Pop(timeout time.Duration, cancel func() bool) *BufferHeader {
	deadline := time.Now().Add(timeout)

	for {
		q.lock.Lock()
		if cancel != nil && cancel() {
			q.lock.Unlock()

			return nil
		}

		if len(q.bufs) > 0 {
			buf := q.bufs[0]
			q.bufs[0] = nil
			q.bufs = q.bufs[1:]
			q.lock.Unlock()

			return buf
		}

		c := q.wake.C()
		q.lock.Unlock()

		if !wakeup.Wait(c, deadline) {
			return nil
		}
	}
}

// Wake releases every waiter so it re-checks its cancel condition.
func (q *bufferQueue) Wake() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.wake.Broadcast()
}

func (q *bufferQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.bufs)
}

// Remove drops buf from the queue, if present.
func (q *bufferQueue) Remove(buf *BufferHeader) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for i, b := range q.bufs {
		if b == buf {
			q.bufs = append(q.bufs[:i], q.bufs[i+1:]...)

			return
		}
	}
}

func (q *bufferQueue) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.bufs = nil
}

// eventLog records events until a waiter consumes them.
type eventLog struct {
	lock   sync.Mutex
	events []Event
	wake   wakeup.Signal
}

func newEventLog() *eventLog {
	return &eventLog{wake: wakeup.New()}
}

func (l *eventLog) Add(ev Event) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.events = append(l.events, ev)
	l.wake.Broadcast()
}

func (l *eventLog) Reset() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.events = nil
}

func (l *eventLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.events)
}

// matchResult tells Wait what to do with an inspected entry.
type matchResult int

const (
	matchNone matchResult = iota
	matchDone
	matchFailed
)

// Wait scans the log in order, removing the first entry for which match
// returns other than matchNone. It returns that entry and result, or
// matchNone with ok false when the timeout expires first.
func (l *eventLog) Wait(match func(Event) matchResult, timeout time.Duration) (Event, matchResult, bool) {
	deadline := time.Now().Add(timeout)

	for {
		l.lock.Lock()
		for i, ev := range l.events {
			if r := match(ev); r != matchNone {
				l.events = append(l.events[:i], l.events[i+1:]...)
				l.lock.Unlock()

				return ev, r, true
			}
		}

		c := l.wake.C()
		l.lock.Unlock()

		if !wakeup.Wait(c, deadline) {
			return Event{}, matchNone, false
		}
	}
}
