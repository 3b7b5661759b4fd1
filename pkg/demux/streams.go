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
	"github.com/rs/zerolog"
)

// streamEntry is one elementary stream of an input. key is the backend's
// identifier for it: the ffmpeg stream index or the TS PID.
type streamEntry struct {
	key      int
	typ      StreamType
	hints    Hints
	pktCount int
}

func (st *streamEntry) MarshalZerologObject(e *zerolog.Event) {
	e.Int(lIndex, st.key).Stringer(lType, st.typ).EmbedObject(st.hints)
}

// streamSet lists an input's streams by type and remembers the active one
// per type. Read only returns packets of active streams.
type streamSet struct {
	byKey  map[int]*streamEntry
	byType map[StreamType][]*streamEntry
	active map[StreamType]int
}

func newStreamSet() *streamSet {
	return &streamSet{
		byKey:  make(map[int]*streamEntry),
		byType: make(map[StreamType][]*streamEntry),
		active: make(map[StreamType]int),
	}
}

func (s *streamSet) add(key int, typ StreamType, h Hints) *streamEntry {
	st := &streamEntry{key: key, typ: typ, hints: h}
	s.byKey[key] = st
	s.byType[typ] = append(s.byType[typ], st)

	return st
}

func (s *streamSet) len() int {
	return len(s.byKey)
}

func (s *streamSet) count(t StreamType) int {
	return len(s.byType[t])
}

func (s *streamSet) setActive(t StreamType, index int) bool {
	if index < 0 || index >= len(s.byType[t]) {
		return false
	}

	s.active[t] = index

	return true
}

func (s *streamSet) activeEntry(t StreamType) (*streamEntry, bool) {
	list := s.byType[t]
	if len(list) == 0 {
		return nil, false
	}

	return list[s.active[t]], true
}

// lookup returns the stream for key if it is the active one of its type.
func (s *streamSet) lookup(key int) (*streamEntry, bool) {
	st, ok := s.byKey[key]
	if !ok || st.typ == StreamNone {
		return nil, false
	}

	active, _ := s.activeEntry(st.typ)

	return st, active == st
}

func (s *streamSet) logArray() *zerolog.Array {
	arr := zerolog.Arr()
	for _, t := range []StreamType{StreamVideo, StreamAudio, StreamSubtitle} {
		for _, st := range s.byType[t] {
			arr.Object(st)
		}
	}

	return arr
}
