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
	"image"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/TurbineOne/ffmpeg-player/pkg/omx/softil"
)

// presented counts chunks reaching the softil sinks, per role.
type presented struct {
	lock   sync.Mutex
	chunks map[string][]softil.Chunk
}

func (p *presented) present(role string, c softil.Chunk) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.chunks == nil {
		p.chunks = make(map[string][]softil.Chunk)
	}

	data := append([]byte(nil), c.Data...)
	c.Data = data
	p.chunks[role] = append(p.chunks[role], c)
}

func (p *presented) count(role string) int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.chunks[role])
}

func (p *presented) get(role string) []softil.Chunk {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]softil.Chunk(nil), p.chunks[role]...)
}

func newTestSession(t *testing.T) (*Session, *softil.Core, *presented) {
	t.Helper()

	log := zerolog.Nop()
	core := softil.New(&log)

	var p presented
	core.SetPresenter(p.present)

	s := NewSession(core, &log)
	t.Cleanup(func() { _ = s.Close() })

	return s, core, &p
}

func TestSessionComponents(t *testing.T) {
	s, core, _ := newTestSession(t)

	require.NotEmpty(t, s.ID)

	dec, err := s.AddComponent(softil.RoleVideoDecode)
	require.NoError(t, err)

	ren, err := s.AddComponent(softil.RoleVideoRender)
	require.NoError(t, err)
	require.NotEqual(t, dec, ren)

	c, err := s.Component(dec)
	require.NoError(t, err)
	require.Equal(t, 130, c.InputPort())

	tun, err := s.AddTunnel(dec, ren)
	require.NoError(t, err)

	tunnel, err := s.Tunnel(tun)
	require.NoError(t, err)
	require.False(t, tunnel.Established())

	require.Equal(t, 2, core.Components())

	_, err = s.AddComponent("no_such_role")
	require.Error(t, err)
	require.Equal(t, 2, core.Components())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Zero(t, core.Components())

	_, err = s.AddComponent(softil.RoleAudioRender)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionBadIDs(t *testing.T) {
	s, _, _ := newTestSession(t)

	var badID *badIDError

	_, err := s.Component(3)
	require.ErrorAs(t, err, &badID)

	_, err = s.Tunnel(-1)
	require.ErrorAs(t, err, &badID)

	_, err = s.AddTunnel(0, 1)
	require.ErrorAs(t, err, &badID)

	require.NoError(t, s.Release([]TunnelID{-1, 7}, []ComponentID{-1, 9}))
}

func TestSessionReleaseTwice(t *testing.T) {
	s, core, _ := newTestSession(t)

	id, err := s.AddComponent(softil.RoleAudioDecode)
	require.NoError(t, err)

	require.NoError(t, s.Release(nil, []ComponentID{id}))
	require.NoError(t, s.Release(nil, []ComponentID{id}))
	require.Zero(t, core.Components())
}

func TestSessionOverlay(t *testing.T) {
	s, _, _ := newTestSession(t)

	require.Equal(t, 255, s.Overlay().Alpha)

	o := Overlay{Rect: image.Rect(0, 0, 640, 360), Layer: 2, Alpha: 128}
	s.SetOverlay(o)
	require.Equal(t, o, s.Overlay())
}
