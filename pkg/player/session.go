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
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TurbineOne/ffmpeg-player/pkg/logger"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

const (
	lComponentID = "componentID"
	lTunnelID    = "tunnelID"
)

// paramOverlay carries the Overlay to video renderers.
const paramOverlay = "overlay"

// ComponentID addresses a component in a Session.
type ComponentID int

// TunnelID addresses a tunnel in a Session.
type TunnelID int

// Overlay is where and how the video layer is composited.
type Overlay struct {
	Rect  image.Rectangle // empty means full screen
	Layer int
	Alpha int // 0-255
}

// badIDError is returned for an ID the session never handed out.
type badIDError struct {
	kind string
	id   int
}

func (e *badIDError) Error() string {
	return fmt.Sprintf("no %s with id %d in session", e.kind, e.id)
}

// Session owns every component and tunnel of one playback. Stages refer to
// them by ID so teardown order does not matter.
type Session struct {
	ID   string
	core omx.Core
	log  zerolog.Logger

	lock       sync.Mutex
	components []*omx.Component
	tunnels    []*omx.Tunnel
	overlay    Overlay
	closed     bool
}

// NewSession returns an empty session on core.
func NewSession(core omx.Core, log *zerolog.Logger) *Session {
	id := uuid.NewString()
	sessionLog := logger.ForSession(log, id)

	return &Session{
		ID:      id,
		core:    core,
		log:     sessionLog.With().Str("pkg", "player").Logger(),
		overlay: Overlay{Alpha: 255},
	}
}

// Logger returns the session logger.
func (s *Session) Logger() *zerolog.Logger {
	return &s.log
}

// AddComponent initializes a component for role and stores it.
func (s *Session) AddComponent(role string) (ComponentID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return -1, ErrClosed
	}

	c := omx.NewComponent(s.core, role, &s.log)
	if err := c.Initialize(); err != nil {
		_ = c.Deinitialize()

		return -1, err
	}

	s.components = append(s.components, c)
	id := ComponentID(len(s.components) - 1)

	s.log.Debug().Int(lComponentID, int(id)).Str("role", role).Msg("component added")

	return id, nil
}

// Component returns the component with id.
func (s *Session) Component(id ComponentID) (*omx.Component, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if id < 0 || int(id) >= len(s.components) {
		return nil, &badIDError{kind: "component", id: int(id)}
	}

	return s.components[id], nil
}

// AddTunnel stores an unbound tunnel from the output port of src to the
// input port of dst.
func (s *Session) AddTunnel(src, dst ComponentID) (TunnelID, error) {
	srcComp, err := s.Component(src)
	if err != nil {
		return -1, err
	}

	dstComp, err := s.Component(dst)
	if err != nil {
		return -1, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return -1, ErrClosed
	}

	t := omx.NewTunnel(srcComp, srcComp.OutputPort(), dstComp, dstComp.InputPort(), &s.log)
	s.tunnels = append(s.tunnels, t)

	return TunnelID(len(s.tunnels) - 1), nil
}

// Tunnel returns the tunnel with id.
func (s *Session) Tunnel(id TunnelID) (*omx.Tunnel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if id < 0 || int(id) >= len(s.tunnels) {
		return nil, &badIDError{kind: "tunnel", id: int(id)}
	}

	return s.tunnels[id], nil
}

// SetOverlay stores the overlay applied to video renderers.
func (s *Session) SetOverlay(o Overlay) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.overlay = o
}

// Overlay returns the current overlay.
func (s *Session) Overlay() Overlay {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.overlay
}

// Release unbinds tunnels and deinitializes components, in any order. Both
// are idempotent, so releasing twice or after a stage has torn its own
// parts down is harmless.
func (s *Session) Release(tunnels []TunnelID, components []ComponentID) error {
	var firstErr error

	for _, id := range tunnels {
		t, err := s.Tunnel(id)
		if err != nil {
			continue
		}

		if err := t.Deestablish(true); err != nil {
			s.log.Info().Int(lTunnelID, int(id)).Err(err).Msg("deestablish failed")

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, id := range components {
		c, err := s.Component(id)
		if err != nil {
			continue
		}

		if err := c.Deinitialize(); err != nil {
			s.log.Info().Int(lComponentID, int(id)).Err(err).Msg("deinitialize failed")

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Close releases everything the session holds. Closing twice is a no-op.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()

		return nil
	}

	s.closed = true

	tunnels := make([]TunnelID, len(s.tunnels))
	for i := range s.tunnels {
		tunnels[i] = TunnelID(i)
	}

	components := make([]ComponentID, len(s.components))
	for i := range s.components {
		components[i] = ComponentID(i)
	}
	s.lock.Unlock()

	err := s.Release(tunnels, components)

	s.log.Debug().Int("components", len(components)).Int("tunnels", len(tunnels)).Msg("session closed")

	return err
}
