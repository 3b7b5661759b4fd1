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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const lTunnel = "tunnel"

// DefaultPortSettingsTimeout bounds the wait for a decoder to report its
// output format before a tunnel is bound.
const DefaultPortSettingsTimeout = 2000 * time.Millisecond

// DefaultDeestablishWait bounds the wait for a late port-settings-changed
// event when a tunnel is unbound.
const DefaultDeestablishWait = 300 * time.Millisecond

// Tunnel binds an output port of one component to an input port of another.
// All operations on one tunnel are serialized.
type Tunnel struct {
	lock sync.Mutex
	log  zerolog.Logger

	src     *Component
	srcPort int
	dst     *Component
	dstPort int

	established bool

	// PortSettingsTimeout bounds the port-settings-changed wait in Establish.
	PortSettingsTimeout time.Duration

	// DeestablishWait bounds the port-settings-changed wait in Deestablish.
	DeestablishWait time.Duration
}

// NewTunnel returns an unbound tunnel between src:srcPort and dst:dstPort.
func NewTunnel(src *Component, srcPort int, dst *Component, dstPort int, logger *zerolog.Logger) *Tunnel {
	return &Tunnel{
		log: logger.With().Str("pkg", "omx").
			Str(lTunnel, src.Name()+"->"+dst.Name()).Logger(),
		src:     src,
		srcPort: srcPort,
		dst:     dst,
		dstPort: dstPort,

		PortSettingsTimeout: DefaultPortSettingsTimeout,
		DeestablishWait:     DefaultDeestablishWait,
	}
}

// Established reports whether the tunnel is currently bound.
func (t *Tunnel) Established() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.established
}

// Establish binds the tunnel. A Loaded source is first brought to Idle. With
// waitPortSettings, the source's port-settings-changed event for srcPort is
// awaited before binding. Both ports are disabled, bound, and re-enabled; a
// Loaded destination is brought to Idle once its port is enabled.
func (t *Tunnel) Establish(waitPortSettings bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.src.Initialized() || !t.dst.Initialized() {
		return ErrNotInitialized
	}

	srcState, err := t.src.State()
	if err != nil {
		return err
	}

	if srcState == StateLoaded {
		if err := t.src.SetState(StateIdle); err != nil {
			return err
		}
	}

	if waitPortSettings {
		if err := t.src.WaitForEventData(EventPortSettingsChanged, t.srcPort, t.PortSettingsTimeout); err != nil {
			return err
		}
	}

	if err := t.src.DisablePort(t.srcPort, true); err != nil {
		return err
	}

	if err := t.dst.DisablePort(t.dstPort, true); err != nil {
		return err
	}

	if err := t.src.core.SetupTunnel(t.src.Handle(), t.srcPort, t.dst.Handle(), t.dstPort); err != nil {
		return &HardwareError{Component: t.src.Name(), Op: "SetupTunnel", Port: t.srcPort, Code: codeOf(err)}
	}

	if err := t.src.EnablePort(t.srcPort, false); err != nil {
		return err
	}

	if err := t.dst.EnablePort(t.dstPort, false); err != nil {
		return err
	}

	dstState, err := t.dst.State()
	if err != nil {
		return err
	}

	// The destination port must be enabled before a Loaded destination can
	// move to Idle.
	if err := t.dst.WaitForCommand(CommandPortEnable, t.dstPort, t.dst.CommandTimeout); err != nil {
		return err
	}

	if dstState == StateLoaded {
		if err := t.dst.SetState(StateIdle); err != nil {
			return err
		}
	}

	if err := t.src.WaitForCommand(CommandPortEnable, t.srcPort, t.src.CommandTimeout); err != nil {
		return err
	}

	t.established = true

	t.log.Debug().Int(lPort, t.srcPort).Int("dstPort", t.dstPort).Msg("tunnel established")

	return nil
}

// Flush flushes both ends of the tunnel and waits for each to complete.
func (t *Tunnel) Flush() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.established {
		return nil
	}

	if err := t.src.FlushPort(t.srcPort); err != nil {
		return err
	}

	return t.dst.FlushPort(t.dstPort)
}

// Deestablish unbinds the tunnel. Endpoints that are already deinitialized
// are skipped and unbinding an unbound tunnel is a no-op. Unless noWait is
// set, a port-settings-changed event on the source is awaited for up to
// DeestablishWait first; a timeout is not an error.
func (t *Tunnel) Deestablish(noWait bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.established {
		return nil
	}

	t.established = false

	var firstErr error

	keep := func(err error) {
		if err == nil {
			return
		}

		var hwErr *HardwareError
		if errors.As(err, &hwErr) && hwErr.Code.benign() {
			return
		}

		t.log.Info().Err(err).Msg("deestablish step failed")

		if firstErr == nil {
			firstErr = err
		}
	}

	srcHandle := t.src.Handle()
	dstHandle := t.dst.Handle()

	if srcHandle != 0 && !noWait {
		_ = t.src.WaitForEventData(EventPortSettingsChanged, t.srcPort, t.DeestablishWait)
	}

	if srcHandle != 0 {
		keep(t.src.DisablePort(t.srcPort, true))
	}

	if dstHandle != 0 {
		keep(t.dst.DisablePort(t.dstPort, true))
	}

	if srcHandle != 0 {
		if err := t.src.core.SetupTunnel(srcHandle, t.srcPort, 0, 0); err != nil {
			keep(&HardwareError{Component: t.src.Name(), Op: "SetupTunnel", Port: t.srcPort, Code: codeOf(err)})
		}
	}

	if dstHandle != 0 {
		if err := t.dst.core.SetupTunnel(0, 0, dstHandle, t.dstPort); err != nil {
			keep(&HardwareError{Component: t.dst.Name(), Op: "SetupTunnel", Port: t.dstPort, Code: codeOf(err)})
		}
	}

	t.log.Debug().Msg("tunnel deestablished")

	return firstErr
}
