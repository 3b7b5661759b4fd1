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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/TurbineOne/ffmpeg-player/internal/wakeup"
	"github.com/TurbineOne/ffmpeg-player/pkg/clock"
	"github.com/TurbineOne/ffmpeg-player/pkg/demux"
	"github.com/TurbineOne/ffmpeg-player/pkg/omx"
)

const (
	lStage    = "stage"
	lPTS      = "pts"
	lSize     = "size"
	lQueued   = "queued"
	lState    = "state"
	lDropped  = "dropped"
	lSubmit   = "submitted"
	lDuration = "duration"
)

// presentPoll bounds each sleep while waiting for the clock to reach a
// packet, so a flush or close is noticed promptly.
const presentPoll = 10 * time.Millisecond

// errSkipped marks a packet deliberately not submitted.
var errSkipped = errors.New("packet skipped")

// StageState is the lifecycle state of a stage.
type StageState int32

const (
	StageClosed StageState = iota
	StageOpen
	StageRunning
	StageFlushing
)

var stageStateNames = map[StageState]string{
	StageClosed:   "Closed",
	StageOpen:     "Open",
	StageRunning:  "Running",
	StageFlushing: "Flushing",
}

func (s StageState) String() string {
	if name, ok := stageStateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("StageState(%d)", int32(s))
}

// stageBackend is the decoder chain behind a stage.
type stageBackend interface {
	// decode submits one packet. errSkipped, ErrStreamDesync, omx.ErrFlushing
	// and omx.ErrTimeout drop the packet; any other error fails the stage.
	decode(p *demux.Packet) error
	submitEOS() error
	isEOS() bool
	// beginFlush releases waits blocked inside decode.
	beginFlush()
	// flush discards data buffered in the decoder chain. decode is not
	// running while it is called.
	flush()
	endFlush()
	close() error
}

// stage is the packet queue and worker shared by the audio and video stages.
type stage struct {
	name    string
	cfg     StageConfig
	clock   *clock.Clock
	log     zerolog.Logger
	backend stageBackend

	lock       sync.Mutex
	state      StageState
	queue      []*demux.Packet
	queued     int64
	eosPending bool
	stopped    bool
	wake       wakeup.Signal

	// decodeLock is held while a packet is decoded, so Flush can wait for
	// the decoder chain to go quiet.
	decodeLock sync.Mutex
	flushing   atomic.Bool
	worker     bool
	stopC      chan struct{}
	doneC      chan struct{}

	submitted  atomic.Int64
	dropped    atomic.Int64
	currentPTS atomic.Duration
	err        atomic.Error
}

func newStage(name string, cfg StageConfig, clk *clock.Clock, log *zerolog.Logger) *stage {
	s := &stage{
		name:  name,
		cfg:   cfg,
		clock: clk,
		log:   log.With().Str(lStage, name).Logger(),
		wake:  wakeup.New(),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	s.currentPTS.Store(demux.NoPTS)

	return s
}

// open moves a closed stage to Open and starts the worker in threaded mode.
// The worker consumes nothing until start.
func (s *stage) open(backend stageBackend) error {
	if s.cfg.QueueCap == 0 {
		return fmt.Errorf("%s stage: queue cap must be positive", s.name)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return ErrClosed
	}

	s.backend = backend
	s.state = StageOpen

	if s.cfg.Threaded {
		s.worker = true

		go s.run()
	}

	s.log.Debug().Bool("threaded", s.cfg.Threaded).Stringer("queueCap", s.cfg.QueueCap).Msg("stage open")

	return nil
}

// Start lets the worker consume queued packets.
func (s *stage) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StageOpen {
		s.state = StageRunning
		s.wake.Broadcast()
	}
}

// State returns the lifecycle state.
func (s *stage) State() StageState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

// AddPacket queues p, or in inline mode decodes it before returning. It
// returns false, leaving p with the caller, if p would push the queued bytes
// over the cap or the stage is closed.
func (s *stage) AddPacket(p *demux.Packet) bool {
	if p == nil {
		return false
	}

	size := int64(p.Size())
	limit := int64(s.cfg.QueueCap)

	if !s.cfg.Threaded {
		if st := s.State(); st == StageClosed || size > limit {
			return false
		}

		s.decodeLock.Lock()
		s.process(p)
		s.decodeLock.Unlock()

		return true
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StageClosed || s.stopped || s.queued+size > limit {
		return false
	}

	s.queue = append(s.queue, p)
	s.queued += size
	s.wake.Broadcast()

	return true
}

// Fits reports whether a packet of size bytes can ever be queued.
func (s *stage) Fits(size int) bool {
	return int64(size) <= int64(s.cfg.QueueCap)
}

// WaitForSpace waits up to timeout until size more bytes fit in the queue.
func (s *stage) WaitForSpace(size int, timeout time.Duration) bool {
	if !s.Fits(size) {
		return false
	}

	deadline := time.Now().Add(timeout)

	for {
		s.lock.Lock()
		if s.state == StageClosed || s.stopped {
			s.lock.Unlock()

			return false
		}

		if !s.cfg.Threaded || s.queued+int64(size) <= int64(s.cfg.QueueCap) {
			s.lock.Unlock()

			return true
		}

		c := s.wake.C()
		s.lock.Unlock()

		if !wakeup.Wait(c, deadline) {
			return false
		}
	}
}

// run is the worker loop.
func (s *stage) run() {
	defer close(s.doneC)

	for s.waitWork() {
		s.decodeLock.Lock()

		// A flush may have emptied the queue while we waited for the lock.
		if p := s.pop(); p != nil {
			s.process(p)
		} else if s.takeEOS() {
			s.sendEOS()
		}

		s.decodeLock.Unlock()

		if s.err.Load() != nil {
			return
		}
	}
}

// waitWork blocks until there is something to do. It returns false once the
// stage is stopping.
func (s *stage) waitWork() bool {
	for {
		s.lock.Lock()
		if s.stopped {
			s.lock.Unlock()

			return false
		}

		if s.state == StageRunning && (len(s.queue) > 0 || s.eosPending) {
			s.lock.Unlock()

			return true
		}

		c := s.wake.C()
		s.lock.Unlock()

		select {
		case <-c:
		case <-s.stopC:
			return false
		}
	}
}

func (s *stage) pop() *demux.Packet {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StageRunning || len(s.queue) == 0 {
		return nil
	}

	p := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.queued -= int64(p.Size())
	s.wake.Broadcast()

	return p
}

func (s *stage) takeEOS() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StageRunning || !s.eosPending {
		return false
	}

	s.eosPending = false

	return true
}

// process decodes p and frees it. Caller holds decodeLock.
func (s *stage) process(p *demux.Packet) {
	defer p.Free()

	err := s.backend.decode(p)

	switch {
	case err == nil:
		s.submitted.Inc()

		if p.PTS != demux.NoPTS {
			s.currentPTS.Store(p.PTS)
		}

	case errors.Is(err, errSkipped), errors.Is(err, ErrStreamDesync), errors.Is(err, omx.ErrFlushing):
		s.dropped.Inc()

	case errors.Is(err, omx.ErrTimeout):
		s.dropped.Inc()
		s.log.Info().Dur(lPTS, p.PTS).Int(lSize, p.Size()).Msg("no input buffer in time, packet dropped")

	default:
		s.fail(err)
	}
}

func (s *stage) fail(err error) {
	if !s.err.CompareAndSwap(nil, &StageFailedError{Stage: s.name, Err: err}) {
		return
	}

	s.log.Error().Err(err).Msg("stage failed")
}

// SubmitEOS queues an end-of-stream marker behind the queued packets.
func (s *stage) SubmitEOS() error {
	if !s.cfg.Threaded {
		if s.State() == StageClosed {
			return ErrClosed
		}

		s.decodeLock.Lock()
		defer s.decodeLock.Unlock()

		s.sendEOS()

		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StageClosed || s.stopped {
		return ErrClosed
	}

	s.eosPending = true
	s.wake.Broadcast()

	return nil
}

func (s *stage) sendEOS() {
	if err := s.backend.submitEOS(); err != nil {
		if errors.Is(err, omx.ErrFlushing) {
			return
		}

		s.log.Info().Err(err).Msg("end of stream not submitted")

		return
	}

	s.log.Debug().Msg("end of stream submitted")
}

// IsEOS reports whether the renderer has played out the end of stream.
func (s *stage) IsEOS() bool {
	if s.State() == StageClosed {
		return true
	}

	return s.backend.isEOS()
}

// Flush drops every queued packet and everything buffered in the decoder
// chain. When it returns the queue is empty.
func (s *stage) Flush() {
	s.lock.Lock()
	if s.state == StageClosed {
		s.lock.Unlock()

		return
	}
	s.lock.Unlock()

	s.flushing.Store(true)
	s.backend.beginFlush()

	s.decodeLock.Lock()
	defer s.decodeLock.Unlock()

	s.lock.Lock()
	prev := s.state
	s.state = StageFlushing
	dropped := s.clearLocked()
	s.eosPending = false
	s.lock.Unlock()

	s.backend.flush()

	s.lock.Lock()
	s.state = prev
	s.wake.Broadcast()
	s.lock.Unlock()

	s.backend.endFlush()
	s.flushing.Store(false)
	s.currentPTS.Store(demux.NoPTS)

	s.log.Debug().Int(lDropped, dropped).Msg("stage flushed")
}

// clearLocked frees the queue. Caller holds lock.
func (s *stage) clearLocked() int {
	n := len(s.queue)

	for i, p := range s.queue {
		p.Free()
		s.queue[i] = nil
	}

	s.queue = s.queue[:0]
	s.queued = 0
	s.wake.Broadcast()

	return n
}

// Close stops the worker, frees the queue and releases the decoder chain.
// Closing twice is a no-op.
func (s *stage) Close() error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()

		return nil
	}

	s.stopped = true
	close(s.stopC)
	s.wake.Broadcast()
	backend := s.backend
	worker := s.worker
	s.lock.Unlock()

	if backend != nil {
		s.flushing.Store(true)
		backend.beginFlush()
	}

	if worker {
		<-s.doneC
	}

	s.lock.Lock()
	s.clearLocked()
	s.state = StageClosed
	s.lock.Unlock()

	s.log.Debug().Int64(lSubmit, s.submitted.Load()).Int64(lDropped, s.dropped.Load()).Msg("stage closed")

	if backend == nil {
		return nil
	}

	return backend.close()
}

// waitUntilDue holds a packet until the clock is within PresentLead of pts.
// It returns false if a flush or close interrupted the wait.
func (s *stage) waitUntilDue(pts time.Duration) bool {
	if pts == demux.NoPTS {
		return true
	}

	for {
		if s.clock.StepMode() {
			return true
		}

		ahead := pts - s.cfg.PresentLead - s.clock.MediaTime()
		if ahead <= 0 {
			return true
		}

		if s.flushing.Load() {
			return false
		}

		t := time.NewTimer(min(ahead, presentPoll))

		select {
		case <-s.stopC:
			t.Stop()

			return false
		case <-t.C:
		}
	}
}

// submitBuffers copies data into as many decoder input buffers as needed.
// The last one carries EndOfFrame.
func (s *stage) submitBuffers(dec *omx.Component, data []byte, pts time.Duration, flags omx.BufferFlags) error {
	timeout := s.cfg.chunkTimeout()

	for first := true; first || len(data) > 0; first = false {
		buf := dec.GetInputBuffer(timeout)
		if buf == nil {
			if s.flushing.Load() || dec.Flushing() {
				return omx.ErrFlushing
			}

			return fmt.Errorf("%s input buffer: %w", s.name, omx.ErrTimeout)
		}

		n := buf.Fill(data)
		data = data[n:]

		buf.Flags = flags
		if len(data) == 0 {
			buf.Flags |= omx.BufferFlagEndOfFrame
		}

		if pts == demux.NoPTS {
			buf.Flags |= omx.BufferFlagTimeUnknown
		} else {
			buf.PTS = pts
		}

		if err := dec.EmptyThisBuffer(buf); err != nil {
			return err
		}

		// Only the first piece starts a frame.
		flags &^= omx.BufferFlagStartTime
	}

	return nil
}

// GetCached returns the bytes queued ahead of the decoder.
func (s *stage) GetCached() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.queued
}

// GetCachedDuration returns how much media time is queued.
func (s *stage) GetCachedDuration() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()

	var (
		sum         time.Duration
		first, last = demux.NoPTS, demux.NoPTS
		lastDur     time.Duration
	)

	for _, p := range s.queue {
		sum += p.Duration

		if p.PTS == demux.NoPTS {
			continue
		}

		if first == demux.NoPTS || p.PTS < first {
			first = p.PTS
		}

		if last == demux.NoPTS || p.PTS >= last {
			last = p.PTS
			lastDur = p.Duration
		}
	}

	if first == demux.NoPTS {
		return sum
	}

	return max(sum, last+lastDur-first)
}

// GetCurrentPTS returns the timestamp of the last packet submitted.
func (s *stage) GetCurrentPTS() time.Duration {
	return s.currentPTS.Load()
}

// Submitted returns how many packets reached the decoder.
func (s *stage) Submitted() int64 {
	return s.submitted.Load()
}

// Dropped returns how many packets were discarded instead of decoded.
func (s *stage) Dropped() int64 {
	return s.dropped.Load()
}

// Err returns the failure that stopped the stage, if any.
func (s *stage) Err() error {
	return s.err.Load()
}
