package tcp

import (
	"time"

	"github.com/GunjiD/tapstack/seqnum"
	"github.com/GunjiD/tapstack/sleep"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/waiter"
	log "github.com/GunjiD/tapstack/logging"
)

// maxSegmentsPerWake is the maximum number of segments to process in the main
// protocol goroutine per wake-up. Yielding [after this number of segments are
// processed] allows other events to be processed as well (e.g., timeouts,
// resets, etc.)
const maxSegmentsPerWake = 100

// The following are used to set up sleepers
const (
	wakerForNotification = iota
	wakerForNewSegment
	wakerForResend
	wakerForClose
)

// closeTimeout is how long a connection's main loop keeps running after it
// has queued its own FIN. When it elapses the connection sends a RST and
// closes, whether or not the peer's FIN has arrived in the meantime
const closeTimeout = 3 * time.Second

// protocolMainLoop is the goroutine that owns a connected endpoint for its
// entire lifetime. For an active connection it first drives the handshake;
// a passively-accepted connection has already completed its handshake by
// the time this is started
func (e *endpoint) protocolMainLoop(isConnect bool) {
	if isConnect {
		h, err := newHandshake(e, seqnum.Size(e.rcvBufSizeMax))
		if err == nil {
			h.resetToSynSent()
			err = h.execute()
		}

		if err != nil {
			e.mu.Lock()
			e.state = stateClosed
			if tcpErr, ok := err.(*types.Error); ok {
				e.hardError = tcpErr
			}
			isRegistered, id, nicid, protos := e.isRegistered, e.id, e.boundNicId, e.effectiveNetProtocols
			e.mu.Unlock()

			if isRegistered {
				e.stack.UnregisterTransportEndpoint(nicid, protos, ProtocolNumber, id)
			}
			e.waiterQueue.Notify(waiter.EventOut | waiter.EventHup)
			return
		}

		e.mu.Lock()
		e.snd = newSender(e, h.iss, h.irs, h.sndWnd, h.mss, h.effectiveSndWndScale())
		e.rcv = newReceiver(e, h.irs, seqnum.Size(e.rcvBufSizeMax), uint8(h.effectiveRcvWndScale()))
		e.state = stateConnected
		e.mu.Unlock()

		e.waiterQueue.Notify(waiter.EventOut)
	}

	e.mainLoop()
}

// mainLoop is the steady-state loop of a connected endpoint: it drains
// incoming segments, retransmits unacknowledged data, and drives a
// requested close to completion
func (e *endpoint) mainLoop() {
	var s sleep.Sleeper
	s.AddWaker(&e.notificationWaker, wakerForNotification)
	s.AddWaker(&e.newSegmentWaker, wakerForNewSegment)
	s.AddWaker(&e.snd.resendWaker, wakerForResend)
	s.AddWaker(&e.closeWaker, wakerForClose)
	defer s.Done()

	resendTimer := e.stack.AddTimer(e.snd.rto, 0, e.snd.resendWaker.Assert)
	defer resendTimer.Stop()

	var closeTimer *stack.TimerHandle
	defer func() {
		if closeTimer != nil {
			closeTimer.Stop()
		}
	}()

loop:
	for {
		switch index, _ := s.Fetch(true); index {
		case wakerForNotification:
			e.mu.Lock()
			shouldQueueFIN := e.closeRequested && !e.finQueued
			e.mu.Unlock()
			if shouldQueueFIN {
				e.queueFIN()
				closeTimer = e.stack.AddTimer(closeTimeout, 0, e.closeWaker.Assert)
			}

		case wakerForNewSegment:
			for i := 0; i < maxSegmentsPerWake; i++ {
				seg := e.segmentQueue.dequeue()
				if seg == nil {
					break
				}
				if e.handleSegment(seg) {
					break loop
				}
			}
			if !e.segmentQueue.empty() {
				e.newSegmentWaker.Assert()
			}

		case wakerForResend:
			e.snd.retransmit()
			resendTimer.Reset(e.snd.rto)

		case wakerForClose:
			e.mu.Lock()
			sndUna, rcvNxt := e.snd.sndUna, e.rcv.rcvNxt
			e.state = stateClosed
			e.mu.Unlock()
			if err := e.sendRaw(nil, flagAck|flagRst, sndUna, rcvNxt, 0, nil); err != nil {
				log.Printf("mainLoop: failed to send reset on close timeout: %v\n", err)
			}
			break loop
		}

		e.mu.RLock()
		closed := e.state == stateClosed
		e.mu.RUnlock()
		if closed {
			break loop
		}
	}

	e.completeClose()
}

// handleSegment processes a single segment received on a connected (or
// closing) endpoint. It reports whether the connection has moved to a
// terminal state and the main loop should exit
func (e *endpoint) handleSegment(s *segment) bool {
	if s.flagIsSet(flagRst) {
		e.mu.Lock()
		e.state = stateClosed
		e.hardError = types.ErrConnectionReset
		e.mu.Unlock()
		e.waiterQueue.Notify(waiter.EventIn | waiter.EventErr | waiter.EventHup)
		return true
	}

	if s.flagIsSet(flagAck) {
		e.snd.handleRcvdSegment(s)
	}

	if s.data.Size() > 0 {
		e.rcv.handleRcvdSegment(s)
	}

	if s.flagIsSet(flagFin) {
		e.handleFin(s)
	}

	e.snd.sendData()

	return false
}

// handleFin processes an incoming FIN once it is the next expected byte in
// the stream, marking the receive side closed
func (e *endpoint) handleFin(s *segment) {
	finSeq := s.sequenceNumber.Add(seqnum.Size(s.data.Size()))

	e.mu.Lock()
	advance := e.rcv != nil && finSeq == e.rcv.rcvNxt
	if advance {
		e.rcv.rcvNxt++
		e.rcv.closed = true
	}
	e.mu.Unlock()

	if !advance {
		return
	}

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvMu.Unlock()

	e.waiterQueue.Notify(waiter.EventIn)
	e.snd.sendAck()
}

// queueFIN appends an empty (FIN-marked) segment to the send queue and
// flushes it
func (e *endpoint) queueFIN() {
	e.mu.Lock()
	fin := newSegmentFromView(&e.route, e.id, nil)
	e.snd.writeList.PushBack(fin)
	if e.snd.writeNext == nil {
		e.snd.writeNext = fin
	}
	e.finQueued = true
	e.mu.Unlock()

	e.snd.sendData()
}

// completeClose unregisters the endpoint from the stack and wakes any
// waiters blocked on it for the last time
func (e *endpoint) completeClose() {
	e.mu.Lock()
	registered := e.isRegistered
	e.isRegistered = false
	id, nicid, protos := e.id, e.boundNicId, e.effectiveNetProtocols
	e.mu.Unlock()

	if registered {
		e.stack.UnregisterTransportEndpoint(nicid, protos, ProtocolNumber, id)
	}

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvMu.Unlock()

	e.waiterQueue.Notify(waiter.EventIn | waiter.EventErr | waiter.EventHup)
}
