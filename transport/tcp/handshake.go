package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/seqnum"
	"github.com/GunjiD/tapstack/sleep"
	"github.com/GunjiD/tapstack/types"
	log "github.com/GunjiD/tapstack/logging"
)

// tcpDefaultMSS is the maximum segment size this stack advertises in the
// options of the SYN or SYN-ACK it sends, independent of whatever MSS the
// peer advertises back
const tcpDefaultMSS = 1460

type handshakeState int

const (
	handshakeSynSent handshakeState = iota
	handshakeSynRcvd
	handshakeCompleted
)

// handshake drives the TCP three-way handshake for a single endpoint, either
// as the side that sends the initial SYN (active open) or the side that
// answers one with a SYN-ACK (passive open)
type handshake struct {
	ep     *endpoint
	active bool
	state  handshakeState

	iss seqnum.Value
	irs seqnum.Value

	rcvWnd      seqnum.Size
	rcvWndScale int

	sndWnd      seqnum.Size
	mss         uint16
	sndWndScale int

	wndScaleOk bool
}

// generateISS picks a pseudo-random initial sequence number for a new
// connection
func generateISS() seqnum.Value {
	var b [4]byte
	rand.Read(b[:])
	return seqnum.Value(binary.BigEndian.Uint32(b[:]))
}

// calculateWndScale returns the smallest shift count that brings wnd within
// the 16-bit window field, capped at the protocol's maximum
func calculateWndScale(wnd seqnum.Size) int {
	scale := 0
	for wnd > 0xffff && scale < header.MaxWndScale {
		wnd >>= 1
		scale++
	}
	return scale
}

// newHandshake creates a handshake that will advertise rcvWnd as its
// receive window
func newHandshake(ep *endpoint, rcvWnd seqnum.Size) (*handshake, error) {
	return &handshake{
		ep:     ep,
		rcvWnd: rcvWnd,
		iss:    generateISS(),
	}, nil
}

// resetToSynRcvd prepares h to complete a passive open. The peer's SYN has
// already been seen (iss may already be committed to, e.g. via a SYN
// cookie); this finishes the negotiation based on the options it carried
func (h *handshake) resetToSynRcvd(iss, irs seqnum.Value, opts *header.TCPSynOptions) {
	h.active = false
	h.state = handshakeSynRcvd
	h.iss = iss
	h.irs = irs
	h.mss = opts.MSS
	h.sndWndScale = opts.WS
	h.wndScaleOk = opts.WS >= 0
	if h.wndScaleOk {
		h.rcvWndScale = calculateWndScale(h.rcvWnd)
	}
}

// resetToSynSent prepares h to perform an active open: send a SYN and wait
// for the SYN-ACK
func (h *handshake) resetToSynSent() {
	h.active = true
	h.state = handshakeSynSent
	h.rcvWndScale = calculateWndScale(h.rcvWnd)
}

// effectiveRcvWndScale returns the window scale this end of the connection
// should use when advertising its own receive window, once the handshake
// has completed
func (h *handshake) effectiveRcvWndScale() int {
	if !h.wndScaleOk {
		return 0
	}
	return h.rcvWndScale
}

// effectiveSndWndScale returns the window scale this end of the connection
// should use when interpreting the peer's advertised window, once the
// handshake has completed
func (h *handshake) effectiveSndWndScale() int {
	if !h.wndScaleOk {
		return 0
	}
	return h.sndWndScale
}

// advertisedWnd returns the (possibly scaled) window to carry in the final
// ACK of an active handshake, once negotiation is known
func (h *handshake) advertisedWnd() seqnum.Size {
	wnd := h.rcvWnd
	if h.wndScaleOk {
		wnd >>= seqnum.Size(h.rcvWndScale)
	}
	return wnd
}

// synOptions builds the raw option bytes to attach to the SYN or SYN-ACK
// this handshake sends, padded to a multiple of 4 bytes
func synOptions(mss uint16, wndScale int) []byte {
	opts := make([]byte, 0, 8)
	opts = append(opts, header.TCPOptionMSS, 4, byte(mss>>8), byte(mss))
	opts = append(opts, header.TCPOptionNOP, header.TCPOptionWS, 3, byte(wndScale))
	for len(opts)%4 != 0 {
		opts = append(opts, header.TCPOptionNOP)
	}
	return opts
}

// execute drives the handshake to completion, blocking until it succeeds or
// fails. The caller is responsible for aborting it by asserting the
// endpoint's notification waker
func (h *handshake) execute() error {
	var s sleep.Sleeper
	s.AddWaker(&h.ep.notificationWaker, wakerForNotification)
	s.AddWaker(&h.ep.newSegmentWaker, wakerForNewSegment)

	var resendWaker sleep.Waker
	s.AddWaker(&resendWaker, wakerForResend)
	defer s.Done()

	send := func() error {
		if h.active {
			opts := synOptions(tcpDefaultMSS, h.rcvWndScale)
			return h.ep.sendRaw(nil, flagSyn, h.iss, 0, h.rcvWnd, opts)
		}
		opts := synOptions(tcpDefaultMSS, h.rcvWndScale)
		return h.ep.sendRaw(nil, flagSyn|flagAck, h.iss, h.irs+1, h.rcvWnd, opts)
	}

	if err := send(); err != nil {
		return err
	}

	rto := 1 * time.Second
	timer := h.ep.stack.AddTimer(rto, 0, resendWaker.Assert)
	defer timer.Stop()

	for h.state != handshakeCompleted {
		switch index, _ := s.Fetch(true); index {
		case wakerForResend:
			rto *= 2
			if err := send(); err != nil {
				return err
			}
			timer.Reset(rto)

		case wakerForNewSegment:
			for {
				seg := h.ep.segmentQueue.dequeue()
				if seg == nil {
					break
				}
				if err := h.handleSegment(seg); err != nil {
					return err
				}
				if h.state == handshakeCompleted {
					break
				}
			}

		case wakerForNotification:
			log.Printf("handshake.execute: aborted by notification\n")
			return types.ErrAborted
		}
	}

	if !h.active {
		h.ep.rcv.rcvWndScale = uint8(h.effectiveRcvWndScale())
		h.ep.snd.sndWndScale = uint8(h.effectiveSndWndScale())
		h.ep.snd.sndWnd = h.sndWnd
	}

	return nil
}

// handleSegment processes a single segment arriving while the handshake is
// in progress
func (h *handshake) handleSegment(s *segment) error {
	if s.flagIsSet(flagRst) {
		return types.ErrConnectionRefused
	}

	switch h.state {
	case handshakeSynSent:
		if !s.flagIsSet(flagSyn) {
			return nil
		}

		h.irs = s.sequenceNumber
		h.sndWnd = s.window
		opts := header.ParseSynOptions(s.options, s.flagIsSet(flagAck))
		h.mss = opts.MSS
		if opts.WS >= 0 {
			h.wndScaleOk = true
			h.sndWndScale = opts.WS
		} else {
			h.wndScaleOk = false
			h.sndWndScale = 0
		}

		h.state = handshakeCompleted
		return h.ep.sendRaw(nil, flagAck, h.iss+1, h.irs+1, h.advertisedWnd(), nil)

	case handshakeSynRcvd:
		if !s.flagIsSet(flagAck) {
			return nil
		}
		if s.ackNumber != h.iss+1 {
			return nil
		}

		h.sndWnd = s.window
		h.state = handshakeCompleted
		return nil
	}

	return nil
}

// parseSynSegmentOptions parses the options carried by a just-received SYN
// segment
func parseSynSegmentOptions(s *segment) header.TCPSynOptions {
	return header.ParseSynOptions(s.options, s.flagIsSet(flagAck))
}
