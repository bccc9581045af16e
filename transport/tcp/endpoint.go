package tcp

import (
	"errors"
	log "github.com/GunjiD/tapstack/logging"
	"sync"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/checksum"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/seqnum"
	"github.com/GunjiD/tapstack/sleep"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/waiter"
)

type endpointState int

const (
	stateInitial endpointState = iota
	stateBound
	stateConnecting
	stateConnected
	stateListen
	stateClosed
)

// defaultRcvBufSize is the receive buffer size a new endpoint starts with,
// before any SetSockOpt(ReceiveBufferSizeOption) call changes it
const defaultRcvBufSize = 30000

// endpoint represents a TCP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal
// to have concurrent goroutines make calls into the endpoint, they are
// properly synchronized. The protocol implementation, however, runs in a
// single goroutine per connection
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint
	stack 		*stack.Stack
	netProtocol	types.NetworkProtocolNumber
	waiterQueue	*waiter.Queue

	// The following fields are protected by mu
	mu 						sync.RWMutex
	id 						types.TransportEndpointId
	state 					endpointState
	route 					types.Route
	boundNicId 				types.NicId
	effectiveNetProtocols	[]types.NetworkProtocolNumber
	isRegistered			bool
	closeRequested			bool
	finQueued				bool
	hardError				*types.Error

	// acceptedChan holds completed incoming connections for a listening
	// endpoint, to be handed out by Accept
	acceptedChan	chan *endpoint

	// snd and rcv are created once the connection's sequence space is
	// known -- after an active handshake finishes, or synchronously for
	// a passively accepted connection
	snd *sender
	rcv *receiver

	// segmentQueue holds segments delivered by HandlePacket and waiting
	// to be processed by this connection's own goroutine
	segmentQueue segmentQueue

	notificationWaker	sleep.Waker
	newSegmentWaker		sleep.Waker
	closeWaker			sleep.Waker

	// The following fields manage the bytes that have been reassembled
	// by rcv and are waiting for the user to Read them
	rcvMu			sync.Mutex
	rcvList			[]buffer.View
	rcvBufUsed		int
	rcvBufSizeMax	int
	rcvClosed		bool
}

func newEndpoint(stack *stack.Stack, netProtocol types.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	e := &endpoint{
		stack:			stack,
		netProtocol:	netProtocol,
		waiterQueue:	waiterQueue,
		rcvBufSizeMax:	defaultRcvBufSize,
	}
	e.segmentQueue.waker = &e.newSegmentWaker
	e.segmentQueue.setLimit(maxSegmentsPerWake * 2)

	return e
}

// registerWithStack reserves id's local port (picking an ephemeral one if
// it's zero) and registers e with the stack's demuxer under it
func (e *endpoint) registerWithStack(nicid types.NicId, netProtocols []types.NetworkProtocolNumber, id types.TransportEndpointId) (types.TransportEndpointId, error) {
	if id.LocalPort != 0 {
		err := e.stack.RegisterTransportEndpoint(nicid, netProtocols, ProtocolNumber, id, e)
		return id, err
	}

	_, err := e.stack.PickEphemeralPort(func(p uint16) (bool, error) {
		id.LocalPort = p
		err := e.stack.RegisterTransportEndpoint(nicid, netProtocols, ProtocolNumber, id, e)
		if err != nil {
			if errors.Is(err, types.ErrPortInUse) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})

	return id, err
}

// Bind binds the endpoint to a specific local address and port. Specifying
// a Nic is optional
func (e *endpoint) Bind(address types.FullAddress) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateInitial {
		return types.ErrInvalidEndpointState
	}

	netProtocols := []types.NetworkProtocolNumber{e.netProtocol}
	id := types.TransportEndpointId{
		LocalPort:		address.Port,
		LocalAddress:	address.Address,
	}

	id, err := e.registerWithStack(address.Nic, netProtocols, id)
	if err != nil {
		return err
	}

	e.id = id
	e.boundNicId = address.Nic
	e.effectiveNetProtocols = netProtocols
	e.isRegistered = true
	e.state = stateBound

	return nil
}

// Listen puts the endpoint in a state in which it is able to accept new
// connections
func (e *endpoint) Listen(backlog int) error {
	e.mu.Lock()

	if e.state != stateBound {
		e.mu.Unlock()
		return types.ErrInvalidEndpointState
	}

	e.acceptedChan = make(chan *endpoint, backlog)
	e.state = stateListen
	rcvWnd := seqnum.Size(e.rcvBufSizeMax)
	e.mu.Unlock()

	go e.protocolListenLoop(rcvWnd)

	return nil
}

// Accept returns a new connection that was received on a listening
// endpoint, or ErrWouldBlock if none is ready yet
func (e *endpoint) Accept() (types.Endpoint, *waiter.Queue, error) {
	e.mu.RLock()
	if e.state != stateListen {
		e.mu.RUnlock()
		return nil, nil, types.ErrInvalidEndpointState
	}
	ch := e.acceptedChan
	e.mu.RUnlock()

	select {
	case n, ok := <-ch:
		if !ok {
			return nil, nil, types.ErrInvalidEndpointState
		}
		wq := &waiter.Queue{}
		n.waiterQueue = wq
		go n.mainLoop()
		return n, wq, nil
	default:
		return nil, nil, types.ErrWouldBlock
	}
}

// connect implements the active open side of Connect
func (e *endpoint) connect(addr types.FullAddress) error {
	e.mu.Lock()
	if e.state != stateInitial && e.state != stateBound {
		e.mu.Unlock()
		return types.ErrAlreadyConnecting
	}

	netProtos := []types.NetworkProtocolNumber{e.netProtocol}

	localAddr := e.id.LocalAddress
	route, err := e.stack.FindRoute(addr.Nic, localAddr, addr.Address, e.netProtocol)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	id := types.TransportEndpointId{
		LocalAddress:	route.LocalAddress,
		LocalPort:		e.id.LocalPort,
		RemotePort:		addr.Port,
		RemoteAddress:	addr.Address,
	}

	id, err = e.registerWithStack(route.NicId(), netProtos, id)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.id = id
	e.route = route.Clone()
	e.boundNicId = route.NicId()
	e.effectiveNetProtocols = netProtos
	e.isRegistered = true
	e.state = stateConnecting
	e.mu.Unlock()

	go e.protocolMainLoop(true)

	return types.ErrConnectStarted
}

// Connect connects the endpoint to its peer. Specifying a Nic is optional
func (e *endpoint) Connect(addr types.FullAddress) error {
	return e.connect(addr)
}

// Close puts the endpoint in a closed state, initiating a graceful close of
// any open connection without blocking for it to complete
func (e *endpoint) Close() {
	e.mu.Lock()

	switch e.state {
	case stateClosed:
		e.mu.Unlock()
		return

	case stateInitial, stateBound:
		e.state = stateClosed
		isRegistered := e.isRegistered
		id, nicid, protos := e.id, e.boundNicId, e.effectiveNetProtocols
		e.mu.Unlock()
		if isRegistered {
			e.stack.UnregisterTransportEndpoint(nicid, protos, ProtocolNumber, id)
		}
		return

	case stateListen:
		e.state = stateClosed
		id, nicid, protos := e.id, e.boundNicId, e.effectiveNetProtocols
		accepted := e.acceptedChan
		e.acceptedChan = nil
		e.mu.Unlock()

		e.stack.UnregisterTransportEndpoint(nicid, protos, ProtocolNumber, id)
		close(accepted)
		for n := range accepted {
			n.Close()
		}
		return

	default:
		e.closeRequested = true
		e.mu.Unlock()
		e.notificationWaker.Assert()
	}
}

// Shutdown closes the read and/or write side of the connection. Shutting
// down the write side queues a FIN the same way Close's graceful path does;
// shutting down the read side just marks the receive queue closed, since
// this stack does not send a RST to tell the peer to stop sending
func (e *endpoint) Shutdown(flags types.ShutdownFlags) error {
	e.mu.Lock()
	if e.state != stateConnected {
		e.mu.Unlock()
		return types.ErrNotConnected
	}

	if flags&types.ShutdownRead != 0 {
		e.rcvMu.Lock()
		e.rcvClosed = true
		e.rcvMu.Unlock()
		e.waiterQueue.Notify(waiter.EventIn)
	}

	queueFIN := flags&types.ShutdownWrite != 0 && !e.closeRequested && !e.finQueued
	if queueFIN {
		e.closeRequested = true
	}
	e.mu.Unlock()

	if queueFIN {
		e.notificationWaker.Assert()
	}
	return nil
}

// SetSockOpt sets a socket option. opt should be one of the *Option types
func (e *endpoint) SetSockOpt(opt interface{}) error {
	switch v := opt.(type) {
	case types.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		e.rcvBufSizeMax = int(v)
		e.rcvMu.Unlock()
		return nil
	}
	return types.ErrNotSupported
}

// GetSockOpt gets a socket option. opt should be a pointer to one of the
// *Option types
func (e *endpoint) GetSockOpt(opt interface{}) error {
	switch v := opt.(type) {
	case *types.ReceiveBufferSizeOption:
		e.rcvMu.Lock()
		*v = types.ReceiveBufferSizeOption(e.rcvBufSizeMax)
		e.rcvMu.Unlock()
		return nil
	case *types.ErrorOption:
		e.mu.RLock()
		err := e.hardError
		e.mu.RUnlock()
		if err != nil {
			return err
		}
		return nil
	}
	return types.ErrNotSupported
}

// Read reads data from the endpoint. It does not block if there is no data
// pending
func (e *endpoint) Read(addr *types.FullAddress) (buffer.View, error) {
	e.rcvMu.Lock()

	if len(e.rcvList) == 0 {
		err := types.ErrWouldBlock
		if e.rcvClosed {
			err = types.ErrClosedForReceive
		}
		e.rcvMu.Unlock()
		return buffer.View{}, err
	}

	v := e.rcvList[0]
	e.rcvList = e.rcvList[1:]
	e.rcvBufUsed -= len(v)
	e.rcvMu.Unlock()

	if addr != nil {
		e.mu.RLock()
		*addr = types.FullAddress{Nic: e.boundNicId, Address: e.id.RemoteAddress, Port: e.id.RemotePort}
		e.mu.RUnlock()
	}

	return v, nil
}

// Write writes data to the endpoint's peer. It does not block if the data
// cannot be written right away; the sender queues it and flushes what it
// can
func (e *endpoint) Write(v buffer.View, to *types.FullAddress) (uintptr, error) {
	e.mu.Lock()
	if e.state != stateConnected {
		e.mu.Unlock()
		return 0, types.ErrClosedForSend
	}

	s := newSegmentFromView(&e.route, e.id, v)
	e.snd.writeList.PushBack(s)
	if e.snd.writeNext == nil {
		e.snd.writeNext = s
	}
	e.mu.Unlock()

	e.snd.sendData()

	return uintptr(len(v)), nil
}

// readyToRead is called by the receiver once it has determined that s
// carries data that is ready for the user to Read
func (e *endpoint) readyToRead(s *segment) {
	v := s.data.ToView()
	if len(v) == 0 {
		return
	}

	e.rcvMu.Lock()
	wasEmpty := len(e.rcvList) == 0
	e.rcvList = append(e.rcvList, v)
	e.rcvBufUsed += len(v)
	e.rcvMu.Unlock()

	if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// receiveBufferAvailable returns the amount of space left in the receive
// buffer, used by the receiver to compute the window to advertise
func (e *endpoint) receiveBufferAvailable() int {
	e.rcvMu.Lock()
	avail := e.rcvBufSizeMax - e.rcvBufUsed
	e.rcvMu.Unlock()

	if avail < 0 {
		return 0
	}
	return avail
}

// sendRaw builds and sends a single TCP segment with the given payload,
// flags, sequence/ack numbers, advertised window and raw option bytes
func (e *endpoint) sendRaw(data buffer.View, flags byte, seq, ack seqnum.Value, rcvWnd seqnum.Size, opts []byte) error {
	optLen := len(opts)
	hdr := buffer.NewPrependable(header.TCPMinimumSize + optLen + int(e.route.MaxHeaderLength()))

	tcpHdr := header.TCP(hdr.Prepend(header.TCPMinimumSize + optLen))
	win := rcvWnd
	if win > 0xffff {
		win = 0xffff
	}
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:	e.id.LocalPort,
		DstPort:	e.id.RemotePort,
		SeqNum:		uint32(seq),
		AckNum:		uint32(ack),
		DataOffset:	uint8(header.TCPMinimumSize + optLen),
		Flags:		flags,
		WindowSize:	uint16(win),
	})
	copy(tcpHdr[header.TCPMinimumSize:], opts)

	length := uint16(hdr.UsedLength())
	xsum := e.route.PseudoHeaderChecksum(ProtocolNumber)
	if len(data) > 0 {
		length += uint16(len(data))
		xsum = checksum.Checksum(data, xsum)
	}
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum, length))

	return e.route.WritePacket(&hdr, data, ProtocolNumber)
}

// HandlePacket implements types.TransportEndpoint. It is called by the
// stack when a new segment arrives for this connection
func (e *endpoint) HandlePacket(r *types.Route, id types.TransportEndpointId, vv *buffer.VectorisedView) {
	s := newSegment(r, id, vv)
	if !s.parse() {
		log.Printf("endpoint.HandlePacket: failed to parse incoming segment\n")
		return
	}

	e.segmentQueue.enqueue(s)
}
