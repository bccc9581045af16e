package context

import (
	"testing"
	"time"

	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/network/ipv4"
	"github.com/GunjiD/tapstack/transport/tcp"
	"github.com/GunjiD/tapstack/link/channel"
	"github.com/GunjiD/tapstack/link/sniffer"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/checksum"
	"github.com/GunjiD/tapstack/seqnum"
	"github.com/GunjiD/tapstack/waiter"
)

const (
	// StackAddr is the IPv4 address assigned to the stack
	StackAddr = "\x0a\x00\x00\x01"

	// StackPort is used as the listening port in tests for passive connects
	StackPort = 1234

	// TestAddr is the source address for packets sent to the stack via the
	// link layer endpoint
	TestAddr = "\x0a\x00\x00\x02"

	// TestPort is the TCP port used for packets sent to the stack via the link layer
	// endpoint
	TestPort = 4096
)

// packetTimeout bounds how long GetPacket waits for a segment to appear on
// the link before failing the test
const packetTimeout = 2 * time.Second

// Headers describes the fields of a segment crafted to play the part of the
// remote peer in a connection
type Headers struct {
	SrcPort	uint16
	DstPort	uint16
	Flags	byte
	SeqNum	seqnum.Value
	AckNum	seqnum.Value
	RcvWnd	seqnum.Size
}

// Context provides an initialized Network stack and a link layer endpoint
// for use in TCP tests
type Context struct {
	t 		*testing.T
	linkEP	*channel.Endpoint
	s 		*stack.Stack

	// IRS is the initial sequence number chosen by the stack side of the
	// connection under test, captured the first time its SYN or SYN-ACK
	// is observed on the link
	IRS seqnum.Value

	// Port is the local port the stack's endpoint under test ended up
	// using
	Port uint16

	// EP is the test endpoint in the stack owned by this context. This endpoint
	// is used in various tests to either initiate an active context or is used
	// as a passive listening endpoint to accept inbound connections
	EP 		types.Endpoint

	// WQ is the waiter queue registered against EP
	WQ *waiter.Queue
}

// New allocations and initializes a test context containing a new
// stack and a link-layer endpoint
func New(t *testing.T, mtu uint32) *Context {
	s := stack.New([]string{ipv4.ProtocolName}, []string{tcp.ProtocolName})

	id, linkEP := channel.New(256, mtu)
	if testing.Verbose() {
		id = sniffer.New(id)
	}

	if err := s.CreateNic(1, id); err != nil {
		t.Fatalf("CreateNic failed: %v", err)
	}

	if err := s.AddAddress(1, ipv4.ProtocolNumber, StackAddr); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}

	s.SetRouteTable([]types.RouteEntry{
		{
			Destination:	"\x00\x00\x00\x00",
			Mask:			"\x00\x00\x00\x00",
			Gateway:		"",
			Nic:			1,
		},
	})

	return &Context{
		t:		t,
		s:		s,
		linkEP:	linkEP,
	}
}

// Stack returns a reference to the stack in the Context
func (c *Context) Stack() *stack.Stack {
	return c.s
}

// Cleanup closes the context endpoint if required
func (c *Context) Cleanup() {
	if c.EP != nil {
		c.EP.Close()
	}
}

// GetPacket reads the next packet the stack wrote to its link endpoint,
// reconstructed as a raw IPv4 datagram (this link has no header of its own,
// so the network layer's header plus the transport payload is the whole
// packet). It fails the test if nothing arrives within packetTimeout
func (c *Context) GetPacket() []byte {
	select {
	case p := <-c.linkEP.C:
		b := make([]byte, 0, len(p.Header)+len(p.Payload))
		b = append(b, p.Header...)
		b = append(b, p.Payload...)
		return b

	case <-time.After(packetTimeout):
		c.t.Fatalf("Timed out waiting for packet")
		return nil
	}
}

// CheckNoPacket asserts that nothing is written to the link endpoint within
// a short window, failing the test with errMsg if something is
func (c *Context) CheckNoPacket(errMsg string) {
	select {
	case <-c.linkEP.C:
		c.t.Fatalf(errMsg)
	case <-time.After(500 * time.Millisecond):
	}
}

// buildSegment encodes an IPv4 datagram carrying a TCP segment with the
// given headers, raw options and payload, addressed from TestAddr to
// StackAddr
func buildSegment(h *Headers, rawOptions []byte, data []byte) buffer.VectorisedView {
	optLen := len(rawOptions)
	totalLen := header.IPv4MinimumSize + header.TCPMinimumSize + optLen + len(data)

	b := make(buffer.View, totalLen)

	ip := header.IPv4(b[:header.IPv4MinimumSize])
	ip.Encode(&header.IPv4Fields{
		IHL:			header.IPv4MinimumSize,
		TotalLength:	uint16(totalLen),
		TTL:			65,
		Protocol:		uint8(header.TCPProtocolNumber),
		SrcAddr:		TestAddr,
		DstAddr:		StackAddr,
	})
	ip.SetChecksum(checksum.Finalize(ip.CalculateChecksum()))

	tcpHdr := header.TCP(b[header.IPv4MinimumSize:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:	h.SrcPort,
		DstPort:	h.DstPort,
		SeqNum:		uint32(h.SeqNum),
		AckNum:		uint32(h.AckNum),
		DataOffset:	uint8(header.TCPMinimumSize + optLen),
		Flags:		h.Flags,
		WindowSize:	uint16(h.RcvWnd),
	})
	copy(b[header.IPv4MinimumSize+header.TCPMinimumSize:], rawOptions)
	if len(data) > 0 {
		copy(b[header.IPv4MinimumSize+header.TCPMinimumSize+optLen:], data)
	}

	xsum := checksum.PseudoHeader([]byte(TestAddr), []byte(StackAddr), uint8(header.TCPProtocolNumber))
	length := uint16(header.TCPMinimumSize + optLen + len(data))
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum, length))

	return buffer.NewVectorisedView([]buffer.View{b}, len(b))
}

// SendPacket crafts and injects a segment as if it had arrived from the
// peer at TestAddr:TestPort
func (c *Context) SendPacket(data []byte, h *Headers) {
	vv := buildSegment(h, nil, data)
	c.linkEP.Inject(ipv4.ProtocolNumber, &vv)
}

// sendHandshakeSegment injects a segment carrying the given flags, sequence
// numbers, window and options, from TestAddr:TestPort to the stack's chosen
// port
func (c *Context) sendHandshakeSegment(flags byte, seq, ack seqnum.Value, rcvWnd seqnum.Size, rawOptions []byte) {
	vv := buildSegment(&Headers{
		SrcPort:	TestPort,
		DstPort:	c.Port,
		Flags:		flags,
		SeqNum:		seq,
		AckNum:		ack,
		RcvWnd:		rcvWnd,
	}, rawOptions, nil)
	c.linkEP.Inject(ipv4.ProtocolNumber, &vv)
}

// createConnected drives an active open: it kicks off Connect on a fresh
// endpoint, intercepts the resulting SYN to learn the stack's chosen port
// and ISS, answers with a SYN-ACK carrying rawOptions, and waits for the
// handshake's final ACK before handing the connected endpoint back
func (c *Context) createConnected(irs uint32, rcvWnd seqnum.Size, opt *types.ReceiveBufferSizeOption, rawOptions []byte) {
	wq := &waiter.Queue{}
	ep, err := c.s.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, wq)
	if err != nil {
		c.t.Fatalf("NewEndpoint failed: %v", err)
	}

	if opt != nil {
		if err := ep.SetSockOpt(*opt); err != nil {
			c.t.Fatalf("SetSockOpt failed: %v", err)
		}
	}

	we, notifyCh := waiter.NewChannelEntry(nil)
	wq.EventRegister(&we, waiter.EventOut)
	defer wq.EventUnregister(&we)

	if err := ep.Connect(types.FullAddress{Address: TestAddr, Port: TestPort}); err != types.ErrConnectStarted {
		c.t.Fatalf("Unexpected return value from Connect: %v", err)
	}

	b := c.GetPacket()
	tcpHdr := header.TCP(header.IPv4(b).Payload())
	c.Port = tcpHdr.SourcePort()
	c.IRS = seqnum.Value(tcpHdr.SequenceNumber())

	c.sendHandshakeSegment(header.TCPFlagSyn|header.TCPFlagAck, seqnum.Value(irs), c.IRS.Add(1), rcvWnd, rawOptions)

	select {
	case <-notifyCh:
	case <-time.After(packetTimeout):
		c.t.Fatalf("Timed out waiting for connection to be established")
	}

	// Drain the final ACK of the handshake
	c.GetPacket()

	c.EP = ep
	c.WQ = wq
}

// CreateConnected performs an active open of a connection using the given
// ISS and receive window, optionally applying opt before connecting
func (c *Context) CreateConnected(irs uint32, rcvWnd seqnum.Size, opt *types.ReceiveBufferSizeOption) {
	c.createConnected(irs, rcvWnd, opt, nil)
}

// CreateConnectedWithRawOptions is like CreateConnected but appends
// rawOptions to the SYN-ACK sent back to the stack
func (c *Context) CreateConnectedWithRawOptions(irs uint32, rcvWnd seqnum.Size, opt *types.ReceiveBufferSizeOption, rawOptions []byte) {
	c.createConnected(irs, rcvWnd, opt, rawOptions)
}

// PassiveConnectWithOptions simulates a peer actively connecting into the
// context's already-listening stack endpoint, carrying opts (and, if
// wndScale is non-negative, a window scale option of that value) in the SYN
// it sends
func (c *Context) PassiveConnectWithOptions(irs uint32, wndScale int, opts header.TCPSynOptions) {
	optBytes := make([]byte, 0, 8)
	optBytes = append(optBytes, header.TCPOptionMSS, 4, byte(opts.MSS>>8), byte(opts.MSS))
	if wndScale >= 0 {
		optBytes = append(optBytes, header.TCPOptionNOP, header.TCPOptionWS, 3, byte(wndScale))
	}
	for len(optBytes)%4 != 0 {
		optBytes = append(optBytes, header.TCPOptionNOP)
	}

	c.Port = StackPort
	c.sendHandshakeSegment(header.TCPFlagSyn, seqnum.Value(irs), 0, 30000, optBytes)

	b := c.GetPacket()
	tcpHdr := header.TCP(header.IPv4(b).Payload())
	c.IRS = seqnum.Value(tcpHdr.SequenceNumber())

	c.sendHandshakeSegment(header.TCPFlagAck, seqnum.Value(irs)+1, c.IRS.Add(1), 30000, nil)
}
