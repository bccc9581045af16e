package ipv4

import (
	"sync/atomic"
	"time"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/checksum"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/waiter"
	log "github.com/GunjiD/tapstack/logging"
)

// PingProtocolName is the transport protocol name ICMPv4 echo replies are
// registered under, so that they can be demultiplexed by identifier the
// same way a UDP or TCP packet is demultiplexed by port
const PingProtocolName = "ping4"

// pingIdent hands out the identifier field stamped on every outgoing echo
// request, shared by every Pinger in the process
var pingIdent uint32

// pingProtocol registers ICMPv4 with the stack as a transport protocol
// purely so that inbound echo replies can be routed to the Pinger waiting
// for them through the normal demuxer path. It is never used to build a
// socket-style types.Endpoint
type pingProtocol struct{}

func (p *pingProtocol) Number() types.TransportProtocolNumber {
	return header.ICMPv4ProtocolNumber
}

func (p *pingProtocol) MinimumPacketSize() int {
	return header.ICMPv4EchoMinimumSize
}

func (p *pingProtocol) ParsePorts(v buffer.View) (src, dst uint16, err error) {
	if len(v) < header.ICMPv4EchoMinimumSize {
		return 0, 0, types.ErrUnknownProtocol
	}
	ident := header.ICMPv4(v).Identifier()
	return ident, ident, nil
}

func (p *pingProtocol) NewEndpoint(s *stack.Stack, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, error) {
	return nil, types.ErrNotSupported
}

func init() {
	stack.RegisterTransportProtocolFactory(PingProtocolName, func() stack.TransportProtocol {
		return &pingProtocol{}
	})
}

// handleICMP is reached from endpoint.HandlePacket whenever an inbound
// packet's protocol field names ICMPv4. Echo requests are answered inline,
// the same way the arp resolver answers requests for our own address; echo
// replies are handed to the transport dispatcher so they reach the Pinger
// that's waiting for them
func (e *endpoint) handleICMP(r *types.Route, vv *buffer.VectorisedView) {
	v := vv.First()
	if len(v) < header.ICMPv4EchoMinimumSize {
		log.Printf("ipv4: icmp packet too small\n")
		return
	}

	h := header.ICMPv4(v)
	switch h.Type() {
	case header.ICMPv4Echo:
		e.sendEchoReply(r, h)
	case header.ICMPv4EchoReply:
		e.dispatcher.DeliverTransportPacket(r, header.ICMPv4ProtocolNumber, vv)
	default:
		log.Printf("ipv4: dropping icmp packet of unsupported type %d\n", h.Type())
	}
}

// sendEchoReply answers an echo request using the same route it arrived
// on: the request's local/remote addresses are already the right ones for
// a reply travelling the opposite direction
func (e *endpoint) sendEchoReply(r *types.Route, req header.ICMPv4) {
	hdr := buffer.NewPrependable(header.ICMPv4EchoMinimumSize + int(r.MaxHeaderLength()))
	reply := header.ICMPv4(hdr.Prepend(header.ICMPv4EchoMinimumSize))
	reply.SetType(header.ICMPv4EchoReply)
	reply.SetCode(0)
	reply.SetIdentifier(req.Identifier())
	reply.SetSequenceNumber(req.SequenceNumber())
	reply.SetChecksum(0)
	reply.SetChecksum(checksum.Finalize(checksum.Checksum(reply, 0)))

	if err := r.WritePacket(&hdr, nil, header.ICMPv4ProtocolNumber); err != nil {
		log.Printf("ipv4: failed to send echo reply: %v\n", err)
	}
}

// pingEndpoint receives echo replies matching a single Pinger's identifier
// and forwards them to its reply channel, unregistering itself once every
// reply it was waiting for has arrived
type pingEndpoint struct {
	stack	*stack.Stack
	nicid	types.NicId
	ident	uint16
	ch		chan PingReply
	count	int

	received int32
}

// HandlePacket implements types.TransportEndpoint
func (e *pingEndpoint) HandlePacket(r *types.Route, id types.TransportEndpointId, vv *buffer.VectorisedView) {
	h := header.ICMPv4(vv.First())
	if h.Type() != header.ICMPv4EchoReply {
		return
	}

	e.ch <- PingReply{SeqNumber: h.SequenceNumber()}

	if int(atomic.AddInt32(&e.received, 1)) >= e.count {
		e.stack.UnregisterTransportEndpoint(e.nicid, []types.NetworkProtocolNumber{ProtocolNumber}, header.ICMPv4ProtocolNumber, types.TransportEndpointId{LocalPort: e.ident})
	}
}

// Pinger sends a sequence of ICMPv4 echo requests to Address and reports
// each reply (or the error that prevented one) on the channel passed to
// Ping
type Pinger struct {
	Stack	*stack.Stack
	NicId	types.NicId
	Address	types.Address

	// Wait is the interval between successive echo requests
	Wait	time.Duration

	// Count is the number of echo requests to send
	Count	int
}

// PingReply reports the outcome of a single echo request
type PingReply struct {
	Error		error
	SeqNumber	uint16
}

// Ping resolves a route to p.Address and sends p.Count echo requests to
// it, p.Wait apart, reporting each reply asynchronously on ch
func (p *Pinger) Ping(ch chan PingReply) error {
	r, err := p.Stack.FindRoute(p.NicId, "", p.Address, ProtocolNumber)
	if err != nil {
		return err
	}

	ident := uint16(atomic.AddUint32(&pingIdent, 1))
	ep := &pingEndpoint{
		stack:	p.Stack,
		nicid:	p.NicId,
		ident:	ident,
		ch:		ch,
		count:	p.Count,
	}
	id := types.TransportEndpointId{LocalPort: ident}
	if err := p.Stack.RegisterTransportEndpoint(p.NicId, []types.NetworkProtocolNumber{ProtocolNumber}, header.ICMPv4ProtocolNumber, id, ep); err != nil {
		return err
	}

	go func() {
		for seq := 0; seq < p.Count; seq++ {
			if err := sendEchoRequest(r, ident, uint16(seq)); err != nil {
				ch <- PingReply{Error: err, SeqNumber: uint16(seq)}
			}
			if seq+1 < p.Count {
				time.Sleep(p.Wait)
			}
		}
	}()

	return nil
}

func sendEchoRequest(r *types.Route, ident, seq uint16) error {
	hdr := buffer.NewPrependable(header.ICMPv4EchoMinimumSize + int(r.MaxHeaderLength()))
	req := header.ICMPv4(hdr.Prepend(header.ICMPv4EchoMinimumSize))
	req.SetType(header.ICMPv4Echo)
	req.SetCode(0)
	req.SetIdentifier(ident)
	req.SetSequenceNumber(seq)
	req.SetChecksum(0)
	req.SetChecksum(checksum.Finalize(checksum.Checksum(req, 0)))

	return r.WritePacket(&hdr, nil, header.ICMPv4ProtocolNumber)
}
