// Package ipv4 contains the implementation of the ipv4 network protocol. To use
// it in the networking stack, this package must be added to the project, and
// activated on the stack by passing ipv4.ProtocolName (or "ipv4") as one of the
// network protocols when calling stack.New(). The endpoins can be created by passing
// ipv4.ProtocolNumber as the network protocol number when calling protocol.NewEndpoint().
package ipv4

import (
	"sync/atomic"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/checksum"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/stack"
	log "github.com/GunjiD/tapstack/logging"
	"github.com/GunjiD/tapstack/types"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// defaultTTL is the value put in the TTL field of outgoing packets
	defaultTTL = 64
)

// ident is a running counter used to fill in the identification field of
// outgoing packets. It is shared by every endpoint in the process, which
// matches how a single host's IP stack hands out identifiers
var ident uint32

type protocol struct{}

// NewProtocol creates a new ipv4 protocol descriptor. This is exported only for tests
// that short-circuit the stack. Regular use of the protocol is done via the stack, which
// gets a protocol descriptor from the init() function below.
func NewProtocol() types.NetworkProtocol {
	return &protocol{}
}

// Number returns the ipv4 protocol number
func (p *protocol) Number() types.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv4 packet size
func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// ParseAddresses returns the source and destination addresses stored in an
// ipv4 packet
func (p *protocol) ParseAddresses(v []byte) (src, dst types.Address) {
	h := header.IPv4(v)
	return h.SourceAddress(), h.DestinationAddress()
}

// NewEndpoint creates a new ipv4 endpoint bound to addr
func (p *protocol) NewEndpoint(nicid types.NicId, addr types.Address, dispatcher types.TransportDispatcher, linkEp types.LinkEndpoint) (types.LinkedNetworkEndpoint, error) {
	e := &endpoint{
		nicid:		nicid,
		id:			types.NetworkEndpointId{LocalAddress: addr},
		dispatcher:	dispatcher,
		linkEp:		linkEp,
	}

	return e, nil
}

func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() types.NetworkProtocol {
		return &protocol{}
	})
}

// endpoint is an ipv4 endpoint bound to a single address on a single Nic
type endpoint struct {
	nicid 		types.NicId
	id 			types.NetworkEndpointId
	dispatcher 	types.TransportDispatcher
	linkEp 		types.LinkEndpoint
}

// NicId returns the Nic this endpoint is bound to
func (e *endpoint) NicId() types.NicId {
	return e.nicid
}

// Id returns the endpoint's bound address
func (e *endpoint) Id() *types.NetworkEndpointId {
	return &e.id
}

// MaxHeaderLength returns the maximum size of the ipv4 header plus the
// link layer headers below it
func (e *endpoint) MaxHeaderLength() uint16 {
	return header.IPv4MinimumSize + e.linkEp.MaxHeaderLength()
}

// WritePacket prepends an ipv4 header to hdr and sends the packet out
// through the bound Nic's link endpoint. The datagram (header plus payload)
// must fit within the link endpoint's MTU; an oversize send is rejected
// before anything is written to the device
func (e *endpoint) WritePacket(r *types.Route, hdr *buffer.Prependable, payload buffer.View, protocol types.TransportProtocolNumber) error {
	length := uint16(hdr.UsedLength()) + header.IPv4MinimumSize + uint16(len(payload))
	if uint32(length) > e.linkEp.MTU() {
		return types.ErrOversizeFrame
	}

	ip := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))

	ip.Encode(&header.IPv4Fields{
		IHL:			header.IPv4MinimumSize,
		TotalLength:	length,
		ID:				uint16(atomic.AddUint32(&ident, 1)),
		TTL:			defaultTTL,
		Protocol:		uint8(protocol),
		SrcAddr:		r.LocalAddress,
		DstAddr:		r.RemoteAddress,
	})
	ip.SetChecksum(checksum.Finalize(ip.CalculateChecksum()))

	return e.linkEp.WritePacket(r, hdr, payload, ProtocolNumber)
}

// HandlePacket is called by the Nic when an ipv4 packet addressed to this
// endpoint arrives
func (e *endpoint) HandlePacket(r *types.Route, vv *buffer.VectorisedView) {
	h := header.IPv4(vv.First())
	if !h.IsValid(vv.Size()) {
		log.Printf("ipv4: dropping invalid packet\n")
		return
	}

	if h.Flags()&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset() != 0 {
		log.Printf("ipv4: dropping fragmented datagram from %v\n", h.SourceAddress())
		return
	}

	vv.TrimFront(int(h.HeaderLength()))

	switch h.TransportProtocol() {
	case header.ICMPv4ProtocolNumber:
		e.handleICMP(r, vv)
	default:
		e.dispatcher.DeliverTransportPacket(r, h.TransportProtocol(), vv)
	}
}
