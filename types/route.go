package types

import (
	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/checksum"
)

// RouteEntry is a row in the routing table. It specifies through which Nic
// (and gateway) sets of packets should be routed. A row is considered
// viable if the masked target address matches the destination address in
// the row
type RouteEntry struct {
	// Destination is the address that must be matched against the masked
	// target address to check if this row is viable
	Destination 	Address

	// Mask specifies which bits of the Destination and the target address
	// must match for this row to be viable
	Mask 			Address

	// Gateway is the gateway to be used if this row is viable
	Gateway 		Address

	// Nic is the id of the nic to be used if this row is viable
	Nic 			NicId
}

// NetworkEndpoint is the glue a Route uses to actually move bytes: it is
// implemented by the Nic-owned reference that backs a network protocol
// address, and lets a Route resolve its NicId, header budget, and egress
// path without the types package depending on the stack package
type NetworkEndpoint interface {
	// NicId returns the id of the Nic this endpoint belongs to
	NicId() NicId

	// MaxHeaderLength returns the maximum size of the link layer and
	// network layer headers combined that have to be prepended before
	// a payload can be sent out
	MaxHeaderLength() uint16

	// WritePacket writes a packet built atop hdr with payload appended,
	// addressed to r.RemoteLinkAddress as it stands; a missing link
	// address is not resolved here
	WritePacket(r *Route, hdr *buffer.Prependable, payload buffer.View, protocol TransportProtocolNumber) error
}

// Route represents a route through which a packet can be sent, after it has
// been resolved against the route table and bound to a particular Nic and
// network protocol endpoint. Unlike RouteEntry, a Route is a live handle
// that can actually move bytes
type Route struct {
	// LocalAddress is the local address of this route
	LocalAddress Address

	// RemoteAddress is the remote address of this route
	RemoteAddress Address

	// LocalLinkAddress is the link layer address of the interface that
	// this route is bound to
	LocalLinkAddress LinkAddress

	// RemoteLinkAddress is the link layer address of the next hop for
	// this route. It is set when the route is created (from the neighbor
	// cache by the stack's FindRoute, or from the sender of an inbound
	// packet); nothing fills it in later
	RemoteLinkAddress LinkAddress

	// NetProto is the network protocol used by the route
	NetProto NetworkProtocolNumber

	ref NetworkEndpoint
}

// NewRoute creates a route bound to the given network endpoint
func NewRoute(local, remote Address, localLinkAddr LinkAddress, netProto NetworkProtocolNumber, ref NetworkEndpoint) Route {
	return Route{
		LocalAddress:		local,
		RemoteAddress:		remote,
		LocalLinkAddress:	localLinkAddr,
		NetProto:			netProto,
		ref:				ref,
	}
}

// NicId returns the id of the Nic that this route is bound to
func (r *Route) NicId() NicId {
	return r.ref.NicId()
}

// MaxHeaderLength forwards the request to the network endpoint's
// implementation
func (r *Route) MaxHeaderLength() uint16 {
	return r.ref.MaxHeaderLength()
}

// PseudoHeaderChecksum computes the checksum for the pseudo-header used by
// the given transport protocol in its own checksum calculation
func (r *Route) PseudoHeaderChecksum(protocol TransportProtocolNumber) uint16 {
	return checksum.PseudoHeader([]byte(r.LocalAddress), []byte(r.RemoteAddress), uint8(protocol))
}

// WritePacket writes the packet through the given route, using whatever
// remote link address the route already holds
func (r *Route) WritePacket(hdr *buffer.Prependable, payload buffer.View, protocol TransportProtocolNumber) error {
	return r.ref.WritePacket(r, hdr, payload, protocol)
}

// Clone returns a copy of the route. Routes are cheap value types, so a
// plain copy is safe to use concurrently with the original as long as
// neither is mutated afterwards
func (r *Route) Clone() Route {
	return *r
}
