package types

import (
	"github.com/GunjiD/tapstack/buffer"
)

// NetworkProtocolNumber is the number of a network protocol
type NetworkProtocolNumber uint32

// NetworkEndpointId uniquely identifies the endpoint of a network protocol
// (e.g. an IPv4 address) within a Nic
type NetworkEndpointId struct {
	LocalAddress Address
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4, ipv6) that want to be part of the networking stack
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() NetworkProtocolNumber

	// MinimumPacketSize returns the minimum valid packet size of this
	// network protocol. The stack drops any packet smaller than this
	MinimumPacketSize() int

	// ParseAddresses returns the source and destination addresses
	// stored in a packet of this protocol
	ParseAddresses(v []byte) (src, dst Address)

	// NewEndpoint creates a new endpoint of this protocol
	NewEndpoint(nicid NicId, addr Address, dispatcher TransportDispatcher, linkEp LinkEndpoint) (LinkedNetworkEndpoint, error)
}

// NetworkProtocolFactory provides methods to be used by the stack to
// instantiate network protocols.
type NetworkProtocolFactory func() NetworkProtocol

// LinkedNetworkEndpoint is implemented by a per-address instance of a
// network protocol (e.g. ipv4's endpoint for 10.0.0.1) so that the Nic can
// deliver inbound packets to it and expose it through a Route for egress
type LinkedNetworkEndpoint interface {
	NetworkEndpoint

	// Id returns the id of this endpoint
	Id() *NetworkEndpointId

	// HandlePacket is called by the Nic when a packet arrives that is
	// addressed to this endpoint
	HandlePacket(r *Route, vv *buffer.VectorisedView)
}
