package stack

import (
	"sync"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/network/arp"
	"github.com/GunjiD/tapstack/types"
	log "github.com/GunjiD/tapstack/logging"
)

// Nic represents a "network interface card" to which the
// networking stack is attached
type Nic struct {
	stack 		*Stack
	id			types.NicId
	linkEp		types.LinkEndpoint
	arp 		*arp.Resolver

	mu			sync.RWMutex
	endpoints 	map[types.NetworkEndpointId]*referencedNetworkEndpoint
}

func newNic(stack *Stack, id types.NicId, ep types.LinkEndpoint) *Nic {
	n := &Nic{
		stack:		stack,
		id:			id,
		linkEp:		ep,
		endpoints:	make(map[types.NetworkEndpointId]*referencedNetworkEndpoint),
	}
	n.arp = arp.NewResolver(types.Address(""), ep.LinkAddress(), nicARPSender{n})

	return n
}

// attachLinkEndpoint attaches the Nic to the endpoint, which will enable it
// to start delivering packets
func (n *Nic) attachLinkEndpoint() {
	n.linkEp.Attach(n)
}

// AddAddress adds a new address to n, so that it starts to accepting packets
// targeted at the given address (and network protocol)
func (n *Nic) AddAddress(protocol types.NetworkProtocolNumber, address types.Address) error {
	// Add the endpoint
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.addAddressLocked(protocol, address, false)

	return err
}

func (n *Nic) addAddressLocked(protocol types.NetworkProtocolNumber, addr types.Address, replace bool) (*referencedNetworkEndpoint, error) {
	netProtocol, ok := n.stack.networkProtocols[protocol]
	if !ok {
		log.Printf("addAddressLocked: network protocol %x not exist\n", protocol)
		return nil, types.ErrUnknownProtocol
	}

	// Create the new network endpoint
	ep, err := netProtocol.NewEndpoint(n.id, addr, n, n.linkEp)
	if err != nil {
		log.Printf("addAddressLocked: create network endpoint failed\n")
		return nil, err
	}

	id := *ep.Id()
	ref := newReferencedNetworkEndpoint(ep, protocol, n)

	n.endpoints[id] = ref
	n.arp.SetLocalAddr(addr)

	return ref, nil
}

// referencedNetworkEndpoint wraps a per-address network endpoint with the
// Nic it belongs to. It implements types.NetworkEndpoint so it can back the
// ref field of a resolved Route
type referencedNetworkEndpoint struct {
	ep 			types.LinkedNetworkEndpoint
	nic 		*Nic
	protocol 	types.NetworkProtocolNumber
}

func newReferencedNetworkEndpoint(ep types.LinkedNetworkEndpoint, protocol types.NetworkProtocolNumber, nic *Nic) *referencedNetworkEndpoint {
	return &referencedNetworkEndpoint{
		ep:			ep,
		nic:		nic,
		protocol:	protocol,
	}
}

// NicId implements types.NetworkEndpoint
func (r *referencedNetworkEndpoint) NicId() types.NicId {
	return r.nic.id
}

// MaxHeaderLength implements types.NetworkEndpoint
func (r *referencedNetworkEndpoint) MaxHeaderLength() uint16 {
	return r.ep.MaxHeaderLength()
}

// WritePacket implements types.NetworkEndpoint
func (r *referencedNetworkEndpoint) WritePacket(rt *types.Route, hdr *buffer.Prependable, payload buffer.View, protocol types.TransportProtocolNumber) error {
	return r.ep.WritePacket(rt, hdr, payload, protocol)
}

// nicARPSender adapts a Nic into arp.FrameSender, building and transmitting
// the ethernet/ARP frames the resolver needs to send
type nicARPSender struct {
	nic *Nic
}

func (s nicARPSender) SendARP(senderHA types.LinkAddress, senderPA types.Address, targetHA types.LinkAddress, targetPA types.Address, op uint16) error {
	hdr := buffer.NewPrependable(header.ARPSize)
	pkt := header.ARP(hdr.Prepend(header.ARPSize))
	pkt.SetIPv4OverEthernet()
	pkt.SetOp(op)
	copy(pkt.HardwareAddressSender(), senderHA)
	copy(pkt.ProtocolAddressSender(), senderPA)
	copy(pkt.HardwareAddressTarget(), targetHA)
	copy(pkt.ProtocolAddressTarget(), targetPA)

	// Requests go out to the broadcast address, since the whole point is
	// that we don't know the target's hardware address yet; replies go
	// straight back to the requester's hardware address
	dst := header.BroadcastAddress
	if op == header.ARPReply {
		dst = targetHA
	}
	r := &types.Route{RemoteLinkAddress: dst}

	return s.nic.linkEp.WritePacket(r, &hdr, nil, header.ARPProtocolNumber)
}

// DeliverNetworkPacket queues an inbound packet for processing by the
// stack's dispatch loop. This function is called by the link endpoint's own
// goroutine every time it receives a frame off the wire; the heavy lifting
// of actually parsing and routing the packet happens later, on the
// stack's single dispatch goroutine, so that a slow or malicious peer can
// never block the device's read loop
// Note that the ownership of the slice backing vv is retained by the caller
// This rule applies only to the slice itself, not to the items of the slice
// the ownership of the items is not retained by the caller
func (n *Nic) DeliverNetworkPacket(linkEp types.LinkEndpoint, remoteLinkAddr types.LinkAddress, protocol types.NetworkProtocolNumber, vv *buffer.VectorisedView) {
	clone := vv.Clone(nil)
	n.stack.enqueueInbound(inboundPacket{
		nic: 			n,
		remoteLinkAddr:	remoteLinkAddr,
		protocol: 		protocol,
		vv: 			&clone,
	})
}

// handleNetworkPacket is the actual processing logic for an inbound
// packet, run from the stack's dispatch loop (the softirq half of packet
// reception; DeliverNetworkPacket above is the interrupt half)
func (n *Nic) handleNetworkPacket(remoteLinkAddr types.LinkAddress, protocol types.NetworkProtocolNumber, vv *buffer.VectorisedView) {
	if protocol == header.ARPProtocolNumber {
		n.arp.Input(vv.First())
		return
	}

	n.mu.RLock()
	netProtocol, ok := n.stack.networkProtocols[protocol]
	n.mu.RUnlock()
	if !ok {
		log.Printf("handleNetworkPacket: protocol %x not exist\n", protocol)
		return
	}

	if len(vv.First()) < netProtocol.MinimumPacketSize() {
		log.Printf("handleNetworkPacket: packet is not big enough\n")
		return
	}

	src, dst := netProtocol.ParseAddresses(vv.First())
	id := types.NetworkEndpointId{LocalAddress: types.Address(dst)}

	n.mu.RLock()
	ref, ok := n.endpoints[id]
	n.mu.RUnlock()
	if !ok {
		log.Printf("handleNetworkPacket: network protocol endpoint not exist\n")
		return
	}

	r := types.NewRoute(ref.ep.Id().LocalAddress, src, n.linkEp.LinkAddress(), protocol, ref)
	r.RemoteLinkAddress = remoteLinkAddr
	ref.ep.HandlePacket(&r, vv)
}

// findEndpoint returns the network endpoint for protocol bound to localAddr
// on n. If localAddr is empty, it returns the first endpoint found for
// protocol, standing in for the Nic's "primary" address of that protocol
func (n *Nic) findEndpoint(protocol types.NetworkProtocolNumber, localAddr types.Address) (*referencedNetworkEndpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if localAddr != "" {
		ref, ok := n.endpoints[types.NetworkEndpointId{LocalAddress: localAddr}]
		if !ok || ref.protocol != protocol {
			return nil, types.ErrBadLocalAddress
		}
		return ref, nil
	}

	for _, ref := range n.endpoints {
		if ref.protocol == protocol {
			return ref, nil
		}
	}

	return nil, types.ErrBadLocalAddress
}

// DeliverTransportPacket delivers the packets to the appropriate transport
// protocol endpoint
func (n *Nic) DeliverTransportPacket(r *types.Route, protocol types.TransportProtocolNumber, vv *buffer.VectorisedView) {
	state, ok := n.stack.transportProtocols[protocol]
	if !ok {
		log.Printf("DeliverTransportPacket: transport protocol %d not exist\n", protocol)
		return
	}

	srcPort, dstPort, err := state.Protocol.ParsePorts(vv.First())
	if err != nil {
		log.Printf("DeliverTransportPacket: parse ports failed: %v\n", err)
		return
	}

	id := types.TransportEndpointId{
		LocalPort:		dstPort,
		LocalAddress:	r.LocalAddress,
		RemotePort:		srcPort,
		RemoteAddress:	r.RemoteAddress,
	}

	if !n.stack.demuxer.deliverPacket(r, protocol, vv, id) {
		log.Printf("DeliverTransportPacket: no matching transport endpoint for %+v\n", id)
	}
}
