package ipv4_test

import (
	"testing"
	"time"

	"github.com/GunjiD/tapstack/buffer"
	"github.com/GunjiD/tapstack/header"
	"github.com/GunjiD/tapstack/link/channel"
	"github.com/GunjiD/tapstack/network/ipv4"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/transport/udp"
	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/waiter"
)

const (
	testAddr  = "\x0a\x00\x00\x02"
	testPort  = 4096
	stackPort = 1234
)

func newUDPTestContext(t *testing.T, mtu uint32) (*stack.Stack, *channel.Endpoint) {
	s := stack.New([]string{ipv4.ProtocolName}, []string{udp.ProtocolName})

	id, linkEp := channel.New(256, mtu)
	if err := s.CreateNic(1, id); err != nil {
		t.Fatalf("CreateNic failed: %v", err)
	}
	if err := s.AddAddress(1, ipv4.ProtocolNumber, stackAddr); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}
	s.SetRouteTable([]types.RouteEntry{
		{
			Destination: types.Address("\x00\x00\x00\x00"),
			Mask:        types.Address("\x00\x00\x00\x00"),
			Gateway:     "",
			Nic:         1,
		},
	})

	return s, linkEp
}

// TestWritePacketRejectsOversizeFrame covers the MTU=1500, transmit(len=1600)
// scenario: an oversize send is rejected before anything reaches the device
func TestWritePacketRejectsOversizeFrame(t *testing.T) {
	s, linkEp := newUDPTestContext(t, 1500)

	r, err := s.FindRoute(1, stackAddr, testAddr, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("FindRoute failed: %v", err)
	}

	hdr := buffer.NewPrependable(int(r.MaxHeaderLength()))
	payload := make(buffer.View, 1600)
	if err := r.WritePacket(&hdr, payload, udp.ProtocolNumber); err != types.ErrOversizeFrame {
		t.Fatalf("WritePacket error: got %v, want %v", err, types.ErrOversizeFrame)
	}

	select {
	case pkt := <-linkEp.C:
		t.Fatalf("unexpected packet reached the device: %+v", pkt)
	default:
	}
}

// sendRawUDP builds and injects a minimal IPv4/UDP datagram addressed to
// stackAddr:stackPort, optionally marking it as a non-final fragment
func sendRawUDP(linkEp *channel.Endpoint, moreFragments bool) {
	payload := []byte("hello")
	buf := buffer.NewView(header.UDPMinimumSize + header.IPv4MinimumSize + len(payload))
	copy(buf[len(buf)-len(payload):], payload)

	var flags uint8
	if moreFragments {
		flags = header.IPv4FlagMoreFragments
	}

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(buf)),
		Flags:       flags,
		TTL:         64,
		Protocol:    uint8(udp.ProtocolNumber),
		SrcAddr:     testAddr,
		DstAddr:     stackAddr,
	})

	u := header.UDP(buf[header.IPv4MinimumSize:])
	u.Encode(&header.UDPFields{
		SrcPort: testPort,
		DstPort: stackPort,
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})

	var views [1]buffer.View
	vv := buf.ToVectorisedView(views)
	linkEp.Inject(ipv4.ProtocolNumber, &vv)
}

// TestHandlePacketDropsFragmentedDatagram covers the inbound-fragment
// Non-goal: a datagram with MF set is dropped rather than delivered, while
// an otherwise identical unfragmented datagram still goes through
func TestHandlePacketDropsFragmentedDatagram(t *testing.T) {
	s, linkEp := newUDPTestContext(t, 65536)

	var wq waiter.Queue
	ep, err := s.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	if err := ep.Bind(types.FullAddress{Port: stackPort}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	we, ch := waiter.NewChannelEntry(nil)
	wq.EventRegister(&we, waiter.EventIn)
	defer wq.EventUnregister(&we)

	sendRawUDP(linkEp, true)

	select {
	case <-ch:
		t.Fatalf("fragment was delivered instead of dropped")
	case <-time.After(50 * time.Millisecond):
	}

	sendRawUDP(linkEp, false)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for unfragmented datagram")
	}

	var addr types.FullAddress
	if _, err := ep.Read(&addr); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}
