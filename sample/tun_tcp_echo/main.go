package main

import (
	"strings"
	"os"
	"net"

	"github.com/GunjiD/tapstack/types"
	"github.com/GunjiD/tapstack/link/tap"
	"github.com/GunjiD/tapstack/waiter"
	"github.com/GunjiD/tapstack/network/ipv4"
	"github.com/GunjiD/tapstack/stack"
	"github.com/GunjiD/tapstack/transport/tcp"
	log "github.com/GunjiD/tapstack/logging"
)

const (
	stackAddr = "\x0a\x01\x00\x01"
	stackPort = 12345
)

const (
	nicId = 1
)

func main() {
	if len(os.Args) != 3 {
		log.Fatal("Usage: ", os.Args[0], "<tap-device> <local-address>")
	}

	tapName := os.Args[1]
	address := os.Args[2]

	// Parse the IP address. Only support both ipv4.
	parseAddr := net.ParseIP(address)
	if parseAddr == nil {
		log.Fatalf("Bad IP address: %v", address)
	}

	var addr types.Address
	var proto types.NetworkProtocolNumber
	if parseAddr.To4() != nil {
		addr = types.Address(parseAddr.To4())
		proto = ipv4.ProtocolNumber
	} else {
		log.Fatalf("Unknown IP type: %v", address)
	}

	// Create the stack with only ipv4 temporarily, then add a tap-based
	// NIC and address.
	s := stack.New([]string{ipv4.ProtocolName}, []string{tcp.ProtocolName})

	linkId, err := tap.New(tapName)
	if err != nil {
		log.Fatal(err)
	}

	if err := s.CreateNic(nicId, linkId); err != nil {
		log.Fatal(err)
	}

	if err := s.AddAddress(nicId, proto, addr); err != nil {
		log.Fatal(err)
	}

	// Add default route
	s.SetRouteTable([]types.RouteEntry{
		{
			Destination:		types.Address(strings.Repeat("\x00", len(addr))),
			Mask:				types.Address(strings.Repeat("\x00", len(addr))),
			Gateway:			"",
			Nic:				nicId,
		},
	})

	// Create a tcp endpoint. It is not bound and does not listen, so no
	// connection is accepted or echoed; main returns right after creating it
	var wq waiter.Queue
	_, err = s.NewEndpoint(tcp.ProtocolNumber, proto, &wq)
	if err != nil {
		log.Fatalf("tun_tcp_echo: NewEndpoint failed: %v\n", err)
	}
}
