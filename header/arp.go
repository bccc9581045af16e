package header

import (
	"encoding/binary"

	"github.com/GunjiD/tapstack/types"
)

const (
	arpHType	= 0
	arpPType	= 2
	arpHLen		= 4
	arpPLen		= 5
	arpOper		= 6
	arpSHA		= 8
	arpSPA		= 14
	arpTHA		= 18
	arpTPA		= 24
)

const (
	// ARPSize is the size, in bytes, of an ARP packet carrying 6-byte
	// hardware addresses and 4-byte protocol addresses, as used for
	// ethernet/IPv4
	ARPSize = 28

	// ARPProtocolNumber is ARP's own EtherType, used to register it in
	// the same ethertype-keyed dispatch as the network protocols it
	// resolves addresses for
	ARPProtocolNumber types.NetworkProtocolNumber = 0x0806

	// arpHardwareEther is the "hardware type" value for Ethernet
	arpHardwareEther = 1
)

// ARP operation codes, as defined in RFC 826
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// ARP represents an ARP packet stored in a byte array, laid out for
// 6-byte hardware addresses and 4-byte protocol addresses (i.e. Ethernet
// over IPv4), which is the only combination this stack resolves
type ARP []byte

// IsValid reports whether the packet is a well formed ARP packet using
// 6-byte hardware addresses and 4-byte protocol addresses over Ethernet
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	return a.HardwareAddressSpace() == arpHardwareEther &&
		a.ProtocolAddressSpace() == uint16(IPv4ProtocolNumber) &&
		a.HardwareAddressSize() == EthernetAddressSize &&
		a.ProtocolAddressSize() == IPv4AddressSize
}

// HardwareAddressSpace is the "hardware type" field
func (a ARP) HardwareAddressSpace() uint16 { return binary.BigEndian.Uint16(a[arpHType:]) }

// ProtocolAddressSpace is the "protocol type" field
func (a ARP) ProtocolAddressSpace() uint16 { return binary.BigEndian.Uint16(a[arpPType:]) }

// HardwareAddressSize is the "hardware address length" field
func (a ARP) HardwareAddressSize() int { return int(a[arpHLen]) }

// ProtocolAddressSize is the "protocol address length" field
func (a ARP) ProtocolAddressSize() int { return int(a[arpPLen]) }

// Op is the ARP opcode: ARPRequest or ARPReply
func (a ARP) Op() uint16 { return binary.BigEndian.Uint16(a[arpOper:]) }

// SetOp sets the ARP opcode
func (a ARP) SetOp(op uint16) { binary.BigEndian.PutUint16(a[arpOper:], op) }

// HardwareAddressSender is the sender hardware address (SHA)
func (a ARP) HardwareAddressSender() []byte { return a[arpSHA : arpSHA+EthernetAddressSize] }

// ProtocolAddressSender is the sender protocol address (SPA)
func (a ARP) ProtocolAddressSender() []byte { return a[arpSPA : arpSPA+IPv4AddressSize] }

// HardwareAddressTarget is the target hardware address (THA)
func (a ARP) HardwareAddressTarget() []byte { return a[arpTHA : arpTHA+EthernetAddressSize] }

// ProtocolAddressTarget is the target protocol address (TPA)
func (a ARP) ProtocolAddressTarget() []byte { return a[arpTPA : arpTPA+IPv4AddressSize] }

// SetIPv4OverEthernet fills in the fixed hardware/protocol type and length
// fields for an Ethernet/IPv4 ARP packet
func (a ARP) SetIPv4OverEthernet() {
	binary.BigEndian.PutUint16(a[arpHType:], arpHardwareEther)
	binary.BigEndian.PutUint16(a[arpPType:], uint16(IPv4ProtocolNumber))
	a[arpHLen] = EthernetAddressSize
	a[arpPLen] = IPv4AddressSize
}
