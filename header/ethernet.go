package header

import (
	"encoding/binary"

	"github.com/GunjiD/tapstack/types"
)

const (
	ethDst 	= 0
	ethSrc 	= 6
	ethType	= 12
)

const (
	// EthernetMinimumSize is the minimum size of a valid ethernet frame
	EthernetMinimumSize = 14

	// EthernetAddressSize is the size, in bytes, of an ethernet address
	EthernetAddressSize = 6
)

// EthernetFields contains the fields of an ethernet frame header. It is used
// to describe the fields of a frame that needs to be encoded
type EthernetFields struct {
	// SrcAddr is the "source link address" field of an ethernet frame
	SrcAddr types.LinkAddress

	// DstAddr is the "destination link address" field of an ethernet frame
	DstAddr types.LinkAddress

	// Type is the "ethertype" field of an ethernet frame
	Type types.NetworkProtocolNumber
}

// Ethernet represents an ethernet frame header stored in a byte array
type Ethernet []byte

// SourceAddress returns the "source link address" field of the ethernet frame
func (b Ethernet) SourceAddress() types.LinkAddress {
	return types.LinkAddress(b[ethSrc : ethSrc+EthernetAddressSize])
}

// DestinationAddress returns the "destination link address" field of the
// ethernet frame
func (b Ethernet) DestinationAddress() types.LinkAddress {
	return types.LinkAddress(b[ethDst : ethDst+EthernetAddressSize])
}

// Type returns the "ethertype" field of the ethernet frame
func (b Ethernet) Type() types.NetworkProtocolNumber {
	return types.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethType:]))
}

// Encode encodes all the fields of the ethernet frame header
func (b Ethernet) Encode(f *EthernetFields) {
	binary.BigEndian.PutUint16(b[ethType:], uint16(f.Type))
	copy(b[ethSrc:][:EthernetAddressSize], f.SrcAddr)
	copy(b[ethDst:][:EthernetAddressSize], f.DstAddr)
}

// IsValid performs basic validation on the frame
func (b Ethernet) IsValid() bool {
	return len(b) >= EthernetMinimumSize
}

// BroadcastAddress is the link-layer broadcast address
const BroadcastAddress types.LinkAddress = "\xff\xff\xff\xff\xff\xff"
