package header

import (
	"encoding/binary"

	"github.com/GunjiD/tapstack/types"
)

type ICMPv4 []byte

const (
	icmpv4Checksum	= 2
	icmpv4Ident		= 4
	icmpv4Sequence	= 6
)

const (
	// ICMPv4MinimumSize is the minimum size of a valid ICMP packet
	ICMPv4MinimumSize = 4

	// ICMPv4EchoMinimumSize is the minimum size of a valid ICMP echo packet
	ICMPv4EchoMinimumSize = 8

	// ICMPv4ProtocolNumber is the ICMP transport protocol number
	ICMPv4ProtocolNumber types.TransportProtocolNumber = 1
)

// ICMPv4Type is the ICMP type field described in RFC 792
type ICMPv4Type byte

// Typical values of ICMPv4Type defined in RFC 792
const (
	ICMPv4EchoReply			ICMPv4Type = 0
	ICMPv4Echo 				ICMPv4Type = 8
)

// Type is the ICMP type field
func (b ICMPv4) Type() ICMPv4Type {
	return ICMPv4Type(b[0])
}

// SetType sets the ICMP type field
func (b ICMPv4) SetType(t ICMPv4Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type
func (b ICMPv4) Code() byte { return b[1] }

// SetCode sets the ICMP code field
func (b ICMPv4) SetCode(c byte) { b[1] = c }

// Checksum returns the ICMP checksum field
func (b ICMPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4Checksum:])
}

// SetChecksum sets the ICMP checksum field
func (b ICMPv4) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[icmpv4Checksum:], checksum)
}

// Identifier returns the identifier field, set by the sender of an echo
// request and echoed back unchanged in the reply
func (b ICMPv4) Identifier() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4Ident:])
}

// SetIdentifier sets the identifier field
func (b ICMPv4) SetIdentifier(ident uint16) {
	binary.BigEndian.PutUint16(b[icmpv4Ident:], ident)
}

// SequenceNumber returns the sequence number field, set by the sender of an
// echo request and echoed back unchanged in the reply
func (b ICMPv4) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4Sequence:])
}

// SetSequenceNumber sets the sequence number field
func (b ICMPv4) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(b[icmpv4Sequence:], seq)
}
