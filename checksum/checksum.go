// Package checksum computes the Internet checksum (RFC 1071) used by IPv4,
// ICMPv4, UDP and TCP headers.
//
// Checksum and PseudoHeader both return the folded one's-complement
// accumulator, not its bitwise negation, so that a checksum can be built up
// incrementally across several calls (pseudo-header, then length, then
// payload) before being finalized once with Finalize. Validating a received
// header is done by calling Checksum over the header bytes with the
// on-the-wire checksum field left in place: the result is 0xffff (all
// one-bits) if, and only if, the checksum is correct.
package checksum

// Checksum accumulates the RFC 1071 checksum of b on top of an
// already-folded partial checksum (0 for a fresh computation) and returns
// the newly folded accumulator.
func Checksum(b []byte, initial uint16) uint16 {
	sum := uint32(initial)

	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}

	return fold(sum)
}

// Finalize negates an accumulated checksum to produce the value that is
// actually written to the wire.
func Finalize(sum uint16) uint16 {
	return ^sum
}

// Combine folds two independently-accumulated checksums together. It is
// used when a checksum is computed piecewise over non-contiguous buffers
// (e.g. the views of a VectorisedView) without concatenating them first.
func Combine(a, b uint16) uint16 {
	return fold(uint32(a) + uint32(b))
}

// PseudoHeader accumulates the checksum of an IPv4 pseudo-header (source
// address, destination address, protocol number) as used by UDP and TCP.
// The caller still folds in the segment length and payload via Checksum.
func PseudoHeader(srcAddr, dstAddr []byte, protocol uint8) uint16 {
	var sum uint32
	sum += uint32(srcAddr[0])<<8 | uint32(srcAddr[1])
	sum += uint32(srcAddr[2])<<8 | uint32(srcAddr[3])
	sum += uint32(dstAddr[0])<<8 | uint32(dstAddr[1])
	sum += uint32(dstAddr[2])<<8 | uint32(dstAddr[3])
	sum += uint32(protocol)

	return fold(sum)
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}
