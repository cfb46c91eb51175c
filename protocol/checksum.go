package protocol

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func pseudoHeader(src, dst netip.Addr, length int) uint16 {
	return header.PseudoHeaderChecksum(
		tcpip.TransportProtocolNumber(ProtoBCMP),
		tcpip.AddrFrom16(src.As16()),
		tcpip.AddrFrom16(dst.As16()),
		uint16(length),
	)
}

// Checksum computes the BCMP checksum of msg, treating the checksum field as zero.
func Checksum(src, dst netip.Addr, msg []byte) uint16 {
	sum := pseudoHeader(src, dst, len(msg))
	if len(msg) < HeaderLen {
		return ^checksum.Checksum(msg, sum)
	}
	sum = checksum.Checksum(msg[:2], sum)
	sum = checksum.Checksum(msg[4:], sum)
	return ^sum
}

// VerifyChecksum reports whether msg, including its stored checksum, sums to zero
func VerifyChecksum(src, dst netip.Addr, msg []byte) bool {
	return ^checksum.Checksum(msg, pseudoHeader(src, dst, len(msg))) == 0
}
