package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/encodeous/bristlemouth/state"
)

const (
	// ProtoBCMP is the IPv6 next-header value BCMP travels under
	ProtoBCMP uint8 = 0xBC
	// ProtoUDP carries pub/sub traffic
	ProtoUDP uint8 = 17

	egressPortIdx  = 4
	ingressPortIdx = 5
	dstEgressIdx   = 13
)

var (
	MulticastLinkLocal = netip.MustParseAddr("ff02::1")
	MulticastGlobal    = netip.MustParseAddr("ff03::1")
)

// NodeAddr is the link-local address a node derives from its id
func NodeAddr(id state.NodeId) netip.Addr {
	var b [16]byte
	b[0] = 0xfe
	b[1] = 0x80
	binary.BigEndian.PutUint64(b[8:], uint64(id))
	return netip.AddrFrom16(b)
}

// NodeIdFromAddr recovers the node id embedded in the low 64 bits of a node address
func NodeIdFromAddr(addr netip.Addr) state.NodeId {
	b := addr.As16()
	return state.NodeId(binary.BigEndian.Uint64(b[8:]))
}

func IngressPort(src netip.Addr) uint8 {
	return src.As16()[ingressPortIdx]
}

func EgressPort(src netip.Addr) uint8 {
	return src.As16()[egressPortIdx]
}

// WithIngressPort stamps the port a frame arrived on into its source address
func WithIngressPort(src netip.Addr, port uint8) netip.Addr {
	b := src.As16()
	b[ingressPortIdx] = port
	return netip.AddrFrom16(b)
}

func WithEgressPort(src netip.Addr, port uint8) netip.Addr {
	b := src.As16()
	b[egressPortIdx] = port
	return netip.AddrFrom16(b)
}

// ClearPorts removes both port bytes from a source address
func ClearPorts(src netip.Addr) netip.Addr {
	b := src.As16()
	b[egressPortIdx] = 0
	b[ingressPortIdx] = 0
	return netip.AddrFrom16(b)
}

// PortSpecificDst restricts a link-local multicast to a single egress port
func PortSpecificDst(dst netip.Addr, port uint8) netip.Addr {
	b := dst.As16()
	b[dstEgressIdx] = port
	return netip.AddrFrom16(b)
}

// SplitDst returns the destination with the egress port removed, and the port (0 for all ports)
func SplitDst(dst netip.Addr) (netip.Addr, uint8) {
	b := dst.As16()
	if b[0] != 0xff {
		return dst, 0
	}
	port := b[dstEgressIdx]
	b[dstEgressIdx] = 0
	return netip.AddrFrom16(b), port
}

func IsGlobalMulticast(dst netip.Addr) bool {
	b := dst.As16()
	return b[0] == 0xff && b[1] == 0x03
}
