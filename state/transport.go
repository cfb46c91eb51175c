package state

import (
	"context"
	"net/netip"
)

// Frame is an IPv6 datagram as seen by the link layer. Port numbers ride inside Src/Dst the way the stack encodes them.
type Frame struct {
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	Payload []byte
}

// LinkHandler receives everything a Transport produces. Implementations must not block.
type LinkHandler interface {
	Receive(f Frame)
	LinkChange(port uint8, up bool)
}

// Transport moves frames between this node and its neighbors. Ports are numbered from 1.
type Transport interface {
	// Send transmits f. An egress port encoded in f.Dst restricts the send to that port, otherwise all up ports are used.
	Send(f Frame) error
	Ports() uint8
	PortUp(port uint8) bool
	// Run blocks until ctx is done, delivering frames and link changes to h
	Run(ctx context.Context, h LinkHandler) error
}
