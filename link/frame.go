package link

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/encodeous/bristlemouth/state"
	"golang.org/x/net/ipv6"
)

// DefaultHopLimit bounds how far a flooded frame travels
const DefaultHopLimit = 64

var (
	ErrPortDown   = errors.New("port is down")
	ErrNoSuchPort = errors.New("no such port")
	ErrBadFrame   = errors.New("malformed ipv6 frame")
)

// MarshalFrame prepends an IPv6 header to the frame payload
func MarshalFrame(f state.Frame, hops uint8) []byte {
	b := make([]byte, ipv6.HeaderLen+len(f.Payload))
	b[0] = ipv6.Version << 4
	binary.BigEndian.PutUint16(b[4:6], uint16(len(f.Payload)))
	b[6] = f.Proto
	b[7] = hops
	src := f.Src.As16()
	dst := f.Dst.As16()
	copy(b[8:24], src[:])
	copy(b[24:40], dst[:])
	copy(b[ipv6.HeaderLen:], f.Payload)
	return b
}

// UnmarshalFrame parses an IPv6 datagram, returning the frame and its remaining hop limit
func UnmarshalFrame(b []byte) (state.Frame, uint8, error) {
	h, err := ipv6.ParseHeader(b)
	if err != nil {
		return state.Frame{}, 0, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	if h.Version != ipv6.Version {
		return state.Frame{}, 0, fmt.Errorf("%w: version %d", ErrBadFrame, h.Version)
	}
	if len(b) < ipv6.HeaderLen+h.PayloadLen {
		return state.Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds datagram", ErrBadFrame, h.PayloadLen)
	}
	src, ok := netip.AddrFromSlice(h.Src)
	if !ok {
		return state.Frame{}, 0, fmt.Errorf("%w: bad source", ErrBadFrame)
	}
	dst, ok := netip.AddrFromSlice(h.Dst)
	if !ok {
		return state.Frame{}, 0, fmt.Errorf("%w: bad destination", ErrBadFrame)
	}
	return state.Frame{
		Src:     src,
		Dst:     dst,
		Proto:   uint8(h.NextHeader),
		Payload: bytes.Clone(b[ipv6.HeaderLen : ipv6.HeaderLen+h.PayloadLen]),
	}, uint8(h.HopLimit), nil
}
