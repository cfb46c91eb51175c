package state

import (
	"net/netip"
)

type Pair[Ty1, Ty2 any] struct {
	V1 Ty1
	V2 Ty2
}

// DeviceInfo returns the identity this node reports to its peers
func (e *Env) DeviceInfo() DeviceInfo {
	d := e.Device
	return DeviceInfo{
		VendorId:     d.VendorId,
		ProductId:    d.ProductId,
		Serial:       d.Serial,
		GitSha:       d.GitSha,
		VersionMajor: d.VersionMajor,
		VersionMinor: d.VersionMinor,
		VersionRev:   d.VersionRev,
		HwVersion:    d.HwVersion,
	}
}

// PortAddrs parses the bind and peer addresses of every configured port, in port order
func (c *LocalCfg) PortAddrs() ([]Pair[netip.AddrPort, netip.AddrPort], error) {
	res := make([]Pair[netip.AddrPort, netip.AddrPort], 0, len(c.Ports))
	for _, p := range c.Ports {
		bind, err := netip.ParseAddrPort(p.Bind)
		if err != nil {
			return nil, err
		}
		peer, err := netip.ParseAddrPort(p.Peer)
		if err != nil {
			return nil, err
		}
		res = append(res, Pair[netip.AddrPort, netip.AddrPort]{bind, peer})
	}
	return res, nil
}
