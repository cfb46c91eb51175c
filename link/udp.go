package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

type udpPort struct {
	num    uint8
	bind   netip.AddrPort
	peer   netip.AddrPort
	conn   atomic.Pointer[net.UDPConn]
	up     atomic.Bool
	lastRx atomic.Int64
}

// UDPLink emulates each physical port with a UDP socket talking to the node on the other end of the cable.
// A port is up while keepalives arrive from its peer. Global multicast is flooded to the other ports
// the way a Bristlemouth switch would.
type UDPLink struct {
	log   *slog.Logger
	clock clockwork.Clock
	ports []*udpPort
}

func NewUDPLink(cfg *state.LocalCfg, log *slog.Logger) (*UDPLink, error) {
	addrs, err := cfg.PortAddrs()
	if err != nil {
		return nil, err
	}
	l := &UDPLink{
		log:   log.With("module", "link"),
		clock: clockwork.NewRealClock(),
	}
	for i, a := range addrs {
		l.ports = append(l.ports, &udpPort{num: uint8(i + 1), bind: a.V1, peer: a.V2})
	}
	return l, nil
}

func (l *UDPLink) Ports() uint8 {
	return uint8(len(l.ports))
}

func (l *UDPLink) PortUp(port uint8) bool {
	if port == 0 || int(port) > len(l.ports) {
		return false
	}
	return l.ports[port-1].up.Load()
}

func (l *UDPLink) Send(f state.Frame) error {
	dst, port := protocol.SplitDst(f.Dst)
	f.Dst = dst
	if port != 0 {
		if int(port) > len(l.ports) {
			return fmt.Errorf("port %d: %w", port, ErrNoSuchPort)
		}
		return l.sendPort(l.ports[port-1], f, DefaultHopLimit)
	}
	var errs []error
	for _, p := range l.ports {
		if p.up.Load() {
			errs = append(errs, l.sendPort(p, f, DefaultHopLimit))
		}
	}
	return errors.Join(errs...)
}

func (l *UDPLink) sendPort(p *udpPort, f state.Frame, hops uint8) error {
	conn := p.conn.Load()
	if conn == nil || !p.up.Load() {
		return fmt.Errorf("port %d: %w", p.num, ErrPortDown)
	}
	f.Src = protocol.WithEgressPort(f.Src, p.num)
	_, err := conn.WriteToUDPAddrPort(MarshalFrame(f, hops), p.peer)
	return err
}

func (l *UDPLink) flood(f state.Frame, hops uint8, ingress uint8) {
	for _, p := range l.ports {
		if p.num == ingress || !p.up.Load() {
			continue
		}
		if err := l.sendPort(p, f, hops); err != nil {
			l.log.Debug("failed to flood frame", "port", p.num, "err", err)
		}
	}
}

func (l *UDPLink) Run(ctx context.Context, h state.LinkHandler) error {
	for _, p := range l.ports {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(p.bind))
		if err != nil {
			l.closeAll()
			return fmt.Errorf("port %d: bind %s: %w", p.num, p.bind, err)
		}
		p.conn.Store(conn)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range l.ports {
		g.Go(func() error {
			return l.read(gctx, p, h)
		})
	}
	g.Go(func() error {
		return l.keepalive(gctx, h)
	})
	g.Go(func() error {
		<-gctx.Done()
		l.closeAll()
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *UDPLink) closeAll() {
	for _, p := range l.ports {
		if conn := p.conn.Load(); conn != nil {
			_ = conn.Close()
		}
	}
}

func (l *UDPLink) read(ctx context.Context, p *udpPort, h state.LinkHandler) error {
	conn := p.conn.Load()
	buf := make([]byte, protocol.LinkMTU*2)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Debug("read failed", "port", p.num, "err", err)
			continue
		}
		if from.Addr().Unmap() != p.peer.Addr().Unmap() || from.Port() != p.peer.Port() {
			continue
		}
		p.lastRx.Store(l.clock.Now().UnixNano())
		if p.up.CompareAndSwap(false, true) {
			h.LinkChange(p.num, true)
		}
		if n == 0 {
			continue
		}
		f, hops, err := UnmarshalFrame(buf[:n])
		if err != nil {
			l.log.Debug("dropped frame", "port", p.num, "err", err)
			continue
		}
		if protocol.IsGlobalMulticast(f.Dst) && hops > 1 {
			l.flood(f, hops-1, p.num)
		}
		f.Src = protocol.WithIngressPort(f.Src, p.num)
		h.Receive(f)
	}
}

// keepalive sends an empty datagram on every port and takes down ports whose peer went quiet
func (l *UDPLink) keepalive(ctx context.Context, h state.LinkHandler) error {
	ticker := l.clock.NewTicker(state.LinkKeepalive)
	defer ticker.Stop()
	for {
		l.probe(h)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (l *UDPLink) probe(h state.LinkHandler) {
	now := l.clock.Now()
	for _, p := range l.ports {
		if conn := p.conn.Load(); conn != nil {
			_, _ = conn.WriteToUDPAddrPort(nil, p.peer)
		}
		if !p.up.Load() || now.Sub(time.Unix(0, p.lastRx.Load())) <= state.LinkDeadAfter {
			continue
		}
		if p.up.CompareAndSwap(true, false) {
			h.LinkChange(p.num, false)
		}
	}
}
