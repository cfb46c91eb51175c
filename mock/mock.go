package mock

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/encodeous/bristlemouth/link"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

const inboxLen = 4096

type delivery struct {
	frame  state.Frame
	hops   uint8
	port   uint8
	change bool
	up     bool
}

type cable struct {
	peer       *Transport
	peerPort   uint8
	packetLoss float64
}

// Network joins in-memory Transports with virtual cables
type Network struct {
	mu    sync.RWMutex
	nodes map[state.NodeId]*Transport
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[state.NodeId]*Transport)}
}

// Node creates the transport for id, with every port unplugged
func (n *Network) Node(id state.NodeId, ports uint8) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &Transport{
		net:   n,
		id:    id,
		ports: make([]*cable, ports),
		inbox: make(chan delivery, inboxLen),
	}
	n.nodes[id] = t
	return t
}

func (n *Network) port(id state.NodeId, port uint8) (*Transport, error) {
	t, ok := n.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", id)
	}
	if port == 0 || int(port) > len(t.ports) {
		return nil, fmt.Errorf("node %s port %d: %w", id, port, link.ErrNoSuchPort)
	}
	return t, nil
}

// Connect plugs a cable between two ports and raises the link on both ends
func (n *Network) Connect(a state.NodeId, pa uint8, b state.NodeId, pb uint8) error {
	return n.ConnectLossy(a, pa, b, pb, 0)
}

// ConnectLossy is Connect with a cable that drops the given fraction of frames
func (n *Network) ConnectLossy(a state.NodeId, pa uint8, b state.NodeId, pb uint8, loss float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ta, err := n.port(a, pa)
	if err != nil {
		return err
	}
	tb, err := n.port(b, pb)
	if err != nil {
		return err
	}
	if ta.ports[pa-1] != nil || tb.ports[pb-1] != nil {
		return fmt.Errorf("port already connected")
	}
	ta.ports[pa-1] = &cable{peer: tb, peerPort: pb, packetLoss: loss}
	tb.ports[pb-1] = &cable{peer: ta, peerPort: pa, packetLoss: loss}
	ta.post(delivery{port: pa, change: true, up: true})
	tb.post(delivery{port: pb, change: true, up: true})
	return nil
}

// Disconnect unplugs the cable on a port, taking the link down on both ends
func (n *Network) Disconnect(a state.NodeId, pa uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ta, err := n.port(a, pa)
	if err != nil {
		return err
	}
	c := ta.ports[pa-1]
	if c == nil {
		return nil
	}
	ta.ports[pa-1] = nil
	c.peer.ports[c.peerPort-1] = nil
	ta.post(delivery{port: pa, change: true, up: false})
	c.peer.post(delivery{port: c.peerPort, change: true, up: false})
	return nil
}

// Transport is one node's view of the Network
type Transport struct {
	net   *Network
	id    state.NodeId
	ports []*cable
	inbox chan delivery
}

func (t *Transport) post(d delivery) {
	select {
	case t.inbox <- d:
	default:
		// a full inbox behaves like a congested link
	}
}

func (t *Transport) Ports() uint8 {
	return uint8(len(t.ports))
}

func (t *Transport) PortUp(port uint8) bool {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	return port != 0 && int(port) <= len(t.ports) && t.ports[port-1] != nil
}

func (t *Transport) Send(f state.Frame) error {
	dst, port := protocol.SplitDst(f.Dst)
	f.Dst = dst
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	if port != 0 {
		if int(port) > len(t.ports) {
			return fmt.Errorf("port %d: %w", port, link.ErrNoSuchPort)
		}
		return t.sendPort(port, f, link.DefaultHopLimit)
	}
	for p := uint8(1); p <= t.Ports(); p++ {
		if t.ports[p-1] != nil {
			_ = t.sendPort(p, f, link.DefaultHopLimit)
		}
	}
	return nil
}

// sendPort must be called with net.mu held
func (t *Transport) sendPort(port uint8, f state.Frame, hops uint8) error {
	c := t.ports[port-1]
	if c == nil {
		return fmt.Errorf("port %d: %w", port, link.ErrPortDown)
	}
	if c.packetLoss > 0 && rand.Float64() < c.packetLoss {
		return nil
	}
	f.Src = protocol.WithIngressPort(protocol.WithEgressPort(f.Src, port), c.peerPort)
	f.Payload = bytes.Clone(f.Payload)
	c.peer.post(delivery{frame: f, hops: hops, port: c.peerPort})
	return nil
}

func (t *Transport) flood(f state.Frame, hops uint8, ingress uint8) {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	for p := uint8(1); p <= t.Ports(); p++ {
		if p != ingress && t.ports[p-1] != nil {
			_ = t.sendPort(p, f, hops)
		}
	}
}

func (t *Transport) Run(ctx context.Context, h state.LinkHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.inbox:
			if d.change {
				h.LinkChange(d.port, d.up)
				continue
			}
			if protocol.IsGlobalMulticast(d.frame.Dst) && d.hops > 1 {
				t.flood(d.frame, d.hops-1, d.port)
			}
			h.Receive(d.frame)
		}
	}
}
