package core

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"github.com/encodeous/bristlemouth/perf"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnsupportedType  = errors.New("unsupported message type")
	// ErrShouldForward is returned by a handler that wants the message re-sent to the other ports
	ErrShouldForward = errors.New("message should be forwarded")
)

// ProcessData is what a handler sees of an inbound message. Src and Dst have their port bits cleared.
type ProcessData struct {
	Header  protocol.Header
	Payload []byte
	Raw     []byte
	Src     netip.Addr
	Dst     netip.Addr
	Ingress uint8
}

func (d *ProcessData) SrcNode() state.NodeId {
	return protocol.NodeIdFromAddr(d.Src)
}

func (d *ProcessData) Size() int {
	return len(d.Raw)
}

type Handler func(s *state.State, d *ProcessData) error

type Descriptor struct {
	IsReply             bool
	RequiresTargetCheck bool
	Handler             Handler
}

// Bcmp owns the message registry, validates inbound messages and sends outbound ones
type Bcmp struct {
	env      *state.Env
	handlers map[protocol.MessageType]Descriptor
	udp      func(s *state.State, f state.Frame) error
}

func (b *Bcmp) Init(s *state.State) error {
	b.env = s.Env
	b.handlers = make(map[protocol.MessageType]Descriptor)
	return nil
}

func (b *Bcmp) Cleanup(s *state.State) error {
	return nil
}

func (b *Bcmp) Register(t protocol.MessageType, d Descriptor) error {
	if _, ok := b.handlers[t]; ok {
		return fmt.Errorf("%s: %w", t, ErrDuplicateHandler)
	}
	b.handlers[t] = d
	return nil
}

// Receive is called by the transport on its own goroutine
func (b *Bcmp) Receive(f state.Frame) {
	perf.RecvPacketPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(f.Payload)))
	ok := b.env.TryDispatch(func(s *state.State) error {
		switch f.Proto {
		case protocol.ProtoBCMP:
			if err := b.ProcessPacket(s, f.Payload, f.Src, f.Dst); err != nil {
				s.Log.Debug("dropped bcmp message", "src", f.Src, "err", err)
			}
		case protocol.ProtoUDP:
			if b.udp != nil {
				return b.udp(s, f)
			}
		}
		return nil
	})
	if !ok {
		perf.Dropped.Inc()
		perf.DroppedPerSecond.Add(1)
	}
}

func (b *Bcmp) LinkChange(port uint8, up bool) {
	b.env.Dispatch(func(s *state.State) error {
		s.Log.Info("link changed", "port", port, "up", up)
		if up {
			Get[*Neighbors](s).LinkUp(s)
		}
		return nil
	})
}

// ProcessPacket takes a frame as it came off the link, with port numbers still encoded in the addresses
func (b *Bcmp) ProcessPacket(s *state.State, payload []byte, src, dst netip.Addr) error {
	ingress := protocol.IngressPort(src)
	src = protocol.ClearPorts(src)
	dst, _ = protocol.SplitDst(dst)
	return b.Dispatch(s, payload, src, dst, ingress)
}

func (b *Bcmp) Dispatch(s *state.State, raw []byte, src, dst netip.Addr, ingress uint8) error {
	hdr, err := protocol.ParseHeader(raw)
	if err != nil {
		perf.DispatchErrors.WithLabelValues("short").Inc()
		return err
	}
	if !protocol.VerifyChecksum(src, dst, raw) {
		perf.DispatchErrors.WithLabelValues("checksum").Inc()
		return fmt.Errorf("%s from %s: %w", hdr.Type, src, protocol.ErrBadChecksum)
	}
	desc, ok := b.handlers[hdr.Type]
	if !ok {
		perf.DispatchErrors.WithLabelValues("unsupported").Inc()
		return fmt.Errorf("%s: %w", hdr.Type, ErrUnsupportedType)
	}
	perf.Messages.WithLabelValues("rx", hdr.Type.String()).Inc()
	d := &ProcessData{
		Header:  hdr,
		Payload: raw[protocol.HeaderLen:],
		Raw:     raw,
		Src:     src,
		Dst:     dst,
		Ingress: ingress,
	}
	if desc.RequiresTargetCheck {
		if target, ok := protocol.TargetOf(d.Payload); ok && !addressedHere(s, target) {
			return b.Forward(d)
		}
	}
	err = desc.Handler(s, d)
	if errors.Is(err, ErrShouldForward) {
		return b.Forward(d)
	}
	if err != nil {
		return fmt.Errorf("handle %s from %s: %w", hdr.Type, d.SrcNode(), err)
	}
	return nil
}

func addressedHere(s *state.State, target state.NodeId) bool {
	return target == s.Id || target == 0
}

func (b *Bcmp) selfAddr() netip.Addr {
	return protocol.NodeAddr(b.env.Id)
}

// Send builds and transmits a message. dst may carry an egress port.
func (b *Bcmp) Send(t protocol.MessageType, payload []byte, dst netip.Addr) error {
	src := b.selfAddr()
	plain, _ := protocol.SplitDst(dst)
	msg, err := protocol.Encode(t, payload, src, plain)
	if err != nil {
		return err
	}
	perf.Messages.WithLabelValues("tx", t.String()).Inc()
	return b.transmit(state.Frame{Src: src, Dst: dst, Proto: protocol.ProtoBCMP, Payload: msg})
}

func (b *Bcmp) transmit(f state.Frame) error {
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(f.Payload)))
	return b.env.Transport.Send(f)
}

// Forward re-broadcasts a link-local message on every up port except the one it came in on.
// Global multicast is already flooded by the link layer.
func (b *Bcmp) Forward(d *ProcessData) error {
	if protocol.IsGlobalMulticast(d.Dst) {
		return nil
	}
	src := b.selfAddr()
	msg := bytes.Clone(d.Raw)
	protocol.Reseal(msg, src, protocol.MulticastLinkLocal)
	tr := b.env.Transport
	var errs []error
	for port := uint8(1); port <= tr.Ports(); port++ {
		if port == d.Ingress || !tr.PortUp(port) {
			continue
		}
		perf.Forwarded.Inc()
		errs = append(errs, b.transmit(state.Frame{
			Src:     src,
			Dst:     protocol.PortSpecificDst(protocol.MulticastLinkLocal, port),
			Proto:   protocol.ProtoBCMP,
			Payload: msg,
		}))
	}
	return errors.Join(errs...)
}
