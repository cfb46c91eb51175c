package protocol

import (
	"fmt"
	"time"

	"github.com/encodeous/bristlemouth/state"
)

const SerialLen = 16

type Heartbeat struct {
	TimeSinceBoot time.Duration
	LeaseDuration time.Duration
}

func (h Heartbeat) Marshal() []byte {
	w := &writer{}
	w.u64(uint64(h.TimeSinceBoot.Microseconds())).
		u32(uint32(h.LeaseDuration / time.Second))
	return w.buf
}

func ParseHeartbeat(b []byte) (Heartbeat, error) {
	r := &reader{buf: b}
	h := Heartbeat{
		TimeSinceBoot: time.Duration(r.u64()) * time.Microsecond,
		LeaseDuration: time.Duration(r.u32()) * time.Second,
	}
	return h, r.err
}

// TargetRequest is the body of every request that only names its target: device info, neighbor table and resource table.
type TargetRequest struct {
	Target state.NodeId
}

func (t TargetRequest) Marshal() []byte {
	return (&writer{}).node(t.Target).buf
}

func ParseTargetRequest(b []byte) (TargetRequest, error) {
	r := &reader{buf: b}
	t := TargetRequest{Target: r.node()}
	return t, r.err
}

// Echo is shared by echo requests (Node is the target) and replies (Node is the responder).
type Echo struct {
	Node    state.NodeId
	Id      uint16
	Seq     uint16
	Payload []byte
}

func (e Echo) Marshal() []byte {
	w := &writer{}
	w.node(e.Node).u16(e.Id).u16(e.Seq).u16(uint16(len(e.Payload))).bytes(e.Payload)
	return w.buf
}

func ParseEcho(b []byte) (Echo, error) {
	r := &reader{buf: b}
	e := Echo{
		Node: r.node(),
		Id:   r.u16(),
		Seq:  r.u16(),
	}
	e.Payload = r.bytes(int(r.u16()))
	return e, r.err
}

type InfoReply struct {
	Node       state.NodeId
	Info       state.DeviceInfo
	VersionStr string
	DeviceName string
}

func (i InfoReply) Marshal() []byte {
	ver := truncate(i.VersionStr, 255)
	name := truncate(i.DeviceName, 255)
	w := &writer{}
	w.node(i.Node).
		u16(i.Info.VendorId).
		u16(i.Info.ProductId).
		fixed(i.Info.Serial, SerialLen).
		u32(i.Info.GitSha).
		u8(i.Info.VersionMajor).
		u8(i.Info.VersionMinor).
		u8(i.Info.VersionRev).
		u8(i.Info.HwVersion).
		u8(uint8(len(ver))).
		u8(uint8(len(name))).
		bytes([]byte(ver)).
		bytes([]byte(name))
	return w.buf
}

func ParseInfoReply(b []byte) (InfoReply, error) {
	r := &reader{buf: b}
	i := InfoReply{Node: r.node()}
	i.Info.VendorId = r.u16()
	i.Info.ProductId = r.u16()
	i.Info.Serial = r.cstr(SerialLen)
	i.Info.GitSha = r.u32()
	i.Info.VersionMajor = r.u8()
	i.Info.VersionMinor = r.u8()
	i.Info.VersionRev = r.u8()
	i.Info.HwVersion = r.u8()
	verLen := int(r.u8())
	nameLen := int(r.u8())
	i.VersionStr = r.str(verLen)
	i.DeviceName = r.str(nameLen)
	return i, r.err
}

type PortInfo struct {
	Up   bool
	Type uint8
}

// port types reported in neighbor table replies
const (
	PortNone uint8 = iota
	Port10BaseT1L
	Port10BaseT1S
	PortUSB
)

type NeighborInfo struct {
	Node   state.NodeId
	Port   uint8
	Online bool
}

type NeighborTableReply struct {
	Node      state.NodeId
	Ports     []PortInfo
	Neighbors []NeighborInfo
}

func (n NeighborTableReply) Marshal() []byte {
	w := &writer{}
	w.node(n.Node).u8(uint8(len(n.Ports))).u16(uint16(len(n.Neighbors)))
	for _, p := range n.Ports {
		w.u8(boolByte(p.Up)).u8(p.Type)
	}
	for _, nb := range n.Neighbors {
		w.node(nb.Node).u8(nb.Port).u8(boolByte(nb.Online))
	}
	return w.buf
}

func ParseNeighborTableReply(b []byte) (NeighborTableReply, error) {
	r := &reader{buf: b}
	n := NeighborTableReply{Node: r.node()}
	portLen := int(r.u8())
	neighborLen := int(r.u16())
	if r.err != nil {
		return n, r.err
	}
	if len(r.buf) < portLen*2+neighborLen*10 {
		return n, fmt.Errorf("neighbor table reply with %d ports and %d neighbors: %w", portLen, neighborLen, ErrTruncated)
	}
	n.Ports = make([]PortInfo, portLen)
	for i := range n.Ports {
		n.Ports[i] = PortInfo{Up: r.u8() != 0, Type: r.u8()}
	}
	n.Neighbors = make([]NeighborInfo, neighborLen)
	for i := range n.Neighbors {
		n.Neighbors[i] = NeighborInfo{Node: r.node(), Port: r.u8(), Online: r.u8() != 0}
	}
	return n, r.err
}

// UpPorts counts the ports whose link is up
func (n NeighborTableReply) UpPorts() int {
	cnt := 0
	for _, p := range n.Ports {
		if p.Up {
			cnt++
		}
	}
	return cnt
}

type ResourceTableReply struct {
	Node state.NodeId
	Pubs []string
	Subs []string
}

func (rt ResourceTableReply) Marshal() []byte {
	w := &writer{}
	w.node(rt.Node).u16(uint16(len(rt.Pubs))).u16(uint16(len(rt.Subs)))
	for _, list := range [][]string{rt.Pubs, rt.Subs} {
		for _, res := range list {
			w.u16(uint16(len(res))).bytes([]byte(res))
		}
	}
	return w.buf
}

func ParseResourceTableReply(b []byte) (ResourceTableReply, error) {
	r := &reader{buf: b}
	rt := ResourceTableReply{Node: r.node()}
	numPubs := int(r.u16())
	numSubs := int(r.u16())
	for range numPubs {
		rt.Pubs = append(rt.Pubs, r.str(int(r.u16())))
	}
	for range numSubs {
		rt.Subs = append(rt.Subs, r.str(int(r.u16())))
	}
	return rt, r.err
}

// SystemTime carries time requests, responses and sets. Utc is ignored for requests.
type SystemTime struct {
	Target state.NodeId
	Source state.NodeId
	UtcUs  uint64
}

func (t SystemTime) Marshal(withTime bool) []byte {
	w := &writer{}
	w.node(t.Target).node(t.Source)
	if withTime {
		w.u64(t.UtcUs)
	}
	return w.buf
}

func ParseSystemTime(b []byte, withTime bool) (SystemTime, error) {
	r := &reader{buf: b}
	t := SystemTime{Target: r.node(), Source: r.node()}
	if withTime {
		t.UtcUs = r.u64()
	}
	return t, r.err
}

type RebootRequest struct {
	Target state.NodeId
	Force  bool
}

func (rr RebootRequest) Marshal() []byte {
	return (&writer{}).node(rr.Target).u8(boolByte(rr.Force)).buf
}

func ParseRebootRequest(b []byte) (RebootRequest, error) {
	r := &reader{buf: b}
	rr := RebootRequest{Target: r.node(), Force: r.u8() != 0}
	return rr, r.err
}

type RebootReply struct {
	Node state.NodeId
	Ack  bool
}

func (rr RebootReply) Marshal() []byte {
	return (&writer{}).node(rr.Node).u8(boolByte(rr.Ack)).buf
}

func ParseRebootReply(b []byte) (RebootReply, error) {
	r := &reader{buf: b}
	rr := RebootReply{Node: r.node(), Ack: r.u8() != 0}
	return rr, r.err
}

// Publication is a pub/sub datagram, sent to the global multicast group under ProtoUDP
type Publication struct {
	Topic string
	Data  []byte
}

func (p Publication) Marshal() []byte {
	w := &writer{}
	w.u16(uint16(len(p.Topic))).bytes([]byte(p.Topic)).bytes(p.Data)
	return w.buf
}

func ParsePublication(b []byte) (Publication, error) {
	r := &reader{buf: b}
	p := Publication{Topic: r.str(int(r.u16()))}
	if r.err != nil {
		return p, r.err
	}
	p.Data = append([]byte(nil), r.buf...)
	return p, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
