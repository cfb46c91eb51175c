package core

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

var ErrPingInFlight = errors.New("a ping to this node is already outstanding")

type PingResult struct {
	Node  state.NodeId
	Seq   uint16
	Bytes int
	Rtt   time.Duration
}

type pingReq struct {
	id      uint16
	seq     uint16
	payload []byte
	sent    time.Time
}

// Ping answers echo requests and measures round trips of our own
type Ping struct {
	pending     *Correlator[PingResult]
	outstanding map[state.NodeId]pingReq
	nextId      uint16
	nextSeq     uint16
}

func (p *Ping) Init(s *state.State) error {
	p.pending = NewCorrelator[PingResult](state.RequestTimeout)
	p.outstanding = make(map[state.NodeId]pingReq)
	p.nextId = uint16(s.Id) ^ uint16(s.Clock.Now().UnixNano())
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeEchoRequest: {
			RequiresTargetCheck: true,
			Handler:             p.handleRequest,
		},
		protocol.TypeEchoReply: {
			IsReply: true,
			Handler: p.handleReply,
		},
	})
}

func (p *Ping) Cleanup(s *state.State) error {
	return nil
}

// Send pings target with a payload of payloadLen bytes. cb receives nil on timeout.
func (p *Ping) Send(s *state.State, target state.NodeId, payloadLen int, cb func(*PingResult)) error {
	if target == 0 {
		return fmt.Errorf("ping needs a target node")
	}
	if _, ok := p.outstanding[target]; ok {
		return ErrPingInFlight
	}
	p.nextId++
	p.nextSeq++
	req := pingReq{
		id:      p.nextId,
		seq:     p.nextSeq,
		payload: make([]byte, payloadLen),
		sent:    s.Clock.Now(),
	}
	for i := range req.payload {
		req.payload[i] = byte(i)
	}
	msg := protocol.Echo{Node: target, Id: req.id, Seq: req.seq, Payload: req.payload}
	if err := Get[*Bcmp](s).Send(protocol.TypeEchoRequest, msg.Marshal(), protocol.MulticastGlobal); err != nil {
		return err
	}
	p.outstanding[target] = req
	p.pending.Track(target, func(res *PingResult) {
		if res == nil {
			delete(p.outstanding, target)
		}
		if cb != nil {
			cb(res)
		}
	})
	return nil
}

func (p *Ping) handleRequest(s *state.State, d *ProcessData) error {
	req, err := protocol.ParseEcho(d.Payload)
	if err != nil {
		return err
	}
	reply := protocol.Echo{Node: s.Id, Id: req.Id, Seq: req.Seq, Payload: req.Payload}
	return Get[*Bcmp](s).Send(protocol.TypeEchoReply, reply.Marshal(), d.Dst)
}

func (p *Ping) handleReply(s *state.State, d *ProcessData) error {
	reply, err := protocol.ParseEcho(d.Payload)
	if err != nil {
		return err
	}
	req, ok := p.outstanding[reply.Node]
	if !ok || req.id != reply.Id || !bytes.Equal(req.payload, reply.Payload) {
		s.Log.Debug("unexpected echo reply", "node", reply.Node, "id", reply.Id)
		return nil
	}
	delete(p.outstanding, reply.Node)
	p.pending.Resolve(reply.Node, &PingResult{
		Node:  reply.Node,
		Seq:   reply.Seq,
		Bytes: len(reply.Payload),
		Rtt:   s.Clock.Since(req.sent),
	})
	return nil
}
