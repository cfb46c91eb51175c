package core

import (
	"fmt"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

// Reboot restarts this node when asked to by another node
type Reboot struct {
	pending *Correlator[protocol.RebootReply]
}

func (r *Reboot) Init(s *state.State) error {
	r.pending = NewCorrelator[protocol.RebootReply](state.RequestTimeout)
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeRebootRequest: {
			RequiresTargetCheck: true,
			Handler:             r.handleRequest,
		},
		protocol.TypeRebootReply: {
			IsReply: true,
			Handler: r.handleReply,
		},
	})
}

func (r *Reboot) Cleanup(s *state.State) error {
	return nil
}

// Request asks target to restart. cb receives nil if the target never acknowledges.
func (r *Reboot) Request(s *state.State, target state.NodeId, cb func(*protocol.RebootReply)) error {
	if cb != nil {
		r.pending.Track(target, cb)
	}
	return Get[*Bcmp](s).Send(protocol.TypeRebootRequest, protocol.RebootRequest{Target: target}.Marshal(), protocol.MulticastGlobal)
}

func (r *Reboot) handleRequest(s *state.State, d *ProcessData) error {
	req, err := protocol.ParseRebootRequest(d.Payload)
	if err != nil {
		return err
	}
	// broadcasts would take the whole network down at once
	if req.Target != s.Id {
		return nil
	}
	err = Get[*Bcmp](s).Send(protocol.TypeRebootReply, protocol.RebootReply{Node: s.Id, Ack: true}.Marshal(), d.Dst)
	if err != nil {
		s.Log.Debug("failed to acknowledge reboot", "err", err)
	}
	s.Restart(fmt.Sprintf("reboot requested by %s", d.SrcNode()))
	return nil
}

func (r *Reboot) handleReply(s *state.State, d *ProcessData) error {
	reply, err := protocol.ParseRebootReply(d.Payload)
	if err != nil {
		return err
	}
	if !r.pending.Resolve(reply.Node, &reply) {
		s.Log.Debug("reboot reply", "node", reply.Node, "ack", reply.Ack)
	}
	return nil
}
