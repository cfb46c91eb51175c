package core

import (
	"net/netip"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

// Info answers device info requests and collects replies
type Info struct {
	pending *Correlator[protocol.InfoReply]
}

func (i *Info) Init(s *state.State) error {
	i.pending = NewCorrelator[protocol.InfoReply](state.RequestTimeout)
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeDeviceInfoRequest: {
			RequiresTargetCheck: true,
			Handler:             i.handleRequest,
		},
		protocol.TypeDeviceInfoReply: {
			IsReply: true,
			Handler: i.handleReply,
		},
	})
}

func (i *Info) Cleanup(s *state.State) error {
	return nil
}

// Request asks target for its device info. cb may be nil, and receives nil if no reply arrives in time.
func (i *Info) Request(s *state.State, target state.NodeId, dst netip.Addr, cb func(*protocol.InfoReply)) {
	if cb != nil {
		i.pending.Track(target, cb)
	}
	err := Get[*Bcmp](s).Send(protocol.TypeDeviceInfoRequest, protocol.TargetRequest{Target: target}.Marshal(), dst)
	if err != nil {
		s.Log.Debug("failed to send info request", "target", target, "err", err)
	}
}

func (i *Info) LocalReply(s *state.State) protocol.InfoReply {
	return protocol.InfoReply{
		Node:       s.Id,
		Info:       s.DeviceInfo(),
		VersionStr: s.Device.VersionStr,
		DeviceName: s.Device.Name,
	}
}

func (i *Info) handleRequest(s *state.State, d *ProcessData) error {
	return Get[*Bcmp](s).Send(protocol.TypeDeviceInfoReply, i.LocalReply(s).Marshal(), d.Dst)
}

func (i *Info) handleReply(s *state.State, d *ProcessData) error {
	reply, err := protocol.ParseInfoReply(d.Payload)
	if err != nil {
		return err
	}
	if nb := s.Neighbors.Find(reply.Node); nb != nil {
		nb.Info = reply.Info
		nb.HasInfo = true
		nb.VersionStr = reply.VersionStr
		nb.DeviceName = reply.DeviceName
	}
	if i.pending.Resolve(reply.Node, &reply) {
		return nil
	}
	s.Log.Debug("device info", "node", reply.Node, "version", reply.VersionStr, "name", reply.DeviceName,
		"git_sha", reply.Info.GitSha, "serial", reply.Info.Serial)
	return nil
}
