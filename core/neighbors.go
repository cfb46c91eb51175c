package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/bristlemouth/perf"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
)

// NeighborEvent is broadcast whenever a neighbor appears, reboots or goes offline
type NeighborEvent struct {
	Node       state.NodeId
	Port       uint8
	Discovered bool
}

// Neighbors runs the heartbeat and owns the neighbor table
type Neighbors struct {
	broadcast.Broadcaster
	period time.Duration
	timer  clockwork.Timer
	gen    uint64
}

func (n *Neighbors) Init(s *state.State) error {
	n.Broadcaster = broadcast.NewBroadcaster(1024)
	s.Neighbors = state.NewNeighborTable()
	n.period = s.HeartbeatPeriod
	if n.period == 0 {
		n.period = state.HeartbeatPeriod
	}
	err := registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeHeartbeat: {Handler: n.handleHeartbeat},
		protocol.TypeNeighborTableReq: {
			RequiresTargetCheck: true,
			Handler:             n.handleTableRequest,
		},
	})
	if err != nil {
		return err
	}
	s.Dispatch(n.tick)
	return nil
}

func (n *Neighbors) Cleanup(s *state.State) error {
	if n.timer != nil {
		n.timer.Stop()
	}
	return n.Broadcaster.Close()
}

func (n *Neighbors) schedule(s *state.State, delay time.Duration) {
	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = s.ScheduleTask(func(s *state.State) error {
		if gen != n.gen {
			return nil
		}
		return n.tick(s)
	}, delay)
}

func (n *Neighbors) tick(s *state.State) error {
	n.CheckLiveness(s)
	hb := protocol.Heartbeat{TimeSinceBoot: s.TimeSinceBoot(), LeaseDuration: n.period}
	if err := Get[*Bcmp](s).Send(protocol.TypeHeartbeat, hb.Marshal(), protocol.MulticastLinkLocal); err != nil {
		s.Log.Debug("failed to send heartbeat", "err", err)
	}
	n.schedule(s, n.period)
	return nil
}

// LinkUp sends a heartbeat right away so the new peer learns about us without waiting a full period
func (n *Neighbors) LinkUp(s *state.State) {
	_ = n.tick(s)
}

func (n *Neighbors) CheckLiveness(s *state.State) {
	for _, nb := range s.Neighbors.CheckLiveness(s.Clock.Now()) {
		s.Log.Info("neighbor went offline", "node", nb.Id, "port", nb.Port)
		n.Submit(NeighborEvent{Node: nb.Id, Port: nb.Port, Discovered: false})
	}
	n.updateGauge(s)
}

func (n *Neighbors) updateGauge(s *state.State) {
	online := 0
	s.Neighbors.ForEach(func(nb *state.Neighbor) {
		if nb.Online {
			online++
		}
	})
	perf.NeighborsOnline.Set(float64(online))
}

// UpdateNeighbor returns the table entry for node, asking a newly seen node for its device info
func (n *Neighbors) UpdateNeighbor(s *state.State, node state.NodeId, port uint8) *state.Neighbor {
	nb, created := s.Neighbors.Update(node, port)
	if created {
		s.Log.Info("new neighbor", "node", node, "port", port)
		Get[*Info](s).Request(s, node, protocol.MulticastLinkLocal, nil)
	}
	return nb
}

func (n *Neighbors) handleHeartbeat(s *state.State, d *ProcessData) error {
	hb, err := protocol.ParseHeartbeat(d.Payload)
	if err != nil {
		return err
	}
	node := d.SrcNode()
	nb := n.UpdateNeighbor(s, node, d.Ingress)
	rebooted, cameOnline := nb.Heartbeat(s.Clock.Now(), hb.TimeSinceBoot, hb.LeaseDuration)
	if rebooted {
		s.Log.Info("neighbor rebooted", "node", node, "port", d.Ingress)
		n.Submit(NeighborEvent{Node: node, Port: d.Ingress, Discovered: true})
		Get[*Info](s).Request(s, node, protocol.MulticastLinkLocal, nil)
	} else if cameOnline {
		s.Log.Info("neighbor online", "node", node, "port", d.Ingress)
		n.Submit(NeighborEvent{Node: node, Port: d.Ingress, Discovered: true})
	}
	n.updateGauge(s)
	return nil
}

// TableReply describes this node the way topology discovery wants it
func (n *Neighbors) TableReply(s *state.State) protocol.NeighborTableReply {
	reply := protocol.NeighborTableReply{Node: s.Id}
	tr := s.Transport
	for port := uint8(1); port <= tr.Ports(); port++ {
		reply.Ports = append(reply.Ports, protocol.PortInfo{Up: tr.PortUp(port), Type: protocol.Port10BaseT1L})
	}
	s.Neighbors.ForEach(func(nb *state.Neighbor) {
		reply.Neighbors = append(reply.Neighbors, protocol.NeighborInfo{Node: nb.Id, Port: nb.Port, Online: nb.Online})
	})
	return reply
}

func (n *Neighbors) handleTableRequest(s *state.State, d *ProcessData) error {
	return Get[*Bcmp](s).Send(protocol.TypeNeighborTableReply, n.TableReply(s).Marshal(), d.Dst)
}

// PrintNeighbors renders the neighbor table one neighbor per line
func PrintNeighbors(s *state.State) string {
	sb := strings.Builder{}
	if s.Neighbors.Len() == 0 {
		sb.WriteString("no neighbors\n")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("%-16s %4s %-7s %6s %-10s %s\n", "node", "port", "state", "hb", "version", "name"))
	s.Neighbors.ForEach(func(nb *state.Neighbor) {
		st := "offline"
		if nb.Online {
			st = "online"
		}
		ver := "-"
		if nb.HasInfo {
			ver = nb.Info.FwVersion()
		}
		sb.WriteString(fmt.Sprintf("%-16s %4d %-7s %6s %-10s %s\n", nb.Id, nb.Port, st, nb.HeartbeatPeriod, ver, nb.DeviceName))
	})
	return sb.String()
}
