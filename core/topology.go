package core

import (
	"container/list"
	"fmt"
	"strings"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
)

// TopologyNode is one visited node. PortsExplored counts the links walked from it so far.
type TopologyNode struct {
	Table         protocol.NeighborTableReply
	Root          bool
	PortsExplored int
}

// portTo returns the ports this node sees other on
func (n *TopologyNode) portTo(other state.NodeId) []uint8 {
	var ports []uint8
	for _, nb := range n.Table.Neighbors {
		if nb.Node == other {
			ports = append(ports, nb.Port)
		}
	}
	return ports
}

// explored reports whether every neighbor on an up port has been walked
func (n *TopologyNode) explored() bool {
	linked := 0
	for _, nb := range n.Table.Neighbors {
		idx := int(nb.Port) - 1
		if idx >= 0 && idx < len(n.Table.Ports) && n.Table.Ports[idx].Up {
			linked++
		}
	}
	return n.PortsExplored >= linked
}

// NetworkTopology is the linear order discovery walked the network in
type NetworkTopology struct {
	nodes *list.List
}

func newNetworkTopology() *NetworkTopology {
	return &NetworkTopology{nodes: list.New()}
}

func (t *NetworkTopology) Len() int {
	return t.nodes.Len()
}

func (t *NetworkTopology) Nodes() []TopologyNode {
	res := make([]TopologyNode, 0, t.nodes.Len())
	for e := t.nodes.Front(); e != nil; e = e.Next() {
		res = append(res, *e.Value.(*TopologyNode))
	}
	return res
}

func (t *NetworkTopology) NodeIds() []state.NodeId {
	res := make([]state.NodeId, 0, t.nodes.Len())
	for e := t.nodes.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*TopologyNode).Table.Node)
	}
	return res
}

func (t *NetworkTopology) Contains(node state.NodeId) bool {
	for e := t.nodes.Front(); e != nil; e = e.Next() {
		if e.Value.(*TopologyNode).Table.Node == node {
			return true
		}
	}
	return false
}

// String renders each node with the ports linking it to its list neighbours, e.g.
// (root)00000000000000aa:1 | 2:00000000000000bb
func (t *NetworkTopology) String() string {
	sb := strings.Builder{}
	for e := t.nodes.Front(); e != nil; e = e.Next() {
		n := e.Value.(*TopologyNode)
		if prev := e.Prev(); prev != nil {
			for _, p := range n.portTo(prev.Value.(*TopologyNode).Table.Node) {
				sb.WriteString(fmt.Sprintf("%d:", p))
			}
		}
		if n.Root {
			sb.WriteString("(root)")
		}
		sb.WriteString(n.Table.Node.String())
		if next := e.Next(); next != nil {
			for _, p := range n.portTo(next.Value.(*TopologyNode).Table.Node) {
				sb.WriteString(fmt.Sprintf(":%d", p))
			}
			sb.WriteString(" | ")
		}
	}
	return sb.String()
}

// Topology discovers the network by walking neighbor tables depth first. Every step runs as its own
// dispatch so the main loop never waits on a reply. Completed topologies are also broadcast.
type Topology struct {
	broadcast.Broadcaster
	pending *Correlator[protocol.NeighborTableReply]

	topo         *NetworkTopology
	cursor       *list.Element
	insertBefore bool
	inProgress   bool
	cb           func(*NetworkTopology)

	waiting bool
	target  state.NodeId
	timer   clockwork.Timer
	gen     uint64
}

func (t *Topology) Init(s *state.State) error {
	t.Broadcaster = broadcast.NewBroadcaster(1024)
	t.pending = NewCorrelator[protocol.NeighborTableReply](state.RequestTimeout)
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeNeighborTableReply: {
			IsReply: true,
			Handler: t.handleReply,
		},
	})
}

func (t *Topology) Cleanup(s *state.State) error {
	t.stopTimer()
	return t.Broadcaster.Close()
}

func (t *Topology) InProgress() bool {
	return t.inProgress
}

// RequestTable asks target for its neighbor table. cb receives nil on timeout.
func (t *Topology) RequestTable(s *state.State, target state.NodeId, cb func(*protocol.NeighborTableReply)) error {
	if cb != nil {
		t.pending.Track(target, cb)
	}
	return Get[*Bcmp](s).Send(protocol.TypeNeighborTableReq, protocol.TargetRequest{Target: target}.Marshal(), protocol.MulticastGlobal)
}

// Start begins a discovery run. If one is already running cb gets nil right away.
func (t *Topology) Start(s *state.State, cb func(*NetworkTopology)) {
	if t.inProgress {
		if cb != nil {
			cb(nil)
		}
		return
	}
	t.inProgress = true
	t.cb = cb
	t.topo = newNetworkTopology()
	t.insertBefore = false
	root := &TopologyNode{Table: Get[*Neighbors](s).TableReply(s), Root: true}
	t.cursor = t.topo.nodes.PushBack(root)
	s.Log.Debug("topology discovery started")
	t.step(s, t.checkNode)
}

func (t *Topology) step(s *state.State, fn func(*state.State) error) {
	if !s.TryDispatch(fn) {
		go s.Dispatch(fn)
	}
}

func (t *Topology) cur() *TopologyNode {
	return t.cursor.Value.(*TopologyNode)
}

// moveBack walks the cursor toward the root
func (t *Topology) moveBack() {
	if t.cur().Root {
		return
	}
	var e *list.Element
	if t.insertBefore {
		e = t.cursor.Next()
	} else {
		e = t.cursor.Prev()
	}
	if e != nil {
		t.cursor = e
	}
}

func (t *Topology) nextUnvisited() state.NodeId {
	for _, nb := range t.cur().Table.Neighbors {
		if !t.topo.Contains(nb.Node) {
			return nb.Node
		}
	}
	return 0
}

func (t *Topology) checkNode(s *state.State) error {
	if !t.inProgress {
		return nil
	}
	n := t.cur()
	if n.explored() {
		if n.Root {
			t.step(s, t.end)
			return nil
		}
		t.moveBack()
		t.step(s, t.checkNode)
		return nil
	}
	// the first branch hangs off one side of the root, the rest go on the other
	if n.Root && n.PortsExplored == 1 {
		t.insertBefore = true
	}
	next := t.nextUnvisited()
	n.PortsExplored++
	if next == 0 {
		t.moveBack()
		t.step(s, t.checkNode)
		return nil
	}
	t.waiting = true
	t.target = next
	t.startTimer(s)
	err := t.RequestTable(s, next, func(reply *protocol.NeighborTableReply) {
		if reply != nil {
			t.addNode(s, *reply)
		}
	})
	if err != nil {
		s.Log.Debug("failed to request neighbor table", "target", next, "err", err)
	}
	return nil
}

func (t *Topology) addNode(s *state.State, reply protocol.NeighborTableReply) {
	if !t.topo.Contains(reply.Node) {
		node := &TopologyNode{Table: reply}
		if t.insertBefore {
			t.cursor = t.topo.nodes.InsertBefore(node, t.cursor)
		} else {
			t.cursor = t.topo.nodes.InsertAfter(node, t.cursor)
		}
		// the link we arrived on
		node.PortsExplored++
	}
	t.step(s, t.checkNode)
}

func (t *Topology) startTimer(s *state.State) {
	t.stopTimer()
	gen := t.gen
	t.timer = s.ScheduleTask(func(s *state.State) error {
		if gen != t.gen {
			return nil
		}
		return t.timeout(s)
	}, state.TopologyNodeTimeout)
}

func (t *Topology) stopTimer() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Topology) timeout(s *state.State) error {
	if !t.waiting {
		return nil
	}
	s.Log.Debug("neighbor table request timed out", "target", t.target)
	t.waiting = false
	t.pending.Forget(t.target)
	t.moveBack()
	t.step(s, t.checkNode)
	return nil
}

func (t *Topology) end(s *state.State) error {
	topo := t.topo
	cb := t.cb
	t.topo, t.cursor, t.cb = nil, nil, nil
	t.insertBefore = false
	t.inProgress = false
	s.Log.Debug("topology discovery finished", "nodes", topo.Len())
	if cb != nil {
		cb(topo)
	}
	t.Submit(topo)
	return nil
}

func (t *Topology) handleReply(s *state.State, d *ProcessData) error {
	reply, err := protocol.ParseNeighborTableReply(d.Payload)
	if err != nil {
		return err
	}
	if t.waiting && reply.Node == t.target {
		t.waiting = false
		t.stopTimer()
	}
	if !t.pending.Resolve(reply.Node, &reply) {
		s.Log.Debug("neighbor table", "node", reply.Node, "ports", reply.UpPorts(), "neighbors", len(reply.Neighbors))
	}
	return nil
}
