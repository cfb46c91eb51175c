package core

import (
	"slices"
	"sync"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

type ResourceKind int

const (
	Pub ResourceKind = iota
	Sub
)

func (k ResourceKind) String() string {
	if k == Pub {
		return "pub"
	}
	return "sub"
}

// Resources tracks the topics this node publishes and subscribes to, and answers resource table requests.
// The lists are read by the control socket, so they carry their own lock.
type Resources struct {
	mu   sync.Mutex
	pubs []string
	subs []string

	pending *Correlator[protocol.ResourceTableReply]
}

func (r *Resources) Init(s *state.State) error {
	r.pending = NewCorrelator[protocol.ResourceTableReply](state.RequestTimeout)
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeResourceTableReq: {
			RequiresTargetCheck: true,
			Handler:             r.handleRequest,
		},
		protocol.TypeResourceTableReply: {
			IsReply: true,
			Handler: r.handleReply,
		},
	})
}

func (r *Resources) Cleanup(s *state.State) error {
	return nil
}

func (r *Resources) list(kind ResourceKind) *[]string {
	if kind == Pub {
		return &r.pubs
	}
	return &r.subs
}

// Add registers name, returning false if it was already present
func (r *Resources) Add(kind ResourceKind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.list(kind)
	if slices.Contains(*l, name) {
		return false
	}
	*l = append(*l, name)
	return true
}

func (r *Resources) Remove(kind ResourceKind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.list(kind)
	idx := slices.Index(*l, name)
	if idx < 0 {
		return false
	}
	*l = slices.Delete(*l, idx, idx+1)
	return true
}

func (r *Resources) Contains(kind ResourceKind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(*r.list(kind), name)
}

// Table snapshots the local resource table
func (r *Resources) Table(self state.NodeId) protocol.ResourceTableReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.ResourceTableReply{
		Node: self,
		Pubs: slices.Clone(r.pubs),
		Subs: slices.Clone(r.subs),
	}
}

// Request asks target for its resource table. cb receives nil on timeout.
func (r *Resources) Request(s *state.State, target state.NodeId, cb func(*protocol.ResourceTableReply)) error {
	if cb != nil {
		r.pending.Track(target, cb)
	}
	return Get[*Bcmp](s).Send(protocol.TypeResourceTableReq, protocol.TargetRequest{Target: target}.Marshal(), protocol.MulticastGlobal)
}

func (r *Resources) handleRequest(s *state.State, d *ProcessData) error {
	return Get[*Bcmp](s).Send(protocol.TypeResourceTableReply, r.Table(s.Id).Marshal(), d.Dst)
}

func (r *Resources) handleReply(s *state.State, d *ProcessData) error {
	reply, err := protocol.ParseResourceTableReply(d.Payload)
	if err != nil {
		return err
	}
	if reply.Node != d.SrcNode() {
		s.Log.Warn("resource table reply does not match its source", "node", reply.Node, "src", d.SrcNode())
		return nil
	}
	if !r.pending.Resolve(reply.Node, &reply) {
		s.Log.Info("resource table", "node", reply.Node, "pubs", reply.Pubs, "subs", reply.Subs)
	}
	return nil
}
