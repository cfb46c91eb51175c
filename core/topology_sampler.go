package core

import (
	"encoding/binary"
	"hash/crc32"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/bristlemouth/kv"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
)

// NetworkCrcKey is where the sampler keeps the crc of the last node list it saw
const NetworkCrcKey = "smConfigurationCrc"

// TopologySnapshot is the latest completed discovery
type TopologySnapshot struct {
	Nodes    []state.NodeId
	Crc      uint32
	Topology string
	Taken    time.Time
}

// TopologySampler reruns discovery periodically and whenever a neighbor comes or goes.
// The latest result can be read from any goroutine.
type TopologySampler struct {
	env   *state.Env
	hwCfg *kv.Store

	mu       sync.Mutex
	snapshot TopologySnapshot
	sampled  bool

	done chan struct{}
}

func (t *TopologySampler) Init(s *state.State) error {
	t.env = s.Env
	t.done = make(chan struct{})
	hw, err := Get[*ConfigProto](s).Store(protocol.PartitionHardware)
	if err != nil {
		return err
	}
	t.hwCfg = hw
	events := make(chan any, 64)
	results := make(chan any, 16)
	Get[*Neighbors](s).Register(events)
	Get[*Topology](s).Register(results)
	go t.run(events, results)
	return nil
}

func (t *TopologySampler) Cleanup(s *state.State) error {
	<-t.done
	return nil
}

func (t *TopologySampler) Snapshot() (TopologySnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshot
	snap.Nodes = slices.Clone(snap.Nodes)
	return snap, t.sampled
}

func (t *TopologySampler) run(events, results <-chan any) {
	defer close(t.done)
	ticker := t.env.Clock.NewTicker(state.TopologySampleInterval)
	defer ticker.Stop()
	var debounce clockwork.Timer
	var debounceCh <-chan time.Time
	for {
		select {
		case <-t.env.Context.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-ticker.Chan():
			t.sample()
		case <-events:
			if debounce == nil {
				debounce = t.env.Clock.NewTimer(state.TopologySampleDebounce)
				debounceCh = debounce.Chan()
			}
		case <-debounceCh:
			debounce, debounceCh = nil, nil
			t.sample()
		case res := <-results:
			t.record(res.(*NetworkTopology))
		}
	}
}

func (t *TopologySampler) sample() {
	t.env.Dispatch(func(s *state.State) error {
		topo := Get[*Topology](s)
		if !topo.InProgress() {
			topo.Start(s, nil)
		}
		return nil
	})
}

// NodeListCrc is the crc32 of the node ids in order, each little endian
func NodeListCrc(nodes []state.NodeId) uint32 {
	buf := make([]byte, 0, len(nodes)*8)
	for _, n := range nodes {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
	}
	return crc32.ChecksumIEEE(buf)
}

func (t *TopologySampler) record(topo *NetworkTopology) {
	nodes := topo.NodeIds()
	snap := TopologySnapshot{
		Nodes:    nodes,
		Crc:      NodeListCrc(nodes),
		Topology: topo.String(),
		Taken:    t.env.Clock.Now(),
	}
	t.mu.Lock()
	t.snapshot = snap
	t.sampled = true
	t.mu.Unlock()

	stored, err := t.hwCfg.GetValue(NetworkCrcKey)
	if err == nil && stored.Type == kv.TypeUint32 && stored.Uint == snap.Crc {
		return
	}
	t.env.Log.Info("network changed", "nodes", len(nodes), "crc", snap.Crc, "topology", snap.Topology)
	if err := t.hwCfg.SetValue(NetworkCrcKey, kv.Uint(snap.Crc)); err != nil {
		t.env.Log.Warn("failed to store network crc", "err", err)
		return
	}
	if err := t.hwCfg.Commit(); err != nil {
		t.env.Log.Warn("failed to commit network crc", "err", err)
	}
}
