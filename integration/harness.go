//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/pprof"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/encodeous/bristlemouth/core"
	"github.com/encodeous/bristlemouth/mock"
	"github.com/encodeous/bristlemouth/state"
	"github.com/stretchr/testify/require"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

// VirtualNode is one node of the harness. It is started again in place whenever it asks to restart.
type VirtualNode struct {
	Cfg   state.LocalCfg
	Boots atomic.Int32

	tr  *mock.Transport
	mu  sync.Mutex
	cur *state.State
}

// State is the running incarnation of the node, nil before the first boot
func (n *VirtualNode) State() *state.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cur
}

type VirtualHarness struct {
	t       *testing.T
	Net     *mock.Network
	Context context.Context
	Cancel  context.CancelCauseFunc
	Nodes   map[state.NodeId]*VirtualNode

	order []state.NodeId
	wg    sync.WaitGroup
	errs  chan error
}

func NewHarness(t *testing.T) *VirtualHarness {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &VirtualHarness{
		t:       t,
		Net:     mock.NewNetwork(),
		Context: ctx,
		Cancel:  cancel,
		Nodes:   make(map[state.NodeId]*VirtualNode),
		errs:    make(chan error, 128),
	}
}

// NewNode adds a node with the given number of ports. opts can adjust its config before it boots.
func (v *VirtualHarness) NewNode(id state.NodeId, ports uint8, opts ...func(cfg *state.LocalCfg)) *VirtualNode {
	cfg := state.LocalCfg{
		Id:              id,
		HeartbeatPeriod: time.Second,
		Device: state.DeviceCfg{
			VendorId:     0x1234,
			ProductId:    0x0001,
			Serial:       fmt.Sprintf("sn-%x", uint64(id)),
			GitSha:       0x1000,
			VersionMajor: 1,
			VersionStr:   "APP@1.0.0",
			Name:         fmt.Sprintf("node-%x", uint64(id)),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	require.NoError(v.t, state.NodeConfigValidator(&cfg))
	n := &VirtualNode{Cfg: cfg, tr: v.Net.Node(id, ports)}
	v.Nodes[id] = n
	v.order = append(v.order, id)
	return n
}

// AddLink plugs a cable between port pa of a and port pb of b
func (v *VirtualHarness) AddLink(a state.NodeId, pa uint8, b state.NodeId, pb uint8) {
	require.NoError(v.t, v.Net.Connect(a, pa, b, pb))
}

func (v *VirtualHarness) run(n *VirtualNode) {
	defer v.wg.Done()
	aux := map[string]any{
		"transport": n.tr,
		"on_start": func(s *state.State) {
			n.mu.Lock()
			n.cur = s
			n.mu.Unlock()
			if v.Context.Err() != nil {
				s.Cancel(context.Cause(v.Context))
			}
		},
	}
	labels := pprof.Labels("bm node", n.Cfg.Id.String())
	pprof.Do(context.Background(), labels, func(_ context.Context) {
		for v.Context.Err() == nil {
			restart, err := core.Start(n.Cfg, slog.LevelDebug, aux, nil)
			if err != nil {
				v.errs <- fmt.Errorf("%s: %w", n.Cfg.Id, err)
				return
			}
			if !restart {
				return
			}
			n.Boots.Add(1)
		}
	})
}

// Start boots every node and waits until all of their main loops run
func (v *VirtualHarness) Start() chan error {
	for _, id := range v.order {
		v.wg.Add(1)
		go v.run(v.Nodes[id])
	}
	require.Eventually(v.t, func() bool {
		for _, n := range v.Nodes {
			s := n.State()
			if s == nil || !s.Started.Load() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "nodes did not start")
	return v.errs
}

func (v *VirtualHarness) Stop() {
	v.Cancel(errors.New("stopping harness"))
	for _, n := range v.Nodes {
		if s := n.State(); s != nil {
			s.Cancel(context.Cause(v.Context))
		}
	}
	v.wg.Wait()
}

// Run executes a control command on node id, as the cli would
func (v *VirtualHarness) Run(id state.NodeId, line string) (string, error) {
	s := v.Nodes[id].State()
	require.NotNil(v.t, s, "%s has not started", id)
	return core.RunCommand(s.Env, line)
}

// Do runs fn on the main loop of node id
func (v *VirtualHarness) Do(id state.NodeId, fn func(s *state.State) (any, error)) (any, error) {
	s := v.Nodes[id].State()
	require.NotNil(v.t, s, "%s has not started", id)
	return s.DispatchWait(fn)
}

// Neighbors returns the ids of the online neighbors of node id
func (v *VirtualHarness) Neighbors(id state.NodeId) []state.NodeId {
	res, err := v.Do(id, func(s *state.State) (any, error) {
		var ids []state.NodeId
		for _, nb := range s.Neighbors.All() {
			if nb.Online {
				ids = append(ids, nb.Id)
			}
		}
		slices.Sort(ids)
		return ids, nil
	})
	if err != nil {
		return nil
	}
	return res.([]state.NodeId)
}

// WaitNeighbors blocks until every node sees exactly its cabled peers online
func (v *VirtualHarness) WaitNeighbors(want map[state.NodeId][]state.NodeId) {
	v.t.Helper()
	require.Eventually(v.t, func() bool {
		for id, peers := range want {
			if !slices.Equal(v.Neighbors(id), peers) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "neighbor tables did not converge")
}
