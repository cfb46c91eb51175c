package core

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureTransport records every frame instead of sending it
type captureTransport struct {
	mu    sync.Mutex
	ports uint8
	down  map[uint8]bool
	sent  []state.Frame
}

func (c *captureTransport) Send(f state.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.Payload = bytes.Clone(f.Payload)
	c.sent = append(c.sent, f)
	return nil
}

func (c *captureTransport) Ports() uint8 {
	return c.ports
}

func (c *captureTransport) PortUp(port uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return port >= 1 && port <= c.ports && !c.down[port]
}

func (c *captureTransport) Run(ctx context.Context, h state.LinkHandler) error {
	<-ctx.Done()
	return nil
}

func (c *captureTransport) setDown(port uint8, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[port] = down
}

// messages returns the bcmp messages of type t sent so far
func (c *captureTransport) messages(t protocol.MessageType) []state.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []state.Frame
	for _, f := range c.sent {
		if f.Proto != protocol.ProtoBCMP {
			continue
		}
		hdr, err := protocol.ParseHeader(f.Payload)
		if err == nil && hdr.Type == t {
			res = append(res, f)
		}
	}
	return res
}

func (c *captureTransport) frames(proto uint8) []state.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []state.Frame
	for _, f := range c.sent {
		if f.Proto == proto {
			res = append(res, f)
		}
	}
	return res
}

func (c *captureTransport) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// testNode is a node whose main loop is driven by the test itself
type testNode struct {
	t        *testing.T
	s        *state.State
	tr       *captureTransport
	clock    *clockwork.FakeClock
	dispatch chan func(*state.State) error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T, id state.NodeId, ports uint8, opts ...func(*state.Env)) *testNode {
	ctx, cancel := context.WithCancelCause(context.Background())
	clock := clockwork.NewFakeClock()
	tr := &captureTransport{ports: ports, down: make(map[uint8]bool)}
	dispatch := make(chan func(*state.State) error, state.DispatchQueueLen)
	s := &state.State{
		Modules: make(map[string]state.BmModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			LocalCfg: state.LocalCfg{
				Id:              id,
				HeartbeatPeriod: 10 * time.Second,
				Device:          state.DeviceCfg{VendorId: 0x1234, GitSha: 0xdeadbeef, VersionMajor: 1, VersionStr: "APP@1.0.0", Name: "test"},
			},
			Log:       testLogger(),
			Clock:     clock,
			Transport: tr,
			BootTime:  clock.Now(),
		},
	}
	for _, opt := range opts {
		opt(s.Env)
	}
	require.NoError(t, initModules(s))
	n := &testNode{t: t, s: s, tr: tr, clock: clock, dispatch: dispatch}
	t.Cleanup(n.stop)
	n.settle()
	return n
}

func (n *testNode) stop() {
	n.s.Cancel(context.Canceled)
	Stop(n.s)
}

// settle runs dispatched work until the queue stays empty for a little while
func (n *testNode) settle() {
	for {
		select {
		case f, ok := <-n.dispatch:
			if !ok || f == nil {
				return
			}
			require.NoError(n.t, f(n.s))
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

// advance moves the fake clock forward, letting timers fire along the way
func (n *testNode) advance(d time.Duration) {
	n.clock.Advance(d)
	n.settle()
}

// deliver hands a message to the dispatcher as if it arrived on ingress
func (n *testNode) deliver(from state.NodeId, ingress uint8, t protocol.MessageType, payload []byte, dst netip.Addr) error {
	src := protocol.NodeAddr(from)
	raw, err := protocol.Encode(t, payload, src, dst)
	require.NoError(n.t, err)
	return Get[*Bcmp](n.s).Dispatch(n.s, raw, src, dst, ingress)
}

// payload strips the bcmp header of a captured frame
func payload(f state.Frame) []byte {
	return f.Payload[protocol.HeaderLen:]
}
