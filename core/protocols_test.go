package core

import (
	"context"
	"testing"
	"time"

	"github.com/encodeous/bristlemouth/kv"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingRoundTrip(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	ping := Get[*Ping](n.s)
	var res *PingResult
	require.NoError(t, ping.Send(n.s, 0xBB, 4, func(r *PingResult) { res = r }))
	assert.ErrorIs(t, ping.Send(n.s, 0xBB, 4, nil), ErrPingInFlight)

	reqs := n.tr.messages(protocol.TypeEchoRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.MulticastGlobal, reqs[0].Dst)
	req, err := protocol.ParseEcho(payload(reqs[0]))
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xBB), req.Node)
	assert.Equal(t, []byte{0, 1, 2, 3}, req.Payload)

	// a reply carrying someone else's payload is not ours
	bogus := protocol.Echo{Node: 0xBB, Id: req.Id, Seq: req.Seq, Payload: []byte{9}}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeEchoReply, bogus.Marshal(), protocol.MulticastGlobal))
	assert.Nil(t, res)

	n.clock.Advance(5 * time.Millisecond)
	reply := protocol.Echo{Node: 0xBB, Id: req.Id, Seq: req.Seq, Payload: req.Payload}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeEchoReply, reply.Marshal(), protocol.MulticastGlobal))
	require.NotNil(t, res)
	assert.Equal(t, PingResult{Node: 0xBB, Seq: req.Seq, Bytes: 4, Rtt: 5 * time.Millisecond}, *res)

	// the next ping may go out now
	assert.NoError(t, ping.Send(n.s, 0xBB, 0, nil))
	assert.Error(t, ping.Send(n.s, 0, 0, nil))
}

func TestPingAnswersEchoRequest(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	req := protocol.Echo{Node: 0xAA, Id: 7, Seq: 3, Payload: []byte("hello")}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeEchoRequest, req.Marshal(), protocol.MulticastGlobal))
	replies := n.tr.messages(protocol.TypeEchoReply)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.MulticastGlobal, replies[0].Dst)
	reply, err := protocol.ParseEcho(payload(replies[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.Echo{Node: 0xAA, Id: 7, Seq: 3, Payload: []byte("hello")}, reply)
}

func TestTimeGet(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	var got *protocol.SystemTime
	require.NoError(t, Get[*TimeSync](n.s).Get(n.s, 0xBB, func(st *protocol.SystemTime) { got = st }))
	reqs := n.tr.messages(protocol.TypeSystemTimeRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.MulticastLinkLocal, reqs[0].Dst)

	// responses for other nodes are forwarded, not consumed
	other := protocol.SystemTime{Target: 0xCC, Source: 0xBB, UtcUs: 42}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeResponse, other.Marshal(true), protocol.MulticastLinkLocal))
	assert.Nil(t, got)

	resp := protocol.SystemTime{Target: 0xAA, Source: 0xBB, UtcUs: 1_700_000_000_000_000}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeResponse, resp.Marshal(true), protocol.MulticastLinkLocal))
	require.NotNil(t, got)
	assert.Equal(t, resp, *got)
}

func TestTimeGetWithoutCallback(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	ts := Get[*TimeSync](n.s)
	require.NoError(t, ts.Get(n.s, 0xBB, nil))
	assert.Len(t, n.tr.messages(protocol.TypeSystemTimeRequest), 1)
	assert.Zero(t, ts.pending.Len())
	assert.False(t, ts.pending.Pending(0xBB))

	// an unsolicited response is not an error
	resp := protocol.SystemTime{Target: 0xAA, Source: 0xBB, UtcUs: 42}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeResponse, resp.Marshal(true), protocol.MulticastLinkLocal))
}

func TestTimeRequestRouting(t *testing.T) {
	n := newTestNode(t, 0xAA, 2)
	utc := time.UnixMicro(1_700_000_000_000_000)
	Get[*TimeSync](n.s).SetRTC(n.s, utc)
	n.tr.reset()

	req := protocol.SystemTime{Target: 0xAA, Source: 0xBB}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeRequest, req.Marshal(false), protocol.MulticastLinkLocal))
	resps := n.tr.messages(protocol.TypeSystemTimeResponse)
	require.Len(t, resps, 1)
	resp, err := protocol.ParseSystemTime(payload(resps[0]), true)
	require.NoError(t, err)
	assert.Equal(t, protocol.SystemTime{Target: 0xBB, Source: 0xAA, UtcUs: uint64(utc.UnixMicro())}, resp)

	n.tr.reset()
	req.Target = 0xCC
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeRequest, req.Marshal(false), protocol.MulticastLinkLocal))
	fwd := n.tr.messages(protocol.TypeSystemTimeRequest)
	require.Len(t, fwd, 1)
	_, port := protocol.SplitDst(fwd[0].Dst)
	assert.Equal(t, uint8(2), port)

	n.tr.reset()
	req.Target = 0
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeRequest, req.Marshal(false), protocol.MulticastLinkLocal))
	assert.Empty(t, n.tr.sent)
}

func TestTimeSetBroadcast(t *testing.T) {
	n := newTestNode(t, 0xAA, 2)
	n.tr.reset()
	utc := time.UnixMicro(1_800_000_000_000_000)
	set := protocol.SystemTime{Target: 0, Source: 0xBB, UtcUs: uint64(utc.UnixMicro())}
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeSystemTimeSet, set.Marshal(true), protocol.MulticastLinkLocal))

	assert.True(t, Get[*TimeSync](n.s).Now(n.s).Equal(utc))
	assert.Empty(t, n.tr.messages(protocol.TypeSystemTimeSet), "broadcast sets stop at direct neighbors")
	resps := n.tr.messages(protocol.TypeSystemTimeResponse)
	require.Len(t, resps, 1)
	resp, err := protocol.ParseSystemTime(payload(resps[0]), true)
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xBB), resp.Target)

	// the rtc keeps running from where it was set
	n.clock.Advance(time.Second)
	assert.True(t, Get[*TimeSync](n.s).Now(n.s).Equal(utc.Add(time.Second)))
}

func TestResourceTable(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	res := Get[*Resources](n.s)
	assert.True(t, res.Add(Pub, "temp"))
	assert.False(t, res.Add(Pub, "temp"))
	assert.True(t, res.Add(Sub, "cmd"))

	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeResourceTableReq, protocol.TargetRequest{Target: 0xAA}.Marshal(), protocol.MulticastGlobal))
	replies := n.tr.messages(protocol.TypeResourceTableReply)
	require.Len(t, replies, 1)
	table, err := protocol.ParseResourceTableReply(payload(replies[0]))
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xAA), table.Node)
	assert.Equal(t, []string{"temp"}, table.Pubs)
	assert.Equal(t, []string{"cmd"}, table.Subs)

	assert.True(t, res.Remove(Sub, "cmd"))
	assert.False(t, res.Contains(Sub, "cmd"))
}

func TestResourceRequest(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	var got *protocol.ResourceTableReply
	require.NoError(t, Get[*Resources](n.s).Request(n.s, 0xBB, func(r *protocol.ResourceTableReply) { got = r }))
	reqs := n.tr.messages(protocol.TypeResourceTableReq)
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.MulticastGlobal, reqs[0].Dst)

	// a table claiming to be from bb but sent by cc is ignored
	reply := protocol.ResourceTableReply{Node: 0xBB, Pubs: []string{"x"}}
	require.NoError(t, n.deliver(0xCC, 1, protocol.TypeResourceTableReply, reply.Marshal(), protocol.MulticastGlobal))
	assert.Nil(t, got)

	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeResourceTableReply, reply.Marshal(), protocol.MulticastGlobal))
	require.NotNil(t, got)
	assert.Equal(t, []string{"x"}, got.Pubs)
}

func configRequest(t *testing.T, n *testNode, typ protocol.MessageType, msg protocol.ConfigMsg) {
	t.Helper()
	msg.Source = 0xBB
	raw, err := msg.Marshal(typ)
	require.NoError(t, err)
	require.NoError(t, n.deliver(0xBB, 1, typ, raw, protocol.MulticastLinkLocal))
}

func configReply(t *testing.T, n *testNode, typ protocol.MessageType) protocol.ConfigMsg {
	t.Helper()
	replies := n.tr.messages(typ)
	require.NotEmpty(t, replies)
	last := replies[len(replies)-1]
	assert.Equal(t, protocol.MulticastLinkLocal, last.Dst)
	msg, err := protocol.ParseConfigMsg(typ, payload(last))
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xAA), msg.Source)
	assert.Equal(t, state.NodeId(0xBB), msg.Target)
	return msg
}

func TestConfigServer(t *testing.T) {
	n := newTestNode(t, 0xAA, 2)
	cfg := Get[*ConfigProto](n.s)
	var committed []protocol.Partition
	cfg.OnCommit = func(s *state.State, p protocol.Partition) {
		committed = append(committed, p)
	}
	raw, err := kv.Uint(5).Encode()
	require.NoError(t, err)

	configRequest(t, n, protocol.TypeConfigSet, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser, Key: "rate", Value: raw})
	assert.Equal(t, raw, configReply(t, n, protocol.TypeConfigValue).Value)

	n.tr.reset()
	configRequest(t, n, protocol.TypeConfigGet, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser, Key: "rate"})
	v, err := kv.Decode(configReply(t, n, protocol.TypeConfigValue).Value)
	require.NoError(t, err)
	assert.Equal(t, kv.Uint(5), v)

	// missing keys get no answer at all
	n.tr.reset()
	configRequest(t, n, protocol.TypeConfigGet, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser, Key: "nope"})
	assert.Empty(t, n.tr.sent)

	configRequest(t, n, protocol.TypeConfigStatusRequest, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser})
	status := configReply(t, n, protocol.TypeConfigStatusResponse)
	assert.False(t, status.Committed)
	assert.Equal(t, []string{"rate"}, status.Keys)

	configRequest(t, n, protocol.TypeConfigCommit, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser})
	assert.Equal(t, []protocol.Partition{protocol.PartitionUser}, committed)
	configRequest(t, n, protocol.TypeConfigStatusRequest, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser})
	assert.True(t, configReply(t, n, protocol.TypeConfigStatusResponse).Committed)

	configRequest(t, n, protocol.TypeConfigDeleteRequest, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser, Key: "rate"})
	del := configReply(t, n, protocol.TypeConfigDeleteResponse)
	assert.True(t, del.Success)
	assert.Equal(t, "rate", del.Key)
	configRequest(t, n, protocol.TypeConfigDeleteRequest, protocol.ConfigMsg{Target: 0xAA, Partition: protocol.PartitionUser, Key: "rate"})
	assert.False(t, configReply(t, n, protocol.TypeConfigDeleteResponse).Success)

	// partitions are independent
	st, err := cfg.Store(protocol.PartitionSystem)
	require.NoError(t, err)
	assert.Empty(t, st.Keys())
}

func TestConfigRouting(t *testing.T) {
	n := newTestNode(t, 0xAA, 2)
	n.tr.reset()
	msg, err := protocol.ConfigMsg{Target: 0xCC, Source: 0xBB, Partition: protocol.PartitionUser}.Marshal(protocol.TypeConfigStatusRequest)
	require.NoError(t, err)
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeConfigStatusRequest, msg, protocol.MulticastLinkLocal))
	assert.Len(t, n.tr.messages(protocol.TypeConfigStatusRequest), 1)
	assert.Empty(t, n.tr.messages(protocol.TypeConfigStatusResponse))

	n.tr.reset()
	msg, err = protocol.ConfigMsg{Target: 0, Source: 0xBB, Partition: protocol.PartitionUser}.Marshal(protocol.TypeConfigStatusRequest)
	require.NoError(t, err)
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeConfigStatusRequest, msg, protocol.MulticastLinkLocal))
	assert.Empty(t, n.tr.sent)

	msg, err = protocol.ConfigMsg{Target: 0xAA, Source: 0xBB, Partition: protocol.Partition(9)}.Marshal(protocol.TypeConfigStatusRequest)
	require.NoError(t, err)
	err = n.deliver(0xBB, 1, protocol.TypeConfigStatusRequest, msg, protocol.MulticastLinkLocal)
	assert.ErrorIs(t, err, ErrUnknownPartition)
}

func TestConfigClient(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	cfg := Get[*ConfigProto](n.s)
	var got *protocol.ConfigMsg
	require.NoError(t, cfg.Set(n.s, 0xBB, protocol.PartitionSystem, "name", kv.Str("buoy"), func(m *protocol.ConfigMsg) { got = m }))
	sets := n.tr.messages(protocol.TypeConfigSet)
	require.Len(t, sets, 1)
	sent, err := protocol.ParseConfigMsg(protocol.TypeConfigSet, payload(sets[0]))
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xBB), sent.Target)
	assert.Equal(t, state.NodeId(0xAA), sent.Source)
	assert.Equal(t, "name", sent.Key)

	raw, err := protocol.ConfigMsg{Target: 0xAA, Source: 0xBB, Partition: protocol.PartitionSystem, Value: sent.Value}.Marshal(protocol.TypeConfigValue)
	require.NoError(t, err)
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeConfigValue, raw, protocol.MulticastLinkLocal))
	require.NotNil(t, got)
	v, err := kv.Decode(got.Value)
	require.NoError(t, err)
	assert.Equal(t, kv.Str("buoy"), v)

	long := make([]byte, kv.MaxKeyLen+1)
	assert.ErrorIs(t, cfg.Get(n.s, 0xBB, protocol.PartitionUser, string(long), nil), kv.ErrKeyTooLong)
}

func TestPubSub(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	ps := Get[*PubSub](n.s)
	type pub struct {
		node state.NodeId
		data string
	}
	var got []pub
	require.NoError(t, ps.Subscribe(n.s, "temp", func(s *state.State, node state.NodeId, topic string, data []byte) {
		got = append(got, pub{node, string(data)})
	}))
	assert.True(t, Get[*Resources](n.s).Contains(Sub, "temp"))
	assert.Error(t, ps.Subscribe(n.s, "", nil))

	require.NoError(t, ps.Publish(n.s, "temp", []byte("21.5")))
	frames := n.tr.frames(protocol.ProtoUDP)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MulticastGlobal, frames[0].Dst)
	assert.True(t, Get[*Resources](n.s).Contains(Pub, "temp"))
	n.settle()
	assert.Empty(t, got, "publications do not loop back")

	Get[*Bcmp](n.s).Receive(state.Frame{
		Src:     protocol.WithIngressPort(protocol.NodeAddr(0xBB), 1),
		Dst:     protocol.MulticastGlobal,
		Proto:   protocol.ProtoUDP,
		Payload: protocol.Publication{Topic: "temp", Data: []byte("19")}.Marshal(),
	})
	Get[*Bcmp](n.s).Receive(state.Frame{
		Src:     protocol.WithIngressPort(protocol.NodeAddr(0xBB), 1),
		Dst:     protocol.MulticastGlobal,
		Proto:   protocol.ProtoUDP,
		Payload: protocol.Publication{Topic: "other", Data: []byte("x")}.Marshal(),
	})
	n.settle()
	assert.Equal(t, []pub{{0xBB, "19"}}, got)

	assert.True(t, ps.Unsubscribe(n.s, "temp"))
	assert.False(t, ps.Unsubscribe(n.s, "temp"))
	assert.Empty(t, ps.Topics())
}

func TestRebootRequest(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)

	// broadcast reboots are ignored
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeRebootRequest, protocol.RebootRequest{Target: 0}.Marshal(), protocol.MulticastGlobal))
	assert.False(t, n.s.Restarting.Load())

	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeRebootRequest, protocol.RebootRequest{Target: 0xAA}.Marshal(), protocol.MulticastGlobal))
	replies := n.tr.messages(protocol.TypeRebootReply)
	require.Len(t, replies, 1)
	reply, err := protocol.ParseRebootReply(payload(replies[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.RebootReply{Node: 0xAA, Ack: true}, reply)
	assert.True(t, n.s.Restarting.Load())
	assert.ErrorIs(t, context.Cause(n.s.Context), state.ErrRestart)
}

func TestRebootReply(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	var got *protocol.RebootReply
	require.NoError(t, Get[*Reboot](n.s).Request(n.s, 0xBB, func(r *protocol.RebootReply) { got = r }))
	require.Len(t, n.tr.messages(protocol.TypeRebootRequest), 1)
	require.NoError(t, n.deliver(0xBB, 1, protocol.TypeRebootReply, protocol.RebootReply{Node: 0xBB, Ack: true}.Marshal(), protocol.MulticastGlobal))
	require.NotNil(t, got)
	assert.True(t, got.Ack)
}
