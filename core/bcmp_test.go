package core

import (
	"testing"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCallsHandlerOnce(t *testing.T) {
	n := newTestNode(t, 0xAA, 2)
	calls := 0
	var got *ProcessData
	require.NoError(t, Get[*Bcmp](n.s).Register(protocol.TypeNetStatRequest, Descriptor{
		Handler: func(s *state.State, d *ProcessData) error {
			calls++
			got = d
			return nil
		},
	}))
	err := Get[*Bcmp](n.s).Register(protocol.TypeNetStatRequest, Descriptor{})
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	require.NoError(t, n.deliver(0xBB, 2, protocol.TypeNetStatRequest, []byte{1, 2, 3}, protocol.MulticastLinkLocal))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, uint8(2), got.Ingress)
	assert.Equal(t, state.NodeId(0xBB), got.SrcNode())
	assert.Equal(t, protocol.HeaderLen+3, got.Size())
}

func TestDispatchRejectsBadChecksum(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	calls := 0
	require.NoError(t, Get[*Bcmp](n.s).Register(protocol.TypeNetStatRequest, Descriptor{
		Handler: func(s *state.State, d *ProcessData) error {
			calls++
			return nil
		},
	}))
	src := protocol.NodeAddr(0xBB)
	raw, err := protocol.Encode(protocol.TypeNetStatRequest, []byte{1, 2, 3}, src, protocol.MulticastLinkLocal)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	err = Get[*Bcmp](n.s).Dispatch(n.s, raw, src, protocol.MulticastLinkLocal, 1)
	assert.ErrorIs(t, err, protocol.ErrBadChecksum)

	// a checksum computed for another destination is just as bad
	raw, err = protocol.Encode(protocol.TypeNetStatRequest, []byte{1, 2, 3}, src, protocol.MulticastGlobal)
	require.NoError(t, err)
	err = Get[*Bcmp](n.s).Dispatch(n.s, raw, src, protocol.MulticastLinkLocal, 1)
	assert.ErrorIs(t, err, protocol.ErrBadChecksum)
	assert.Zero(t, calls)

	err = Get[*Bcmp](n.s).Dispatch(n.s, raw[:3], src, protocol.MulticastLinkLocal, 1)
	assert.ErrorIs(t, err, protocol.ErrShortMessage)
}

func TestDispatchUnsupportedType(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	err := n.deliver(0xBB, 1, protocol.TypeNetAssertQuiet, nil, protocol.MulticastLinkLocal)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestProcessPacketStripsPorts(t *testing.T) {
	n := newTestNode(t, 0xAA, 3)
	var got *ProcessData
	require.NoError(t, Get[*Bcmp](n.s).Register(protocol.TypeNetStatRequest, Descriptor{
		Handler: func(s *state.State, d *ProcessData) error {
			got = d
			return nil
		},
	}))
	src := protocol.NodeAddr(0xBB)
	raw, err := protocol.Encode(protocol.TypeNetStatRequest, nil, src, protocol.MulticastLinkLocal)
	require.NoError(t, err)
	wire := protocol.WithIngressPort(protocol.WithEgressPort(src, 1), 3)
	require.NoError(t, Get[*Bcmp](n.s).ProcessPacket(n.s, raw, wire, protocol.PortSpecificDst(protocol.MulticastLinkLocal, 1)))
	require.NotNil(t, got)
	assert.Equal(t, uint8(3), got.Ingress)
	assert.Equal(t, src, got.Src)
	assert.Equal(t, protocol.MulticastLinkLocal, got.Dst)
}

func TestTargetCheckForwardsLinkLocal(t *testing.T) {
	n := newTestNode(t, 0xAA, 3)
	n.tr.setDown(3, true)
	n.tr.reset()

	// a device info request for someone else
	err := n.deliver(0xBB, 1, protocol.TypeDeviceInfoRequest, protocol.TargetRequest{Target: 0xCC}.Marshal(), protocol.MulticastLinkLocal)
	require.NoError(t, err)
	assert.Empty(t, n.tr.messages(protocol.TypeDeviceInfoReply))
	fwd := n.tr.messages(protocol.TypeDeviceInfoRequest)
	require.Len(t, fwd, 1)
	dst, port := protocol.SplitDst(fwd[0].Dst)
	assert.Equal(t, uint8(2), port)
	assert.Equal(t, protocol.MulticastLinkLocal, dst)
	assert.True(t, protocol.VerifyChecksum(protocol.NodeAddr(0xAA), protocol.MulticastLinkLocal, fwd[0].Payload))

	// global multicast is flooded by the link layer
	n.tr.reset()
	err = n.deliver(0xBB, 1, protocol.TypeDeviceInfoRequest, protocol.TargetRequest{Target: 0xCC}.Marshal(), protocol.MulticastGlobal)
	require.NoError(t, err)
	assert.Empty(t, n.tr.sent)

	// addressed to us: answered and not forwarded
	err = n.deliver(0xBB, 1, protocol.TypeDeviceInfoRequest, protocol.TargetRequest{Target: 0xAA}.Marshal(), protocol.MulticastLinkLocal)
	require.NoError(t, err)
	assert.Empty(t, n.tr.messages(protocol.TypeDeviceInfoRequest))
	replies := n.tr.messages(protocol.TypeDeviceInfoReply)
	require.Len(t, replies, 1)
	reply, err := protocol.ParseInfoReply(payload(replies[0]))
	require.NoError(t, err)
	assert.Equal(t, state.NodeId(0xAA), reply.Node)
	assert.Equal(t, uint32(0xdeadbeef), reply.Info.GitSha)
	assert.Equal(t, "test", reply.DeviceName)
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	n := newTestNode(t, 0xAA, 1)
	err := Get[*Bcmp](n.s).Send(protocol.TypeNetStatRequest, make([]byte, protocol.MaxMessageLen), protocol.MulticastLinkLocal)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}
