package dfu

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	hostId   state.NodeId = 0xaa
	clientId state.NodeId = 0xbb
)

type outcome struct {
	success bool
	err     Err
	peer    state.NodeId
}

type recorder struct {
	mu  sync.Mutex
	got []outcome
}

func (r *recorder) finish(success bool, err Err, peer state.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, outcome{success, err, peer})
}

func (r *recorder) outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.got...)
}

type sent struct {
	mu     sync.Mutex
	frames []protocol.DfuFrame
}

func (s *sent) send(f protocol.DfuFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *sent) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.MessageType
	for _, f := range s.frames {
		out = append(out, f.Type)
	}
	return out
}

type pair struct {
	clock     *clockwork.FakeClock
	host      *Machine
	client    *Machine
	part      *MemPartition
	marker    FileMarker
	hostDone  recorder
	clientFin recorder
	activated []RebootMarker
	confirmed []RebootMarker
	confirm   bool
}

func newPair(t *testing.T, clientSha uint32) *pair {
	p := &pair{
		clock:  clockwork.NewFakeClock(),
		part:   NewMemPartition(16 * 1024),
		marker: FileMarker(filepath.Join(t.TempDir(), "reboot.bin")),
	}
	p.host = New(Config{
		Self:      hostId,
		GitSha:    0x1,
		Partition: NewMemPartition(0),
		Clock:     p.clock,
		Send: func(f protocol.DfuFrame) error {
			p.client.HandleFrame(f)
			return nil
		},
	})
	p.client = p.newClient(clientSha)
	p.pump(t)
	return p
}

func (p *pair) newClient(sha uint32) *Machine {
	return New(Config{
		Self:      clientId,
		GitSha:    sha,
		Confirm:   p.confirm,
		Partition: p.part,
		Marker:    p.marker,
		Clock:     p.clock,
		Send: func(f protocol.DfuFrame) error {
			p.host.HandleFrame(f)
			return nil
		},
		Activate:  func(mk RebootMarker) { p.activated = append(p.activated, mk) },
		Confirmed: func(mk RebootMarker) { p.confirmed = append(p.confirmed, mk) },
		OnFinish:  p.clientFin.finish,
	})
}

func (p *pair) pump(t *testing.T) {
	t.Helper()
	for range 10000 {
		h := p.host.drain()
		c := p.client.drain()
		if !h && !c {
			// chunk reads finish off the machine goroutine
			p.host.reads.Wait()
			if len(p.host.events) == 0 {
				return
			}
		}
	}
	t.Fatal("machines did not settle")
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + i/251)
	}
	return img
}

func imgInfo(t *testing.T, img []byte, sha uint32) protocol.ImgInfo {
	crc, err := ImageCrc(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	return protocol.ImgInfo{
		ImageSize: uint32(len(img)),
		ChunkSize: 512,
		Crc16:     crc,
		Major:     1,
		Minor:     3,
		GitSha:    sha,
	}
}

// advance fires the machine's pending timer and processes the expiry
func advance(t *testing.T, clock *clockwork.FakeClock, m *Machine, d time.Duration) {
	t.Helper()
	clock.Advance(d)
	require.Eventually(t, func() bool { return len(m.events) > 0 }, time.Second, time.Millisecond)
	m.drain()
}

func TestImageCrc(t *testing.T) {
	// CRC-16/KERMIT check value
	crc, err := ImageCrc(strings.NewReader("123456789"), 9)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2189), crc)

	// images spanning several pages match a one-shot checksum
	img := testImage(3*PageLen + 17)
	crc, err = ImageCrc(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, crc16.Checksum(img, kermit), crc)

	_, err = ImageCrc(bytes.NewReader(img), int64(len(img))+1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUpdateHappyPath(t *testing.T) {
	for _, confirm := range []bool{false, true} {
		t.Run(fmt.Sprintf("confirm=%v", confirm), func(t *testing.T) {
			testUpdateHappyPath(t, confirm)
		})
	}
}

func testUpdateHappyPath(t *testing.T, confirm bool) {
	p := newPair(t, 0x1111)
	p.confirm = confirm
	assert.Equal(t, StateIdle, p.host.State())
	assert.Equal(t, StateIdle, p.client.State())

	img := testImage(5000)
	info := imgInfo(t, img, 0x2222)
	require.True(t, p.host.InitiateUpdate(info, clientId, bytes.NewReader(img), time.Minute, p.hostDone.finish))
	p.pump(t)

	assert.Equal(t, StateClientActivating, p.client.State())
	assert.Equal(t, StateHostUpdate, p.host.State())
	assert.Equal(t, img, p.part.Data[:len(img)])
	want := RebootMarker{Major: 1, Minor: 3, Host: hostId, GitSha: 0x2222}
	assert.Equal(t, []RebootMarker{want}, p.activated)
	assert.Empty(t, p.confirmed)
	mk, err := p.marker.Load()
	require.NoError(t, err)
	require.NotNil(t, mk)
	assert.Equal(t, want, *mk)

	// the client comes back up running the new image
	p.client = p.newClient(0x2222)
	p.pump(t)

	assert.Equal(t, StateIdle, p.client.State())
	assert.Equal(t, StateIdle, p.host.State())
	if diff := cmp.Diff([]outcome{{true, ErrNone, clientId}}, p.hostDone.outcomes(), cmp.AllowUnexported(outcome{})); diff != "" {
		t.Errorf("host outcome (-want +got):\n%s", diff)
	}
	assert.Equal(t, []outcome{{true, ErrNone, hostId}}, p.clientFin.outcomes())
	assert.Equal(t, []RebootMarker{want}, p.confirmed)
	mk, err = p.marker.Load()
	require.NoError(t, err)
	assert.Nil(t, mk)
}

func TestUpdateSameVersion(t *testing.T) {
	p := newPair(t, 0x2222)
	img := testImage(100)
	require.True(t, p.host.InitiateUpdate(imgInfo(t, img, 0x2222), clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, []outcome{{false, ErrSameVer, clientId}}, p.hostDone.outcomes())
	assert.Equal(t, StateIdle, p.host.State())
	assert.Equal(t, StateIdle, p.client.State())
}

func TestUpdateForced(t *testing.T) {
	p := newPair(t, 0x2222)
	img := testImage(100)
	info := imgInfo(t, img, 0x2222)
	info.FilterKey = ForceUpdate
	require.True(t, p.host.InitiateUpdate(info, clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, StateClientActivating, p.client.State())
}

func TestUpdateTooLarge(t *testing.T) {
	p := newPair(t, 0x1111)
	img := testImage(20 * 1024)
	require.True(t, p.host.InitiateUpdate(imgInfo(t, img, 0x2222), clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, []outcome{{false, ErrTooLarge, clientId}}, p.hostDone.outcomes())
	assert.Equal(t, StateIdle, p.client.State())
}

func TestUpdateFillingPartitionTooLarge(t *testing.T) {
	p := newPair(t, 0x1111)
	img := testImage(int(p.part.Size()))
	require.True(t, p.host.InitiateUpdate(imgInfo(t, img, 0x2222), clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, []outcome{{false, ErrTooLarge, clientId}}, p.hostDone.outcomes())

	// one byte less fits
	p = newPair(t, 0x1111)
	img = img[:len(img)-1]
	require.True(t, p.host.InitiateUpdate(imgInfo(t, img, 0x2222), clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, StateClientActivating, p.client.State())
}

func TestUpdateBadCrc(t *testing.T) {
	p := newPair(t, 0x1111)
	img := testImage(3000)
	info := imgInfo(t, img, 0x2222)
	info.Crc16 ^= 0xffff
	require.True(t, p.host.InitiateUpdate(info, clientId, bytes.NewReader(img), 0, p.hostDone.finish))
	p.pump(t)
	assert.Equal(t, []outcome{{false, ErrBadCrc, clientId}}, p.hostDone.outcomes())
	assert.Equal(t, []outcome{{false, ErrBadCrc, hostId}}, p.clientFin.outcomes())
	assert.Equal(t, StateIdle, p.client.State())
	assert.Equal(t, StateIdle, p.host.State())
	assert.Empty(t, p.activated)
}

func TestUpdateWrongVersionAfterReboot(t *testing.T) {
	p := newPair(t, 0x1111)
	require.NoError(t, p.marker.Save(RebootMarker{Host: hostId, GitSha: 0x2222}))
	var out sent
	fin := &recorder{}
	c := New(Config{
		Self:      clientId,
		GitSha:    0x1111,
		Confirm:   true,
		Partition: p.part,
		Marker:    p.marker,
		Clock:     p.clock,
		Send:      out.send,
		OnFinish:  fin.finish,
	})
	c.drain()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []protocol.MessageType{protocol.TypeDfuEnd}, out.types())
	assert.Equal(t, uint8(ErrWrongVer), out.frames[0].Err)
	assert.Equal(t, []outcome{{false, ErrWrongVer, hostId}}, fin.outcomes())
}

func TestRebootDoneHandshake(t *testing.T) {
	for _, confirm := range []bool{false, true} {
		t.Run(fmt.Sprintf("confirm=%v", confirm), func(t *testing.T) {
			marker := &MemMarker{}
			want := RebootMarker{Major: 1, Minor: 3, Host: hostId, GitSha: 0x2222}
			require.NoError(t, marker.Save(want))
			var out sent
			var confirmed []RebootMarker
			fin := &recorder{}
			c := New(Config{
				Self:      clientId,
				GitSha:    0x2222,
				Confirm:   confirm,
				Partition: NewMemPartition(0),
				Marker:    marker,
				Clock:     clockwork.NewFakeClock(),
				Send:      out.send,
				Confirmed: func(mk RebootMarker) { confirmed = append(confirmed, mk) },
				OnFinish:  fin.finish,
			})
			c.drain()

			// the host hears about the reboot either way
			assert.Equal(t, StateClientRebootDone, c.State())
			assert.Equal(t, []protocol.MessageType{protocol.TypeDfuBootComplete}, out.types())
			assert.Equal(t, hostId, out.frames[0].Dst)
			assert.Empty(t, fin.outcomes())
			if confirm {
				assert.Empty(t, confirmed)
			} else {
				assert.Equal(t, []RebootMarker{want}, confirmed)
			}

			c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuEnd, Src: hostId, Dst: clientId, Success: true})
			c.drain()
			assert.Equal(t, StateIdle, c.State())
			assert.Equal(t, []protocol.MessageType{protocol.TypeDfuBootComplete, protocol.TypeDfuEnd}, out.types())
			assert.True(t, out.frames[1].Success)
			assert.Equal(t, []RebootMarker{want}, confirmed)
			assert.Equal(t, []outcome{{true, ErrNone, hostId}}, fin.outcomes())
			mk, err := marker.Load()
			require.NoError(t, err)
			assert.Nil(t, mk)
		})
	}
}

func TestRebootDoneUnacknowledged(t *testing.T) {
	clock := clockwork.NewFakeClock()
	marker := &MemMarker{}
	require.NoError(t, marker.Save(RebootMarker{Host: hostId, GitSha: 0x2222}))
	var out sent
	confirmed := 0
	fin := &recorder{}
	c := New(Config{
		Self:      clientId,
		GitSha:    0x2222,
		Confirm:   true,
		Partition: NewMemPartition(0),
		Marker:    marker,
		Clock:     clock,
		Send:      out.send,
		Confirmed: func(RebootMarker) { confirmed++ },
		OnFinish:  fin.finish,
	})
	c.drain()
	for range MaxChunkRetries {
		advance(t, clock, c, state.DfuClientConfirmTimeout)
	}
	assert.Equal(t, StateIdle, c.State())
	types := out.types()
	assert.Len(t, types, 1+MaxChunkRetries)
	assert.Equal(t, protocol.TypeDfuAbort, types[len(types)-1])
	assert.Zero(t, confirmed)
	assert.Equal(t, []outcome{{false, ErrConfirmationAbort, hostId}}, fin.outcomes())
}

type slowImage struct {
	img     []byte
	release chan struct{}
}

func (s *slowImage) ReadAt(p []byte, off int64) (int, error) {
	<-s.release
	return bytes.NewReader(s.img).ReadAt(p, off)
}

func TestHostHeartbeatWhileReading(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var out sent
	var done recorder
	h := New(Config{Self: hostId, Clock: clock, Send: out.send})
	h.drain()
	img := &slowImage{img: testImage(100), release: make(chan struct{})}
	require.True(t, h.InitiateUpdate(imgInfo(t, img.img, 2), clientId, img, time.Minute, done.finish))
	h.drain()
	h.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuAck, Src: clientId, Dst: hostId, Success: true})
	h.drain()
	require.Equal(t, StateHostUpdate, h.State())

	h.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuPayloadReq, Src: clientId, Dst: hostId, Seq: 0})
	h.drain()

	// the expiry is only queued, the machine goroutine sends the heartbeat
	clock.Advance(state.DfuHostHeartbeatTimeout)
	require.Eventually(t, func() bool { return len(h.events) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypeDfuStart}, out.types())
	h.drain()
	assert.Equal(t, []protocol.MessageType{protocol.TypeDfuStart, protocol.TypeDfuHeartbeat}, out.types())
	assert.Equal(t, clientId, out.frames[1].Dst)

	// heartbeats repeat until the read completes
	advance(t, clock, h, state.DfuHostHeartbeatTimeout)
	assert.Len(t, out.types(), 3)

	close(img.release)
	h.reads.Wait()
	h.drain()
	types := out.types()
	require.Len(t, types, 4)
	assert.Equal(t, protocol.TypeDfuPayload, types[3])
	assert.Equal(t, img.img, out.frames[3].Chunk)

	clock.Advance(state.DfuHostHeartbeatTimeout)
	time.Sleep(10 * time.Millisecond)
	h.drain()
	assert.Len(t, out.types(), 4)
	assert.Empty(t, done.outcomes())
}

func TestHostAckRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var out sent
	var done recorder
	h := New(Config{Self: hostId, Clock: clock, Send: out.send})
	h.drain()
	img := testImage(100)
	require.True(t, h.InitiateUpdate(imgInfo(t, img, 2), clientId, bytes.NewReader(img), 0, done.finish))
	h.drain()
	assert.Equal(t, StateHostReqUpdate, h.State())

	for range MaxAckRetries {
		advance(t, clock, h, state.DfuHostAckTimeout)
		assert.Equal(t, StateHostReqUpdate, h.State())
	}
	advance(t, clock, h, state.DfuHostAckTimeout)

	assert.Equal(t, StateIdle, h.State())
	assert.Len(t, out.types(), 1+MaxAckRetries)
	for _, typ := range out.types() {
		assert.Equal(t, protocol.TypeDfuStart, typ)
	}
	assert.Equal(t, []outcome{{false, ErrTimeout, clientId}}, done.outcomes())
}

func TestHostRejectsConcurrentUpdate(t *testing.T) {
	h := New(Config{Self: hostId, Clock: clockwork.NewFakeClock(), Send: (&sent{}).send})
	h.drain()
	img := testImage(100)
	var first, second recorder
	require.True(t, h.InitiateUpdate(imgInfo(t, img, 2), clientId, bytes.NewReader(img), 0, first.finish))
	h.drain()

	assert.False(t, h.InitiateUpdate(imgInfo(t, img, 2), 0xcc, bytes.NewReader(img), 0, second.finish))
	assert.Equal(t, []outcome{{false, ErrInProgress, 0xcc}}, second.outcomes())
	assert.Empty(t, first.outcomes())
	assert.Equal(t, StateHostReqUpdate, h.State())

	info := imgInfo(t, img, 2)
	info.ChunkSize = MaxChunkSize + 1
	assert.False(t, h.InitiateUpdate(info, clientId, bytes.NewReader(img), 0, second.finish))
}

func startClient(t *testing.T) (*Machine, *sent, *recorder, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	out := &sent{}
	fin := &recorder{}
	c := New(Config{
		Self:      clientId,
		GitSha:    1,
		Partition: NewMemPartition(8192),
		Clock:     clock,
		Send:      out.send,
		OnFinish:  fin.finish,
	})
	c.drain()
	img := testImage(2048)
	require.True(t, c.HandleFrame(protocol.DfuFrame{
		Type: protocol.TypeDfuStart,
		Src:  hostId,
		Dst:  clientId,
		Info: imgInfo(t, img, 2),
	}))
	c.drain()
	require.Equal(t, StateClientReceiving, c.State())
	return c, out, fin, clock
}

func TestClientChunkTimeout(t *testing.T) {
	c, out, fin, clock := startClient(t)
	assert.Equal(t, []protocol.MessageType{protocol.TypeDfuAck, protocol.TypeDfuPayloadReq}, out.types())

	for range MaxChunkRetries - 1 {
		advance(t, clock, c, state.DfuClientChunkTimeout)
		assert.Equal(t, StateClientReceiving, c.State())
	}
	advance(t, clock, c, state.DfuClientChunkTimeout)
	assert.Equal(t, StateIdle, c.State())

	types := out.types()
	assert.Len(t, types, 2+MaxChunkRetries)
	assert.Equal(t, protocol.TypeDfuAbort, types[len(types)-1])
	assert.Equal(t, []outcome{{false, ErrTimeout, hostId}}, fin.outcomes())
}

func TestClientHeartbeatExtendsTimer(t *testing.T) {
	c, out, _, clock := startClient(t)
	clock.Advance(state.DfuClientChunkTimeout / 2)
	c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuHeartbeat, Src: hostId, Dst: clientId})
	c.drain()
	clock.Advance(state.DfuClientChunkTimeout * 3 / 4)
	time.Sleep(10 * time.Millisecond)
	c.drain()
	// the first deadline passed without a re-request
	assert.Len(t, out.types(), 2)
}

func TestClientIgnoresOtherHosts(t *testing.T) {
	c, out, _, _ := startClient(t)
	assert.True(t, c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuPayload, Src: 0xcc, Dst: clientId, Chunk: []byte{1}}))
	assert.False(t, c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuPayload, Src: hostId, Dst: 0xcc, Chunk: []byte{1}}))
	c.drain()
	assert.Equal(t, StateClientReceiving, c.State())
	assert.Len(t, out.types(), 2)
	assert.Zero(t, c.client.received)
}

func TestClientAbort(t *testing.T) {
	c, _, fin, _ := startClient(t)
	c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuAbort, Src: hostId, Dst: clientId, Err: uint8(ErrAborted)})
	c.drain()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []outcome{{false, ErrAborted, hostId}}, fin.outcomes())
}

func TestStaleTimerIgnored(t *testing.T) {
	c, out, _, clock := startClient(t)
	// the chunk is queued before the timer expires
	c.HandleFrame(protocol.DfuFrame{Type: protocol.TypeDfuPayload, Src: hostId, Dst: clientId, Chunk: testImage(512)})
	clock.Advance(state.DfuClientChunkTimeout)
	require.Eventually(t, func() bool { return len(c.events) == 2 }, time.Second, time.Millisecond)
	c.drain()
	assert.Equal(t, []protocol.MessageType{protocol.TypeDfuAck, protocol.TypeDfuPayloadReq, protocol.TypeDfuPayloadReq}, out.types())
	assert.Equal(t, uint16(1), out.frames[2].Seq)
	assert.Zero(t, c.client.retries)
}

func TestRunLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := New(Config{Self: hostId, Send: (&sent{}).send})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestMarker(t *testing.T) {
	mk := RebootMarker{Major: 2, Minor: 9, Host: 0x0123456789abcdef, GitSha: 0xfeedface}
	b, err := mk.MarshalBinary()
	require.NoError(t, err)
	var got RebootMarker
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, mk, got)

	b[0] ^= 1
	assert.ErrorIs(t, got.UnmarshalBinary(b), ErrBadMarker)

	for _, store := range []MarkerStore{FileMarker(filepath.Join(t.TempDir(), "m")), &MemMarker{}} {
		loaded, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, loaded)
		require.NoError(t, store.Save(mk))
		loaded, err = store.Load()
		require.NoError(t, err)
		assert.Equal(t, mk, *loaded)
		require.NoError(t, store.Clear())
		require.NoError(t, store.Clear())
		loaded, err = store.Load()
		require.NoError(t, err)
		assert.Nil(t, loaded)
	}
}

func TestFilePartition(t *testing.T) {
	p, err := OpenFilePartition(filepath.Join(t.TempDir(), "dfu.img"), 16)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.WriteAt([]byte("hello"), 4)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = p.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, append(append(make([]byte, 4), "hello"...), make([]byte, 7)...), buf)

	_, err = p.WriteAt([]byte("overflow"), 10)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, p.Erase())
	_, err = p.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), buf)
}
