package dfu

import (
	"fmt"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/sigurn/crc16"
)

type clientCtx struct {
	info      protocol.ImgInfo
	numChunks uint32
	chunk     uint32
	retries   int
	crc       uint16
	received  int64
	page      []byte
	pageOff   int64
}

func (m *Machine) ack(success bool, err Err) {
	_ = m.send(protocol.TypeDfuAck, protocol.DfuFrame{Success: success, Err: uint8(err)})
}

func (m *Machine) processUpdateRequest(info protocol.ImgInfo) State {
	if info.GitSha == m.cfg.GitSha && info.FilterKey != ForceUpdate {
		m.log.Info("rejecting update for the running image", "host", m.peer, "git_sha", info.GitSha)
		m.ack(false, ErrSameVer)
		return m.cur
	}
	if info.ChunkSize == 0 || info.ChunkSize > MaxChunkSize {
		m.sendAbort(ErrAborted)
		return m.fail(ErrChunkSize)
	}
	if info.ImageSize == 0 || int64(info.ImageSize) >= m.cfg.Partition.Size() {
		m.ack(false, ErrTooLarge)
		return m.cur
	}
	if err := m.cfg.Partition.Erase(); err != nil {
		m.log.Error("failed to erase dfu partition", "err", err)
		m.ack(false, ErrFlashAccess)
		return m.fail(ErrFlashAccess)
	}
	m.client = clientCtx{
		info:      info,
		numChunks: (info.ImageSize + uint32(info.ChunkSize) - 1) / uint32(info.ChunkSize),
		page:      make([]byte, 0, PageLen),
	}
	m.ack(true, ErrNone)
	if m.cfg.Marker != nil {
		err := m.cfg.Marker.Save(RebootMarker{Major: info.Major, Minor: info.Minor, Host: m.peer, GitSha: info.GitSha})
		if err != nil {
			m.log.Warn("failed to save reboot marker", "err", err)
		}
	}
	m.log.Info("receiving firmware update", "host", m.peer, "size", info.ImageSize, "chunks", m.client.numChunks)
	return StateClientReceiving
}

func receivingEntry(m *Machine) State {
	c := &m.client
	c.chunk = 0
	c.retries = 0
	c.crc = crc16.Init(kermit)
	c.received = 0
	c.pageOff = 0
	c.page = c.page[:0]
	m.requestChunk()
	return m.cur
}

func (m *Machine) requestChunk() {
	_ = m.send(protocol.TypeDfuPayloadReq, protocol.DfuFrame{Seq: uint16(m.client.chunk)})
	m.startTimer(&m.chunkTimer, state.DfuClientChunkTimeout, EventChunkTimeout)
}

func stopChunkTimer(m *Machine) {
	m.stopTimer(&m.chunkTimer)
}

func receivingRun(m *Machine, ev Event) State {
	c := &m.client
	switch ev.Type {
	case EventImageChunk:
		m.stopTimer(&m.chunkTimer)
		if err := m.storeChunk(ev.Frame.Chunk); err != nil {
			m.log.Error("failed to store image chunk", "chunk", c.chunk, "err", err)
			m.sendAbort(ErrBmFrame)
			return m.fail(ErrBmFrame)
		}
		c.chunk++
		c.retries = 0
		if c.chunk < c.numChunks {
			m.requestChunk()
			return m.cur
		}
		if err := m.flushPage(); err != nil {
			m.log.Error("failed to store image chunk", "chunk", c.chunk, "err", err)
			return m.fail(ErrBmFrame)
		}
		return StateClientValidating
	case EventChunkTimeout:
		c.retries++
		if c.retries >= MaxChunkRetries {
			m.sendAbort(ErrAborted)
			return m.fail(ErrTimeout)
		}
		m.log.Debug("chunk timed out, requesting again", "chunk", c.chunk, "attempt", c.retries)
		m.requestChunk()
	case EventReceivedUpdateRequest:
		// the host missed our ack and is starting over
		m.stopTimer(&m.chunkTimer)
		m.ack(true, ErrNone)
		return receivingEntry(m)
	case EventHeartbeat:
		m.startTimer(&m.chunkTimer, state.DfuClientChunkTimeout, EventChunkTimeout)
	case EventAbort:
		return m.fail(ErrAborted)
	}
	return m.cur
}

func (m *Machine) storeChunk(chunk []byte) error {
	c := &m.client
	if len(chunk) == 0 || len(chunk) > int(c.info.ChunkSize) {
		return fmt.Errorf("chunk of %d bytes, expected at most %d", len(chunk), c.info.ChunkSize)
	}
	if c.received+int64(len(chunk)) > int64(c.info.ImageSize) {
		return fmt.Errorf("chunk overruns image of %d bytes", c.info.ImageSize)
	}
	c.crc = crc16.Update(c.crc, chunk, kermit)
	c.received += int64(len(chunk))
	for len(chunk) > 0 {
		n := min(len(chunk), PageLen-len(c.page))
		c.page = append(c.page, chunk[:n]...)
		chunk = chunk[n:]
		if len(c.page) == PageLen {
			if err := m.flushPage(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) flushPage() error {
	c := &m.client
	if len(c.page) == 0 {
		return nil
	}
	if _, err := m.cfg.Partition.WriteAt(c.page, c.pageOff); err != nil {
		return err
	}
	c.pageOff += int64(len(c.page))
	c.page = c.page[:0]
	return nil
}

func validatingEntry(m *Machine) State {
	c := &m.client
	if c.received != int64(c.info.ImageSize) {
		m.sendEnd(false, ErrMismatchLen)
		return m.fail(ErrMismatchLen)
	}
	if got := crc16.Complete(c.crc, kermit); got != c.info.Crc16 {
		m.log.Warn("image crc mismatch", "want", c.info.Crc16, "got", got)
		m.sendEnd(false, ErrBadCrc)
		return m.fail(ErrBadCrc)
	}
	return StateClientRebootReq
}

func abortOnly(m *Machine, ev Event) State {
	if ev.Type == EventAbort {
		return m.fail(ErrAborted)
	}
	return m.cur
}

func rebootReqEntry(m *Machine) State {
	m.client.retries = 0
	m.requestReboot()
	return m.cur
}

func (m *Machine) requestReboot() {
	_ = m.send(protocol.TypeDfuRebootReq, protocol.DfuFrame{})
	m.startTimer(&m.chunkTimer, state.DfuClientRebootTimeout, EventChunkTimeout)
}

func rebootReqRun(m *Machine, ev Event) State {
	switch ev.Type {
	case EventReboot:
		return StateClientActivating
	case EventChunkTimeout:
		m.client.retries++
		if m.client.retries >= MaxChunkRetries {
			m.sendAbort(ErrAborted)
			return m.fail(ErrTimeout)
		}
		m.requestReboot()
	case EventAbort:
		return m.fail(ErrAborted)
	}
	return m.cur
}

func activatingEntry(m *Machine) State {
	info := m.client.info
	mk := RebootMarker{Major: info.Major, Minor: info.Minor, Host: m.peer, GitSha: info.GitSha}
	m.log.Info("activating new image", "git_sha", info.GitSha, "version", fmt.Sprintf("%d.%d", info.Major, info.Minor))
	if m.cfg.Activate != nil {
		m.cfg.Activate(mk)
	}
	return m.cur
}

func rebootDoneEntry(m *Machine) State {
	mk := m.marker
	m.peer = mk.Host
	m.client.retries = 0
	if mk.GitSha != m.cfg.GitSha {
		m.log.Warn("booted into unexpected image", "want", mk.GitSha, "running", m.cfg.GitSha)
		m.sendEnd(false, ErrWrongVer)
		return m.fail(ErrWrongVer)
	}
	if !m.cfg.Confirm {
		m.confirm()
	}
	m.sendBootComplete()
	return m.cur
}

func (m *Machine) confirm() {
	m.log.Info("new image confirmed", "git_sha", m.marker.GitSha, "version", fmt.Sprintf("%d.%d", m.marker.Major, m.marker.Minor))
	if m.cfg.Confirmed != nil {
		m.cfg.Confirmed(*m.marker)
	}
}

func (m *Machine) sendBootComplete() {
	_ = m.send(protocol.TypeDfuBootComplete, protocol.DfuFrame{})
	m.startTimer(&m.chunkTimer, state.DfuClientConfirmTimeout, EventChunkTimeout)
}

func rebootDoneRun(m *Machine, ev Event) State {
	switch ev.Type {
	case EventUpdateEnd:
		m.stopTimer(&m.chunkTimer)
		m.log.Debug("host acknowledged boot", "host", m.peer)
		if m.cfg.Confirm {
			m.confirm()
		}
		m.sendEnd(true, ErrNone)
		m.finish(true, ErrNone)
		return StateIdle
	case EventChunkTimeout:
		m.client.retries++
		if m.client.retries >= MaxChunkRetries {
			m.sendAbort(ErrConfirmationAbort)
			return m.fail(ErrConfirmationAbort)
		}
		m.sendBootComplete()
	case EventAbort:
		return m.fail(ErrAborted)
	}
	return m.cur
}
