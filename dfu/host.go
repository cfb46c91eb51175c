package dfu

import (
	"errors"
	"io"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

type hostCtx struct {
	info    protocol.ImgInfo
	image   Image
	timeout time.Duration
	finish  FinishFunc
	retries int
}

func hostReqUpdateEntry(m *Machine) State {
	m.host.retries = 0
	m.sendStart()
	return m.cur
}

func (m *Machine) sendStart() {
	m.log.Info("offering firmware update", "client", m.peer, "size", m.host.info.ImageSize, "git_sha", m.host.info.GitSha)
	_ = m.send(protocol.TypeDfuStart, protocol.DfuFrame{Info: m.host.info})
	m.startTimer(&m.ackTimer, state.DfuHostAckTimeout, EventAckTimeout)
}

func hostReqUpdateRun(m *Machine, ev Event) State {
	switch ev.Type {
	case EventAckReceived:
		m.stopTimer(&m.ackTimer)
		if ev.Frame.Success {
			return StateHostUpdate
		}
		return m.fail(Err(ev.Frame.Err))
	case EventAckTimeout:
		m.host.retries++
		if m.host.retries > MaxAckRetries {
			return m.fail(ErrTimeout)
		}
		m.log.Debug("dfu ack timed out, resending start", "client", m.peer, "attempt", m.host.retries)
		m.sendStart()
	case EventAbort:
		return m.fail(ErrAborted)
	}
	return m.cur
}

func hostUpdateEntry(m *Machine) State {
	m.startTimer(&m.updateTimer, m.host.timeout, EventAbort)
	return m.cur
}

func hostUpdateExit(m *Machine) {
	m.stopTimer(&m.updateTimer)
	m.stopTimer(&m.heartbeat)
	m.stopTimer(&m.reading)
}

func hostUpdateRun(m *Machine, ev Event) State {
	switch ev.Type {
	case EventChunkRequest:
		if err := m.readChunk(ev.Frame.Seq); err != ErrNone {
			return m.fail(err)
		}
	case EventChunkRead:
		m.stopTimer(&m.heartbeat)
		r := ev.read
		if r.err != nil {
			m.log.Warn("failed to read image chunk", "seq", r.seq, "err", r.err)
			return m.fail(ErrFlashAccess)
		}
		if err := m.send(protocol.TypeDfuPayload, protocol.DfuFrame{Chunk: r.data}); err != nil {
			return m.fail(ErrImgChunkAccess)
		}
	case EventHeartbeatTimeout:
		// the chunk is still being read, keep the client waiting
		_ = m.send(protocol.TypeDfuHeartbeat, protocol.DfuFrame{})
		m.startTimer(&m.heartbeat, state.DfuHostHeartbeatTimeout, EventHeartbeatTimeout)
	case EventRebootRequest:
		_ = m.send(protocol.TypeDfuReboot, protocol.DfuFrame{})
	case EventBootComplete:
		m.sendEnd(true, ErrNone)
	case EventUpdateEnd:
		m.stopTimer(&m.updateTimer)
		if !ev.Frame.Success {
			return m.fail(Err(ev.Frame.Err))
		}
		m.log.Info("firmware update complete", "client", m.peer)
		m.finish(true, ErrNone)
		return StateIdle
	case EventAbort:
		if ev.timer != nil {
			return m.fail(ErrTimeout)
		}
		return m.fail(ErrAborted)
	}
	return m.cur
}

type chunkRead struct {
	seq  uint16
	data []byte
	err  error
}

// readChunk reads the chunk at seq*chunk_size off the machine goroutine and queues the result. Heartbeats
// go out from the machine goroutine while the read is outstanding. A newer request supersedes an older read.
func (m *Machine) readChunk(seq uint16) Err {
	info := m.host.info
	off := int64(seq) * int64(info.ChunkSize)
	if off >= int64(info.ImageSize) {
		m.log.Warn("client requested chunk past end of image", "seq", seq, "client", m.peer)
		return ErrImgChunkAccess
	}
	buf := make([]byte, min(int64(info.ChunkSize), int64(info.ImageSize)-off))

	m.stopTimer(&m.reading)
	gen := m.reading.gen
	image := m.host.image
	m.startTimer(&m.heartbeat, state.DfuHostHeartbeatTimeout, EventHeartbeatTimeout)
	m.reads.Add(1)
	go func() {
		defer m.reads.Done()
		r := &chunkRead{seq: seq, data: buf}
		if n, err := image.ReadAt(buf, off); n < len(buf) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
		m.post(Event{Type: EventChunkRead, read: r, timer: &m.reading, gen: gen})
	}()
	return ErrNone
}
