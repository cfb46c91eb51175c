package dfu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/jonboulle/clockwork"
)

type SendFunc func(protocol.DfuFrame) error

type Config struct {
	Self      state.NodeId
	GitSha    uint32 // sha of the running image
	Confirm   bool   // keep a new image on trial until the host acknowledges it after reboot
	Partition Partition
	Marker    MarkerStore
	Send      SendFunc
	Clock     clockwork.Clock
	Log       *slog.Logger

	// Activate is called once a validated image should be booted. The machine remains in CLIENT_ACTIVATING.
	Activate func(RebootMarker)
	// Confirmed is called once per update when the rebooted image is kept. Without Confirm this happens
	// as soon as the running image matches the marker, otherwise when the host ends the update.
	Confirmed func(RebootMarker)
	// OnFinish observes every finished update in either role
	OnFinish FinishFunc
}

type timer struct {
	t   clockwork.Timer
	gen uint64
}

type handlers struct {
	entry func(*Machine) State
	run   func(*Machine, Event) State
	exit  func(*Machine)
}

// Machine is the DFU state machine. Events are processed one at a time on the goroutine running Run.
// Frames and update requests may be submitted from any goroutine.
type Machine struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	cur   State
	state atomic.Int32
	peer  state.NodeId
	err   Err
	gen   uint64

	marker *RebootMarker
	host   hostCtx
	client clientCtx

	ackTimer, updateTimer, chunkTimer timer
	heartbeat, reading                timer
	reads                             sync.WaitGroup
}

func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	m := &Machine{
		cfg:    cfg,
		log:    cfg.Log,
		events: make(chan Event, eventQueueLen),
	}
	m.events <- Event{Type: EventInitSuccess}
	return m
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) Run(ctx context.Context) error {
	defer m.reads.Wait()
	defer m.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// drain processes queued events without blocking and reports whether any were handled
func (m *Machine) drain() bool {
	handled := false
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
			handled = true
		default:
			return handled
		}
	}
}

// HandleFrame queues a received DFU frame. Frames for other nodes are ignored.
func (m *Machine) HandleFrame(f protocol.DfuFrame) bool {
	if f.Dst != m.cfg.Self {
		return false
	}
	t, ok := frameEvents[f.Type]
	if !ok {
		return false
	}
	return m.post(Event{Type: t, Frame: f})
}

// InitiateUpdate starts pushing image to client. finish is always called once unless false is returned
// for an invalid chunk size.
func (m *Machine) InitiateUpdate(info protocol.ImgInfo, client state.NodeId, image Image, timeout time.Duration, finish FinishFunc) bool {
	if info.ChunkSize == 0 || info.ChunkSize > MaxChunkSize {
		m.log.Warn("dfu chunk size out of range", "chunk_size", info.ChunkSize, "max", MaxChunkSize)
		return false
	}
	if timeout <= 0 {
		timeout = state.DfuUpdateDefaultTimeout
	}
	if m.State() != StateIdle {
		if finish != nil {
			finish(false, ErrInProgress, client)
		}
		return false
	}
	ok := m.post(Event{Type: EventBeginHost, begin: &hostStart{
		info:    info,
		client:  client,
		image:   image,
		timeout: timeout,
		finish:  finish,
	}})
	if !ok && finish != nil {
		finish(false, ErrInProgress, client)
	}
	return ok
}

func (m *Machine) post(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		m.log.Warn("dfu event queue full, dropping event", "event", ev.Type)
		return false
	}
}

func (m *Machine) handle(ev Event) {
	if ev.timer != nil && ev.timer.gen != ev.gen {
		return
	}
	if ev.Type == EventBeginHost && m.cur != StateIdle {
		if ev.begin.finish != nil {
			ev.begin.finish(false, ErrInProgress, ev.begin.client)
		}
		return
	}
	if ev.Frame.Type != 0 && (m.cur.isClient() || m.cur.isHost()) && ev.Frame.Src != m.peer {
		m.log.Debug("dfu frame from unexpected node", "src", ev.Frame.Src, "peer", m.peer, "type", ev.Frame.Type)
		return
	}
	m.transition(m.handlers(m.cur).run(m, ev))
}

func (m *Machine) transition(next State) {
	for next != m.cur {
		m.handlers(m.cur).exit(m)
		m.log.Debug("dfu state change", "from", m.cur, "to", next)
		m.cur = next
		m.state.Store(int32(next))
		next = m.handlers(next).entry(m)
	}
}

func (m *Machine) handlers(s State) handlers {
	switch s {
	case StateInit:
		return handlers{stay, initRun, noExit}
	case StateIdle:
		return handlers{idleEntry, idleRun, noExit}
	case StateError:
		return handlers{errorEntry, func(m *Machine, _ Event) State { return m.cur }, noExit}
	case StateClientReceiving:
		return handlers{receivingEntry, receivingRun, stopChunkTimer}
	case StateClientValidating:
		return handlers{validatingEntry, abortOnly, noExit}
	case StateClientRebootReq:
		return handlers{rebootReqEntry, rebootReqRun, stopChunkTimer}
	case StateClientRebootDone:
		return handlers{rebootDoneEntry, rebootDoneRun, stopChunkTimer}
	case StateClientActivating:
		return handlers{activatingEntry, func(m *Machine, _ Event) State { return m.cur }, noExit}
	case StateHostReqUpdate:
		return handlers{hostReqUpdateEntry, hostReqUpdateRun, func(m *Machine) { m.stopTimer(&m.ackTimer) }}
	case StateHostUpdate:
		return handlers{hostUpdateEntry, hostUpdateRun, hostUpdateExit}
	}
	panic("dfu: unknown state " + s.String())
}

func stay(m *Machine) State { return m.cur }

func noExit(*Machine) {}

func initRun(m *Machine, ev Event) State {
	if ev.Type != EventInitSuccess {
		return m.cur
	}
	if m.cfg.Marker != nil {
		mk, err := m.cfg.Marker.Load()
		if err != nil {
			m.log.Warn("failed to load reboot marker", "err", err)
		}
		if mk != nil {
			m.marker = mk
			return StateClientRebootDone
		}
	}
	return StateIdle
}

func idleEntry(m *Machine) State {
	if m.cfg.Marker != nil {
		if err := m.cfg.Marker.Clear(); err != nil {
			m.log.Warn("failed to clear reboot marker", "err", err)
		}
	}
	m.marker = nil
	m.peer = 0
	m.err = ErrNone
	return StateIdle
}

func idleRun(m *Machine, ev Event) State {
	switch ev.Type {
	case EventReceivedUpdateRequest:
		m.peer = ev.Frame.Src
		return m.processUpdateRequest(ev.Frame.Info)
	case EventBeginHost:
		b := ev.begin
		m.peer = b.client
		m.host = hostCtx{
			info:    b.info,
			image:   b.image,
			timeout: b.timeout,
			finish:  b.finish,
		}
		return StateHostReqUpdate
	}
	return m.cur
}

func errorEntry(m *Machine) State {
	m.stopTimers()
	m.log.Warn("dfu update failed", "err", m.err, "peer", m.peer)
	m.finish(false, m.err)
	if m.err.Fatal() {
		return StateError
	}
	return StateIdle
}

func (m *Machine) fail(err Err) State {
	m.err = err
	return StateError
}

func (m *Machine) finish(success bool, err Err) {
	if m.host.finish != nil {
		m.host.finish(success, err, m.peer)
		m.host.finish = nil
	}
	if m.cfg.OnFinish != nil {
		m.cfg.OnFinish(success, err, m.peer)
	}
}

func (m *Machine) send(t protocol.MessageType, f protocol.DfuFrame) error {
	f.Type = t
	f.Src = m.cfg.Self
	f.Dst = m.peer
	err := m.cfg.Send(f)
	if err != nil {
		m.log.Debug("dfu send failed", "type", t, "dst", f.Dst, "err", err)
	}
	return err
}

func (m *Machine) sendAbort(err Err) {
	_ = m.send(protocol.TypeDfuAbort, protocol.DfuFrame{Err: uint8(err)})
}

func (m *Machine) sendEnd(success bool, err Err) {
	_ = m.send(protocol.TypeDfuEnd, protocol.DfuFrame{Success: success, Err: uint8(err)})
}

func (m *Machine) startTimer(t *timer, d time.Duration, typ EventType) {
	m.stopTimer(t)
	gen := t.gen
	t.t = m.cfg.Clock.AfterFunc(d, func() {
		m.post(Event{Type: typ, timer: t, gen: gen})
	})
}

// stopTimer also invalidates an expiry that is already queued
func (m *Machine) stopTimer(t *timer) {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	m.gen++
	t.gen = m.gen
}

func (m *Machine) stopTimers() {
	m.stopTimer(&m.ackTimer)
	m.stopTimer(&m.updateTimer)
	m.stopTimer(&m.chunkTimer)
	m.stopTimer(&m.heartbeat)
	m.stopTimer(&m.reading)
}
