package core

import (
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

// TimeSync keeps the node's RTC, which is the env clock shifted by whatever offset was last set
type TimeSync struct {
	offset  time.Duration
	pending *Correlator[protocol.SystemTime]
}

func (t *TimeSync) Init(s *state.State) error {
	t.pending = NewCorrelator[protocol.SystemTime](state.RequestTimeout)
	return registerAll(s, map[protocol.MessageType]Descriptor{
		protocol.TypeSystemTimeRequest:  {Handler: t.handleRequest},
		protocol.TypeSystemTimeResponse: {IsReply: true, Handler: t.handleResponse},
		protocol.TypeSystemTimeSet:      {Handler: t.handleSet},
	})
}

func (t *TimeSync) Cleanup(s *state.State) error {
	return nil
}

func (t *TimeSync) Now(s *state.State) time.Time {
	return s.Clock.Now().Add(t.offset)
}

func (t *TimeSync) SetRTC(s *state.State, utc time.Time) {
	t.offset = utc.Sub(s.Clock.Now())
	s.Log.Info("rtc set", "utc", utc.UTC())
}

// Get asks target for its time. The response arrives through cb, nil on timeout.
func (t *TimeSync) Get(s *state.State, target state.NodeId, cb func(*protocol.SystemTime)) error {
	if cb != nil {
		t.pending.Track(target, cb)
	}
	msg := protocol.SystemTime{Target: target, Source: s.Id}
	return Get[*Bcmp](s).Send(protocol.TypeSystemTimeRequest, msg.Marshal(false), protocol.MulticastLinkLocal)
}

// Set sets the RTC of target, or of every node for target 0. The acknowledgement arrives through cb.
func (t *TimeSync) Set(s *state.State, target state.NodeId, utc time.Time, cb func(*protocol.SystemTime)) error {
	if target != 0 && cb != nil {
		t.pending.Track(target, cb)
	}
	msg := protocol.SystemTime{Target: target, Source: s.Id, UtcUs: uint64(utc.UnixMicro())}
	return Get[*Bcmp](s).Send(protocol.TypeSystemTimeSet, msg.Marshal(true), protocol.MulticastLinkLocal)
}

func (t *TimeSync) respond(s *state.State, to state.NodeId, utc time.Time) error {
	resp := protocol.SystemTime{Target: to, Source: s.Id, UtcUs: uint64(utc.UnixMicro())}
	return Get[*Bcmp](s).Send(protocol.TypeSystemTimeResponse, resp.Marshal(true), protocol.MulticastLinkLocal)
}

func (t *TimeSync) handleRequest(s *state.State, d *ProcessData) error {
	msg, err := protocol.ParseSystemTime(d.Payload, false)
	if err != nil {
		return err
	}
	if ok, err := unicastHere(s, msg.Target); !ok {
		return err
	}
	return t.respond(s, msg.Source, t.Now(s))
}

func (t *TimeSync) handleSet(s *state.State, d *ProcessData) error {
	msg, err := protocol.ParseSystemTime(d.Payload, true)
	if err != nil {
		return err
	}
	if !addressedHere(s, msg.Target) {
		return ErrShouldForward
	}
	utc := time.UnixMicro(int64(msg.UtcUs))
	t.SetRTC(s, utc)
	return t.respond(s, msg.Source, utc)
}

func (t *TimeSync) handleResponse(s *state.State, d *ProcessData) error {
	msg, err := protocol.ParseSystemTime(d.Payload, true)
	if err != nil {
		return err
	}
	if ok, err := unicastHere(s, msg.Target); !ok {
		return err
	}
	if !t.pending.Resolve(msg.Source, &msg) {
		s.Log.Info("time response", "node", msg.Source, "utc", time.UnixMicro(int64(msg.UtcUs)).UTC())
	}
	return nil
}
