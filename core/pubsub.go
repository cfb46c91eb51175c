package core

import (
	"fmt"
	"slices"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

// SubFunc receives a publication for a subscribed topic
type SubFunc func(s *state.State, node state.NodeId, topic string, data []byte)

// PubSub carries topic publications as UDP datagrams to the global multicast group
type PubSub struct {
	subs map[string][]SubFunc
}

func (p *PubSub) Init(s *state.State) error {
	p.subs = make(map[string][]SubFunc)
	Get[*Bcmp](s).udp = p.receive
	return nil
}

func (p *PubSub) Cleanup(s *state.State) error {
	return nil
}

func (p *PubSub) Subscribe(s *state.State, topic string, fn SubFunc) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	p.subs[topic] = append(p.subs[topic], fn)
	Get[*Resources](s).Add(Sub, topic)
	return nil
}

// Unsubscribe drops every subscription to topic
func (p *PubSub) Unsubscribe(s *state.State, topic string) bool {
	if _, ok := p.subs[topic]; !ok {
		return false
	}
	delete(p.subs, topic)
	Get[*Resources](s).Remove(Sub, topic)
	return true
}

func (p *PubSub) Topics() []string {
	topics := make([]string, 0, len(p.subs))
	for t := range p.subs {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

func (p *PubSub) Publish(s *state.State, topic string, data []byte) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	msg := protocol.Publication{Topic: topic, Data: data}.Marshal()
	if len(msg) > protocol.MaxMessageLen {
		return protocol.ErrMessageTooLarge
	}
	Get[*Resources](s).Add(Pub, topic)
	return Get[*Bcmp](s).transmit(state.Frame{
		Src:     protocol.NodeAddr(s.Id),
		Dst:     protocol.MulticastGlobal,
		Proto:   protocol.ProtoUDP,
		Payload: msg,
	})
}

func (p *PubSub) receive(s *state.State, f state.Frame) error {
	pub, err := protocol.ParsePublication(f.Payload)
	if err != nil {
		s.Log.Debug("bad publication", "src", f.Src, "err", err)
		return nil
	}
	node := protocol.NodeIdFromAddr(protocol.ClearPorts(f.Src))
	for _, fn := range p.subs[pub.Topic] {
		fn(s, node, pub.Topic, pub.Data)
	}
	return nil
}
