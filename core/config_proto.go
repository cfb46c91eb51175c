package core

import (
	"errors"
	"fmt"

	"github.com/encodeous/bristlemouth/kv"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

var ErrUnknownPartition = errors.New("unknown config partition")

var partitions = []protocol.Partition{protocol.PartitionUser, protocol.PartitionSystem, protocol.PartitionHardware}

// ConfigProto serves this node's configuration partitions to the network and queries remote ones.
// Replies of every kind (value, status, delete) correlate on the replying node.
type ConfigProto struct {
	stores  map[protocol.Partition]*kv.Store
	pending *Correlator[protocol.ConfigMsg]
	// OnCommit runs after a remote commit persisted a partition. It restarts the node by default.
	OnCommit func(s *state.State, p protocol.Partition)
}

func (c *ConfigProto) Init(s *state.State) error {
	c.pending = NewCorrelator[protocol.ConfigMsg](state.RequestTimeout)
	c.stores = make(map[protocol.Partition]*kv.Store)
	for _, p := range partitions {
		if s.DataDir == "" {
			c.stores[p] = kv.NewMemory()
			continue
		}
		st, err := kv.Open(s.KvPath(p.String()))
		if err != nil {
			return fmt.Errorf("open %s partition: %w", p, err)
		}
		c.stores[p] = st
	}
	c.OnCommit = func(s *state.State, p protocol.Partition) {
		s.Restart(fmt.Sprintf("%s config committed", p))
	}
	handlers := make(map[protocol.MessageType]Descriptor)
	for _, t := range []protocol.MessageType{
		protocol.TypeConfigGet, protocol.TypeConfigSet, protocol.TypeConfigCommit,
		protocol.TypeConfigStatusRequest, protocol.TypeConfigDeleteRequest,
	} {
		handlers[t] = Descriptor{Handler: c.handleRequest}
	}
	for _, t := range []protocol.MessageType{
		protocol.TypeConfigValue, protocol.TypeConfigStatusResponse, protocol.TypeConfigDeleteResponse,
	} {
		handlers[t] = Descriptor{IsReply: true, Handler: c.handleReply}
	}
	return registerAll(s, handlers)
}

func (c *ConfigProto) Cleanup(s *state.State) error {
	return nil
}

// Store returns the local partition p
func (c *ConfigProto) Store(p protocol.Partition) (*kv.Store, error) {
	st, ok := c.stores[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrUnknownPartition)
	}
	return st, nil
}

func (c *ConfigProto) send(s *state.State, t protocol.MessageType, msg protocol.ConfigMsg, cb func(*protocol.ConfigMsg)) error {
	msg.Source = s.Id
	payload, err := msg.Marshal(t)
	if err != nil {
		return err
	}
	if cb != nil {
		c.pending.Track(msg.Target, cb)
	}
	return Get[*Bcmp](s).Send(t, payload, protocol.MulticastLinkLocal)
}

func (c *ConfigProto) Get(s *state.State, target state.NodeId, p protocol.Partition, key string, cb func(*protocol.ConfigMsg)) error {
	if len(key) > kv.MaxKeyLen {
		return kv.ErrKeyTooLong
	}
	return c.send(s, protocol.TypeConfigGet, protocol.ConfigMsg{Target: target, Partition: p, Key: key}, cb)
}

func (c *ConfigProto) Set(s *state.State, target state.NodeId, p protocol.Partition, key string, v kv.Value, cb func(*protocol.ConfigMsg)) error {
	if len(key) > kv.MaxKeyLen {
		return kv.ErrKeyTooLong
	}
	raw, err := v.Encode()
	if err != nil {
		return err
	}
	return c.send(s, protocol.TypeConfigSet, protocol.ConfigMsg{Target: target, Partition: p, Key: key, Value: raw}, cb)
}

// Commit asks target to persist p. The target restarts afterwards and does not reply.
func (c *ConfigProto) Commit(s *state.State, target state.NodeId, p protocol.Partition) error {
	return c.send(s, protocol.TypeConfigCommit, protocol.ConfigMsg{Target: target, Partition: p}, nil)
}

func (c *ConfigProto) Status(s *state.State, target state.NodeId, p protocol.Partition, cb func(*protocol.ConfigMsg)) error {
	return c.send(s, protocol.TypeConfigStatusRequest, protocol.ConfigMsg{Target: target, Partition: p}, cb)
}

func (c *ConfigProto) Delete(s *state.State, target state.NodeId, p protocol.Partition, key string, cb func(*protocol.ConfigMsg)) error {
	return c.send(s, protocol.TypeConfigDeleteRequest, protocol.ConfigMsg{Target: target, Partition: p, Key: key}, cb)
}

func (c *ConfigProto) handleRequest(s *state.State, d *ProcessData) error {
	t := d.Header.Type
	msg, err := protocol.ParseConfigMsg(t, d.Payload)
	if err != nil {
		return err
	}
	if ok, err := unicastHere(s, msg.Target); !ok {
		return err
	}
	st, err := c.Store(msg.Partition)
	if err != nil {
		return err
	}
	reply := protocol.ConfigMsg{Target: msg.Source, Partition: msg.Partition}
	switch t {
	case protocol.TypeConfigGet:
		raw, err := st.Get(msg.Key)
		if err != nil {
			s.Log.Debug("config get failed", "partition", msg.Partition, "key", msg.Key, "err", err)
			return nil
		}
		reply.Value = raw
		return c.reply(s, protocol.TypeConfigValue, reply)
	case protocol.TypeConfigSet:
		if len(msg.Value) == 0 {
			return nil
		}
		if err := st.Set(msg.Key, msg.Value); err != nil {
			s.Log.Info("rejected config set", "from", msg.Source, "key", msg.Key, "err", err)
			return nil
		}
		reply.Value = msg.Value
		return c.reply(s, protocol.TypeConfigValue, reply)
	case protocol.TypeConfigCommit:
		if err := st.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", msg.Partition, err)
		}
		s.Log.Info("config committed", "partition", msg.Partition, "by", msg.Source)
		if c.OnCommit != nil {
			c.OnCommit(s, msg.Partition)
		}
		return nil
	case protocol.TypeConfigStatusRequest:
		reply.Committed = !st.NeedsCommit()
		reply.Keys = st.Keys()
		return c.reply(s, protocol.TypeConfigStatusResponse, reply)
	case protocol.TypeConfigDeleteRequest:
		reply.Key = msg.Key
		reply.Success = st.Delete(msg.Key)
		return c.reply(s, protocol.TypeConfigDeleteResponse, reply)
	}
	return nil
}

func (c *ConfigProto) reply(s *state.State, t protocol.MessageType, msg protocol.ConfigMsg) error {
	msg.Source = s.Id
	payload, err := msg.Marshal(t)
	if err != nil {
		return err
	}
	return Get[*Bcmp](s).Send(t, payload, protocol.MulticastLinkLocal)
}

func (c *ConfigProto) handleReply(s *state.State, d *ProcessData) error {
	msg, err := protocol.ParseConfigMsg(d.Header.Type, d.Payload)
	if err != nil {
		return err
	}
	if ok, err := unicastHere(s, msg.Target); !ok {
		return err
	}
	if c.pending.Resolve(msg.Source, &msg) {
		return nil
	}
	switch d.Header.Type {
	case protocol.TypeConfigValue:
		v, err := kv.Decode(msg.Value)
		if err != nil {
			return err
		}
		s.Log.Info("config value", "node", msg.Source, "partition", msg.Partition, "value", v)
	case protocol.TypeConfigStatusResponse:
		s.Log.Info("config status", "node", msg.Source, "partition", msg.Partition, "committed", msg.Committed, "keys", msg.Keys)
	case protocol.TypeConfigDeleteResponse:
		s.Log.Info("config delete", "node", msg.Source, "partition", msg.Partition, "key", msg.Key, "success", msg.Success)
	}
	return nil
}
