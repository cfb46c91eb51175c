package protocol

import (
	"fmt"

	"github.com/encodeous/bristlemouth/state"
)

type Partition uint8

const (
	PartitionUser Partition = iota
	PartitionSystem
	PartitionHardware
)

func (p Partition) String() string {
	switch p {
	case PartitionUser:
		return "user"
	case PartitionSystem:
		return "system"
	case PartitionHardware:
		return "hardware"
	}
	return fmt.Sprintf("partition(%d)", uint8(p))
}

func ParsePartition(s string) (Partition, error) {
	for _, p := range []Partition{PartitionUser, PartitionSystem, PartitionHardware} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown config partition %q", s)
}

// ConfigMsg is the union of all config protocol messages. Which fields are on the wire depends on the message type:
//
//	GET            key
//	SET            key, value
//	VALUE          value
//	COMMIT         -
//	STATUS_REQ     -
//	STATUS_RESP    committed, keys
//	DEL_REQ        key
//	DEL_RESP       key, success
type ConfigMsg struct {
	Target    state.NodeId
	Source    state.NodeId
	Partition Partition
	Key       string
	Value     []byte // cbor encoded
	Committed bool
	Success   bool
	Keys      []string
}

func (c ConfigMsg) Marshal(t MessageType) ([]byte, error) {
	w := &writer{}
	w.node(c.Target).node(c.Source).u8(uint8(c.Partition))
	switch t {
	case TypeConfigGet, TypeConfigDeleteRequest:
		w.u8(uint8(len(c.Key))).bytes([]byte(c.Key))
	case TypeConfigSet:
		w.u8(uint8(len(c.Key))).u32(uint32(len(c.Value))).bytes([]byte(c.Key)).bytes(c.Value)
	case TypeConfigValue:
		w.u32(uint32(len(c.Value))).bytes(c.Value)
	case TypeConfigCommit, TypeConfigStatusRequest:
	case TypeConfigStatusResponse:
		w.u8(boolByte(c.Committed)).u8(uint8(len(c.Keys)))
		for _, k := range c.Keys {
			w.u8(uint8(len(k))).bytes([]byte(k))
		}
	case TypeConfigDeleteResponse:
		w.u8(boolByte(c.Success)).u8(uint8(len(c.Key))).bytes([]byte(c.Key))
	default:
		return nil, fmt.Errorf("%s is not a config message", t)
	}
	return w.buf, nil
}

func ParseConfigMsg(t MessageType, b []byte) (ConfigMsg, error) {
	r := &reader{buf: b}
	c := ConfigMsg{
		Target:    r.node(),
		Source:    r.node(),
		Partition: Partition(r.u8()),
	}
	switch t {
	case TypeConfigGet, TypeConfigDeleteRequest:
		c.Key = r.str(int(r.u8()))
	case TypeConfigSet:
		keyLen := int(r.u8())
		valLen := int(r.u32())
		c.Key = r.str(keyLen)
		c.Value = r.bytes(valLen)
	case TypeConfigValue:
		c.Value = r.bytes(int(r.u32()))
	case TypeConfigCommit, TypeConfigStatusRequest:
	case TypeConfigStatusResponse:
		c.Committed = r.u8() != 0
		n := int(r.u8())
		for range n {
			c.Keys = append(c.Keys, r.str(int(r.u8())))
		}
	case TypeConfigDeleteResponse:
		c.Success = r.u8() != 0
		c.Key = r.str(int(r.u8()))
	default:
		return c, fmt.Errorf("%s is not a config message", t)
	}
	return c, r.err
}
