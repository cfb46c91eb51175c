package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv6"
)

const (
	HeaderLen = 6
	// LinkMTU is the ethernet MTU of a Bristlemouth link
	LinkMTU = 1500
	// MaxMessageLen is the largest BCMP message (header included) that fits in one frame
	MaxMessageLen = LinkMTU - ipv6.HeaderLen
)

var (
	ErrShortMessage    = errors.New("message shorter than bcmp header")
	ErrBadChecksum     = errors.New("bad bcmp checksum")
	ErrMessageTooLarge = errors.New("message exceeds link mtu")
	ErrTruncated       = errors.New("truncated payload")
)

type MessageType uint16

const (
	TypeAck                MessageType = 0x00
	TypeHeartbeat          MessageType = 0x01
	TypeEchoRequest        MessageType = 0x02
	TypeEchoReply          MessageType = 0x03
	TypeDeviceInfoRequest  MessageType = 0x04
	TypeDeviceInfoReply    MessageType = 0x05
	TypeProtocolCapsReq    MessageType = 0x06
	TypeProtocolCapsReply  MessageType = 0x07
	TypeNeighborTableReq   MessageType = 0x08
	TypeNeighborTableReply MessageType = 0x09
	TypeResourceTableReq   MessageType = 0x0A
	TypeResourceTableReply MessageType = 0x0B
	TypeNeighborProtoReq   MessageType = 0x0C
	TypeNeighborProtoReply MessageType = 0x0D

	TypeSystemTimeRequest  MessageType = 0x10
	TypeSystemTimeResponse MessageType = 0x11
	TypeSystemTimeSet      MessageType = 0x12

	TypeConfigGet            MessageType = 0xA0
	TypeConfigValue          MessageType = 0xA1
	TypeConfigSet            MessageType = 0xA2
	TypeConfigCommit         MessageType = 0xA3
	TypeConfigStatusRequest  MessageType = 0xA4
	TypeConfigStatusResponse MessageType = 0xA5
	TypeConfigDeleteRequest  MessageType = 0xA6
	TypeConfigDeleteResponse MessageType = 0xA7

	TypeNetStatRequest   MessageType = 0xB0
	TypeNetStatReply     MessageType = 0xB1
	TypePowerStatRequest MessageType = 0xB2
	TypePowerStatReply   MessageType = 0xB3
	TypeRebootRequest    MessageType = 0xC0
	TypeRebootReply      MessageType = 0xC1
	TypeNetAssertQuiet   MessageType = 0xC2

	TypeDfuStart        MessageType = 0xD0
	TypeDfuPayloadReq   MessageType = 0xD1
	TypeDfuPayload      MessageType = 0xD2
	TypeDfuEnd          MessageType = 0xD3
	TypeDfuAck          MessageType = 0xD4
	TypeDfuAbort        MessageType = 0xD5
	TypeDfuHeartbeat    MessageType = 0xD6
	TypeDfuRebootReq    MessageType = 0xD7
	TypeDfuReboot       MessageType = 0xD8
	TypeDfuBootComplete MessageType = 0xD9
)

var typeNames = map[MessageType]string{
	TypeAck:                  "ACK",
	TypeHeartbeat:            "HEARTBEAT",
	TypeEchoRequest:          "ECHO_REQUEST",
	TypeEchoReply:            "ECHO_REPLY",
	TypeDeviceInfoRequest:    "DEVICE_INFO_REQUEST",
	TypeDeviceInfoReply:      "DEVICE_INFO_REPLY",
	TypeProtocolCapsReq:      "PROTOCOL_CAPS_REQUEST",
	TypeProtocolCapsReply:    "PROTOCOL_CAPS_REPLY",
	TypeNeighborTableReq:     "NEIGHBOR_TABLE_REQUEST",
	TypeNeighborTableReply:   "NEIGHBOR_TABLE_REPLY",
	TypeResourceTableReq:     "RESOURCE_TABLE_REQUEST",
	TypeResourceTableReply:   "RESOURCE_TABLE_REPLY",
	TypeNeighborProtoReq:     "NEIGHBOR_PROTO_REQUEST",
	TypeNeighborProtoReply:   "NEIGHBOR_PROTO_REPLY",
	TypeSystemTimeRequest:    "SYSTEM_TIME_REQUEST",
	TypeSystemTimeResponse:   "SYSTEM_TIME_RESPONSE",
	TypeSystemTimeSet:        "SYSTEM_TIME_SET",
	TypeConfigGet:            "CONFIG_GET",
	TypeConfigValue:          "CONFIG_VALUE",
	TypeConfigSet:            "CONFIG_SET",
	TypeConfigCommit:         "CONFIG_COMMIT",
	TypeConfigStatusRequest:  "CONFIG_STATUS_REQUEST",
	TypeConfigStatusResponse: "CONFIG_STATUS_RESPONSE",
	TypeConfigDeleteRequest:  "CONFIG_DELETE_REQUEST",
	TypeConfigDeleteResponse: "CONFIG_DELETE_RESPONSE",
	TypeNetStatRequest:       "NET_STAT_REQUEST",
	TypeNetStatReply:         "NET_STAT_REPLY",
	TypePowerStatRequest:     "POWER_STAT_REQUEST",
	TypePowerStatReply:       "POWER_STAT_REPLY",
	TypeRebootRequest:        "REBOOT_REQUEST",
	TypeRebootReply:          "REBOOT_REPLY",
	TypeNetAssertQuiet:       "NET_ASSERT_QUIET",
	TypeDfuStart:             "DFU_START",
	TypeDfuPayloadReq:        "DFU_PAYLOAD_REQ",
	TypeDfuPayload:           "DFU_PAYLOAD",
	TypeDfuEnd:               "DFU_END",
	TypeDfuAck:               "DFU_ACK",
	TypeDfuAbort:             "DFU_ABORT",
	TypeDfuHeartbeat:         "DFU_HEARTBEAT",
	TypeDfuRebootReq:         "DFU_REBOOT_REQ",
	TypeDfuReboot:            "DFU_REBOOT",
	TypeDfuBootComplete:      "DFU_BOOT_COMPLETE",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint16(t))
}

func (t MessageType) IsDfu() bool {
	return t >= TypeDfuStart && t <= TypeDfuBootComplete
}

type Header struct {
	Type     MessageType
	Checksum uint16
	Flags    uint8
	Reserved uint8
}

func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderLen {
		return Header{}, ErrShortMessage
	}
	return Header{
		Type:     MessageType(binary.LittleEndian.Uint16(msg[0:2])),
		Checksum: binary.BigEndian.Uint16(msg[2:4]),
		Flags:    msg[4],
		Reserved: msg[5],
	}, nil
}

// Encode builds a complete BCMP message with its checksum computed for src and dst.
func Encode(t MessageType, payload []byte, src, dst netip.Addr) ([]byte, error) {
	if HeaderLen+len(payload) > MaxMessageLen {
		return nil, fmt.Errorf("%s of %d bytes: %w", t, HeaderLen+len(payload), ErrMessageTooLarge)
	}
	msg := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint16(msg[0:2], uint16(t))
	copy(msg[HeaderLen:], payload)
	Reseal(msg, src, dst)
	return msg, nil
}

// Reseal recomputes the checksum of msg in place, for sending it from a different address pair.
func Reseal(msg []byte, src, dst netip.Addr) {
	binary.BigEndian.PutUint16(msg[2:4], Checksum(src, dst, msg))
}
