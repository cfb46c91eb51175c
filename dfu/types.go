package dfu

import (
	"fmt"
	"time"

	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
)

const (
	MaxChunkSize    = 1024
	MaxChunkRetries = 5
	MaxAckRetries   = 2
	PageLen         = 2048
	// ForceUpdate in ImgInfo.FilterKey makes a client accept an image with its running git sha
	ForceUpdate uint32 = 0x1

	eventQueueLen = 16
)

type State int32

const (
	StateInit State = iota
	StateIdle
	StateError
	StateClientReceiving
	StateClientValidating
	StateClientRebootReq
	StateClientRebootDone
	StateClientActivating
	StateHostReqUpdate
	StateHostUpdate
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateIdle:             "IDLE",
	StateError:            "ERROR",
	StateClientReceiving:  "CLIENT_RECEIVING",
	StateClientValidating: "CLIENT_VALIDATING",
	StateClientRebootReq:  "CLIENT_REBOOT_REQ",
	StateClientRebootDone: "CLIENT_REBOOT_DONE",
	StateClientActivating: "CLIENT_ACTIVATING",
	StateHostReqUpdate:    "HOST_REQ_UPDATE",
	StateHostUpdate:       "HOST_UPDATE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) isClient() bool {
	return s >= StateClientReceiving && s <= StateClientActivating
}

func (s State) isHost() bool {
	return s == StateHostReqUpdate || s == StateHostUpdate
}

type EventType int

const (
	EventNone EventType = iota
	EventInitSuccess
	EventReceivedUpdateRequest
	EventChunkRequest
	EventImageChunk
	EventUpdateEnd
	EventAckReceived
	EventAckTimeout
	EventChunkTimeout
	EventHeartbeat
	EventAbort
	EventBeginHost
	EventRebootRequest
	EventReboot
	EventBootComplete
	EventHeartbeatTimeout
	EventChunkRead
)

var eventNames = [...]string{
	EventNone:                  "NONE",
	EventInitSuccess:           "INIT_SUCCESS",
	EventReceivedUpdateRequest: "RECEIVED_UPDATE_REQUEST",
	EventChunkRequest:          "CHUNK_REQUEST",
	EventImageChunk:            "IMAGE_CHUNK",
	EventUpdateEnd:             "UPDATE_END",
	EventAckReceived:           "ACK_RECEIVED",
	EventAckTimeout:            "ACK_TIMEOUT",
	EventChunkTimeout:          "CHUNK_TIMEOUT",
	EventHeartbeat:             "HEARTBEAT",
	EventAbort:                 "ABORT",
	EventBeginHost:             "BEGIN_HOST",
	EventRebootRequest:         "REBOOT_REQUEST",
	EventReboot:                "REBOOT",
	EventBootComplete:          "BOOT_COMPLETE",
	EventHeartbeatTimeout:      "HEARTBEAT_TIMEOUT",
	EventChunkRead:             "CHUNK_READ",
}

func (e EventType) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

var frameEvents = map[protocol.MessageType]EventType{
	protocol.TypeDfuStart:        EventReceivedUpdateRequest,
	protocol.TypeDfuPayloadReq:   EventChunkRequest,
	protocol.TypeDfuPayload:      EventImageChunk,
	protocol.TypeDfuEnd:          EventUpdateEnd,
	protocol.TypeDfuAck:          EventAckReceived,
	protocol.TypeDfuAbort:        EventAbort,
	protocol.TypeDfuHeartbeat:    EventHeartbeat,
	protocol.TypeDfuRebootReq:    EventRebootRequest,
	protocol.TypeDfuReboot:       EventReboot,
	protocol.TypeDfuBootComplete: EventBootComplete,
}

// Err values travel on the wire in END, ACK and ABORT frames. Their order is fixed.
type Err uint8

const (
	ErrNone Err = iota
	ErrTooLarge
	ErrSameVer
	ErrMismatchLen
	ErrBadCrc
	ErrImgChunkAccess
	ErrTimeout
	ErrBmFrame
	ErrAborted
	ErrWrongVer
	ErrInProgress
	ErrChunkSize
	ErrUnknownNodeId
	ErrConfirmationAbort
	ErrFlashAccess
)

var errText = [...]string{
	ErrNone:              "no error",
	ErrTooLarge:          "image too large for client",
	ErrSameVer:           "client already loaded with image",
	ErrMismatchLen:       "length mismatch",
	ErrBadCrc:            "crc mismatch",
	ErrImgChunkAccess:    "unable to get image chunk",
	ErrTimeout:           "dfu timeout",
	ErrBmFrame:           "bm processing error",
	ErrAborted:           "aborted",
	ErrWrongVer:          "client booted with the wrong version",
	ErrInProgress:        "a firmware update is already in progress",
	ErrChunkSize:         "chunk size too large",
	ErrUnknownNodeId:     "unknown node id",
	ErrConfirmationAbort: "aborted during reboot confirmation",
	ErrFlashAccess:       "flash access error",
}

func (e Err) Error() string {
	if int(e) < len(errText) {
		return errText[e]
	}
	return fmt.Sprintf("dfu error %d", uint8(e))
}

// Fatal errors leave the machine in ERROR until restart
func (e Err) Fatal() bool {
	return e >= ErrFlashAccess
}

// FinishFunc reports the outcome of an update. peer is the other end of the transfer.
type FinishFunc func(success bool, err Err, peer state.NodeId)

type hostStart struct {
	info    protocol.ImgInfo
	client  state.NodeId
	image   Image
	timeout time.Duration
	finish  FinishFunc
}

type Event struct {
	Type  EventType
	Frame protocol.DfuFrame

	begin *hostStart
	read  *chunkRead
	timer *timer
	gen   uint64
}
