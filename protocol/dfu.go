package protocol

import (
	"fmt"

	"github.com/encodeous/bristlemouth/state"
)

const imgInfoLen = 4 + 2 + 2 + 1 + 1 + 4 + 4

// ImgInfo describes the image a host offers in a DFU start request
type ImgInfo struct {
	ImageSize uint32
	ChunkSize uint16
	Crc16     uint16
	Major     uint8
	Minor     uint8
	FilterKey uint32
	GitSha    uint32
}

// DfuFrame is the body of every DFU message: {frame_type u8, src u64, dst u64} followed by a type specific part
//
//	START          img info
//	PAYLOAD_REQ    seq
//	PAYLOAD        chunk
//	END, ACK, ABORT success, err
//	others         -
type DfuFrame struct {
	Type    MessageType
	Src     state.NodeId
	Dst     state.NodeId
	Info    ImgInfo
	Seq     uint16
	Chunk   []byte
	Success bool
	Err     uint8
}

func (f DfuFrame) Marshal() ([]byte, error) {
	if !f.Type.IsDfu() {
		return nil, fmt.Errorf("%s is not a dfu message", f.Type)
	}
	w := &writer{}
	w.u8(uint8(f.Type)).node(f.Src).node(f.Dst)
	switch f.Type {
	case TypeDfuStart:
		w.u32(f.Info.ImageSize).
			u16(f.Info.ChunkSize).
			u16(f.Info.Crc16).
			u8(f.Info.Major).
			u8(f.Info.Minor).
			u32(f.Info.FilterKey).
			u32(f.Info.GitSha)
	case TypeDfuPayloadReq:
		w.u16(f.Seq)
	case TypeDfuPayload:
		w.u16(uint16(len(f.Chunk))).bytes(f.Chunk)
	case TypeDfuEnd, TypeDfuAck, TypeDfuAbort:
		w.u8(boolByte(f.Success)).u8(f.Err)
	}
	return w.buf, nil
}

func ParseDfuFrame(t MessageType, b []byte) (DfuFrame, error) {
	r := &reader{buf: b}
	f := DfuFrame{Type: t}
	if ft := MessageType(r.u8()); r.err == nil && ft != t&0xff {
		return f, fmt.Errorf("dfu frame type %s does not match message type %s", ft, t)
	}
	f.Src = r.node()
	f.Dst = r.node()
	switch t {
	case TypeDfuStart:
		if len(r.buf) < imgInfoLen && r.err == nil {
			return f, fmt.Errorf("dfu start: %w", ErrTruncated)
		}
		f.Info = ImgInfo{
			ImageSize: r.u32(),
			ChunkSize: r.u16(),
			Crc16:     r.u16(),
			Major:     r.u8(),
			Minor:     r.u8(),
			FilterKey: r.u32(),
			GitSha:    r.u32(),
		}
	case TypeDfuPayloadReq:
		f.Seq = r.u16()
	case TypeDfuPayload:
		f.Chunk = r.bytes(int(r.u16()))
	case TypeDfuEnd, TypeDfuAck, TypeDfuAbort:
		f.Success = r.u8() != 0
		f.Err = r.u8()
	default:
		if !t.IsDfu() {
			return f, fmt.Errorf("%s is not a dfu message", t)
		}
	}
	return f, r.err
}
