package protocol

import (
	"encoding/binary"

	"github.com/encodeous/bristlemouth/state"
)

// writer appends little-endian fields, mirroring the packed structs on the wire
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) *writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *writer) u16(v uint16) *writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *writer) u32(v uint32) *writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *writer) u64(v uint64) *writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *writer) node(v state.NodeId) *writer {
	return w.u64(uint64(v))
}

func (w *writer) bytes(v []byte) *writer {
	w.buf = append(w.buf, v...)
	return w
}

// fixed writes v padded or cut to exactly n bytes
func (w *writer) fixed(v string, n int) *writer {
	b := make([]byte, n)
	copy(b, v)
	w.buf = append(w.buf, b...)
	return w
}

// reader consumes little-endian fields. The first short read sticks as err.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrTruncated
		r.buf = nil
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) node() state.NodeId {
	return state.NodeId(r.u64())
}

// bytes returns a copy of the next n bytes
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str(n int) string {
	return string(r.take(n))
}

// cstr reads a fixed width field, dropping trailing NULs
func (r *reader) cstr(n int) string {
	b := r.take(n)
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// TargetOf reads the leading target node id every addressed request starts with
func TargetOf(payload []byte) (state.NodeId, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	return state.NodeId(binary.LittleEndian.Uint64(payload)), true
}
