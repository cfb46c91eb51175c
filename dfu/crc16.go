package dfu

import (
	"errors"
	"io"

	"github.com/sigurn/crc16"
)

// images are checked with CRC-16/KERMIT (reflected 0x1021, zero init, no final xor)
var kermit = crc16.MakeTable(crc16.CRC16_KERMIT)

// ImageCrc computes the crc a host advertises for the first size bytes of r
func ImageCrc(r io.ReaderAt, size int64) (uint16, error) {
	crc := crc16.Init(kermit)
	buf := make([]byte, PageLen)
	for off := int64(0); off < size; {
		n := int(min(int64(len(buf)), size-off))
		if got, err := r.ReadAt(buf[:n], off); got < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		crc = crc16.Update(crc, buf[:n], kermit)
		off += int64(n)
	}
	return crc16.Complete(crc, kermit), nil
}
