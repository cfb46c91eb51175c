package dfu

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Image is the source a host reads chunks from
type Image = io.ReaderAt

// Partition is the slot a client writes a received image into
type Partition interface {
	io.ReaderAt
	io.WriterAt
	Erase() error
	Size() int64
}

var ErrOutOfBounds = errors.New("access outside partition")

// FilePartition backs a partition with a regular file of fixed size
type FilePartition struct {
	f    *os.File
	size int64
}

func OpenFilePartition(path string, size int64) (*FilePartition, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open dfu partition: %w", err)
	}
	return &FilePartition{f: f, size: size}, nil
}

func (p *FilePartition) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.size {
		return 0, ErrOutOfBounds
	}
	n, err := p.f.ReadAt(b, off)
	if errors.Is(err, io.EOF) {
		// bytes past the end of the file were never written
		clear(b[n:])
		return len(b), nil
	}
	return n, err
}

func (p *FilePartition) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > p.size {
		return 0, ErrOutOfBounds
	}
	return p.f.WriteAt(b, off)
}

func (p *FilePartition) Erase() error {
	return p.f.Truncate(0)
}

func (p *FilePartition) Size() int64 {
	return p.size
}

func (p *FilePartition) Close() error {
	return p.f.Close()
}

// MemPartition keeps the slot in memory
type MemPartition struct {
	Data []byte
}

func NewMemPartition(size int) *MemPartition {
	return &MemPartition{Data: make([]byte, size)}
}

func (p *MemPartition) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(p.Data)) {
		return 0, ErrOutOfBounds
	}
	return copy(b, p.Data[off:]), nil
}

func (p *MemPartition) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(p.Data)) {
		return 0, ErrOutOfBounds
	}
	return copy(p.Data[off:], b), nil
}

func (p *MemPartition) Erase() error {
	clear(p.Data)
	return nil
}

func (p *MemPartition) Size() int64 {
	return int64(len(p.Data))
}
