package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/encodeous/bristlemouth/state"
)

const (
	RebootMagic = 0xBADC0FFE
	markerLen   = 4 + 1 + 1 + 8 + 4
)

var ErrBadMarker = errors.New("reboot marker is corrupt")

// RebootMarker survives the restart into a new image so the client can report back to its host
type RebootMarker struct {
	Major  uint8
	Minor  uint8
	Host   state.NodeId
	GitSha uint32
}

func (r RebootMarker) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, markerLen)
	b = binary.LittleEndian.AppendUint32(b, RebootMagic)
	b = append(b, r.Major, r.Minor)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Host))
	b = binary.LittleEndian.AppendUint32(b, r.GitSha)
	return b, nil
}

func (r *RebootMarker) UnmarshalBinary(b []byte) error {
	if len(b) != markerLen || binary.LittleEndian.Uint32(b) != RebootMagic {
		return ErrBadMarker
	}
	r.Major = b[4]
	r.Minor = b[5]
	r.Host = state.NodeId(binary.LittleEndian.Uint64(b[6:]))
	r.GitSha = binary.LittleEndian.Uint32(b[14:])
	return nil
}

type MarkerStore interface {
	// Load returns nil without error when no marker is present
	Load() (*RebootMarker, error)
	Save(RebootMarker) error
	Clear() error
}

type FileMarker string

func (p FileMarker) Load() (*RebootMarker, error) {
	b, err := os.ReadFile(string(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := &RebootMarker{}
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return m, nil
}

func (p FileMarker) Save(m RebootMarker) error {
	b, _ := m.MarshalBinary()
	return os.WriteFile(string(p), b, 0o600)
}

func (p FileMarker) Clear() error {
	err := os.Remove(string(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemMarker holds the marker in memory for nodes that have no data directory. It only survives
// restarts of the process it lives in.
type MemMarker struct {
	mu  sync.Mutex
	raw []byte
}

func (p *MemMarker) Load() (*RebootMarker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.raw == nil {
		return nil, nil
	}
	m := &RebootMarker{}
	if err := m.UnmarshalBinary(p.raw); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *MemMarker) Save(m RebootMarker) error {
	b, _ := m.MarshalBinary()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raw = b
	return nil
}

func (p *MemMarker) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raw = nil
	return nil
}
