package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	MaxKeyLen = 32
	MaxStrLen = 50
	MaxKeys   = 50
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyTooLong  = fmt.Errorf("key longer than %d bytes", MaxKeyLen)
	ErrFull        = fmt.Errorf("partition already holds %d keys", MaxKeys)
)

// partitionFile is the on-disk form of a partition
type partitionFile struct {
	Keys   []string `cbor:"1,keyasint"`
	Values [][]byte `cbor:"2,keyasint"`
}

// Store is one configuration partition. Values are kept as raw CBOR items. Changes are only persisted
// by Commit.
type Store struct {
	path string

	mu     sync.Mutex
	keys   []string
	values map[string][]byte
	dirty  bool
}

// NewMemory returns a store that is never persisted
func NewMemory() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Open loads the partition at path. A missing file gives an empty partition.
func Open(path string) (*Store, error) {
	s := NewMemory()
	s.path = path
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var pf partitionFile
	if err := cbor.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("kv: decode %s: %w", path, err)
	}
	if len(pf.Keys) != len(pf.Values) {
		return nil, fmt.Errorf("kv: %s has %d keys but %d values", path, len(pf.Keys), len(pf.Values))
	}
	for i, k := range pf.Keys {
		if _, err := Decode(pf.Values[i]); err != nil {
			return nil, fmt.Errorf("kv: %s key %q: %w", path, k, err)
		}
		s.keys = append(s.keys, k)
		s.values[k] = pf.Values[i]
	}
	return s, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrKeyNotFound)
	}
	return slices.Clone(v), nil
}

func (s *Store) GetValue(key string) (Value, error) {
	raw, err := s.Get(key)
	if err != nil {
		return Value{}, err
	}
	return Decode(raw)
}

// Set stores a raw CBOR item after checking it is a supported value
func (s *Store) Set(key string, raw []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	if _, err := Decode(raw); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		if len(s.keys) >= MaxKeys {
			return ErrFull
		}
		s.keys = append(s.keys, key)
	}
	s.values[key] = slices.Clone(raw)
	s.dirty = true
	return nil
}

func (s *Store) SetValue(key string, v Value) error {
	raw, err := v.Encode()
	if err != nil {
		return err
	}
	return s.Set(key, raw)
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
	s.dirty = true
	return true
}

// Keys in insertion order
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keys)
}

func (s *Store) NeedsCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		s.dirty = false
		return nil
	}
	pf := partitionFile{Keys: s.keys}
	for _, k := range s.keys {
		pf.Values = append(pf.Values, s.values[k])
	}
	b, err := encMode.Marshal(pf)
	if err != nil {
		return fmt.Errorf("kv: encode partition: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
