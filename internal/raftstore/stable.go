package raftstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/raft"
)

var _ raft.StableStore = (*StableStore)(nil)

// raft matches on this text for keys that were never set.
var errKeyNotFound = errors.New("not found")

// StableStore implements raft.StableStore on a single msgpack file. Every Set rewrites the file
// and renames it into place, so term and vote survive a restart.
type StableStore struct {
	mu   sync.Mutex
	path string
	kv   map[string][]byte
}

// NewStableStore loads the store kept at path, or starts an empty one if there is none.
func NewStableStore(path string) (*StableStore, error) {
	s := &StableStore{path: path, kv: make(map[string][]byte)}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decode(b, &s.kv); err != nil {
		return nil, fmt.Errorf("raftstore: decode %s: %w", path, err)
	}
	return s, nil
}

func (s *StableStore) Set(key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	prev, had := s.kv[k]
	s.kv[k] = slices.Clone(val)
	if err := s.persist(); err != nil {
		if had {
			s.kv[k] = prev
		} else {
			delete(s.kv, k)
		}
		return err
	}
	return nil
}

func (s *StableStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.kv[string(key)]
	if !ok {
		return nil, errKeyNotFound
	}
	return slices.Clone(v), nil
}

func (s *StableStore) SetUint64(key []byte, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return s.Set(key, b[:])
}

// GetUint64 returns 0 for a key that was never set.
func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if errors.Is(err, errKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("raftstore: value of %q is %d bytes, not a uint64", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// persist writes the map to a temporary file, syncs it and renames it over path.
func (s *StableStore) persist() error {
	b, err := encode(s.kv)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	d, err := os.Open(filepath.Dir(s.path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
