// Package raftstore lets hashicorp/raft keep its log in a statelog log.
package raftstore

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
	"github.com/ttaaoo/statelog/internal/log"
)

var _ raft.LogStore = (*Store)(nil)

// Store implements raft.LogStore. Every raft.Log is msgpack encoded into one entry whose log
// index is the raft index, so the two index spaces never drift apart.
type Store struct {
	// serialises the truncate-then-append sequences of StoreLogs and DeleteRange
	mu  sync.Mutex
	log *log.Log
}

// New opens the log described by c. Raft indexes start at 1, so a brand new log does too
// unless c says otherwise.
func New(c log.Config) (*Store, error) {
	if c.Segment.InitialIndex == 0 {
		c = c.WithInitialIndex(1)
	}
	l, err := log.Open(c)
	if err != nil {
		return nil, err
	}
	return &Store{log: l}, nil
}

// Log returns the underlying log.
func (s *Store) Log() *log.Log {
	return s.log
}

// FirstIndex returns the first retained raft index, or 0 when there is none.
func (s *Store) FirstIndex() (uint64, error) {
	empty, err := s.log.Empty()
	if err != nil || empty {
		return 0, err
	}
	return s.log.FirstIndex()
}

// LastIndex returns the last written raft index, or 0 when there is none.
func (s *Store) LastIndex() (uint64, error) {
	empty, err := s.log.Empty()
	if err != nil || empty {
		return 0, err
	}
	return s.log.LastIndex()
}

func (s *Store) GetLog(index uint64, out *raft.Log) error {
	e, err := s.log.Get(index)
	if errors.Is(err, log.ErrNotFound) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	return decode(e.Payload, out)
}

func (s *Store) StoreLog(l *raft.Log) error {
	return s.StoreLogs([]*raft.Log{l})
}

// StoreLogs writes logs in order. A log below the next index replaces everything from its
// index on; a log past the next index, or one arriving while the log is empty, restarts the
// log at its index (raft does this after installing a snapshot).
func (s *Store) StoreLogs(logs []*raft.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range logs {
		if err := s.seek(l.Index); err != nil {
			return err
		}
		b, err := encode(l)
		if err != nil {
			return err
		}
		if _, err := s.log.Append(b); err != nil {
			return err
		}
	}
	return nil
}

// seek makes index the log's next index.
func (s *Store) seek(index uint64) error {
	next, err := s.log.NextIndex()
	if err != nil {
		return err
	}
	if index == next {
		return nil
	}
	first, err := s.log.FirstIndex()
	if err != nil {
		return err
	}
	empty, err := s.log.Empty()
	if err != nil {
		return err
	}
	if empty || index > next || index < first {
		return s.log.Reset(index)
	}
	return s.log.Truncate(index)
}

// DeleteRange removes the logs in [min, max]. Raft deletes either a conflicting suffix or,
// after a snapshot, a prefix; a prefix only raises the retention watermark and leaves the
// log to drop whole segments once its limits are exceeded.
func (s *Store) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty, err := s.log.Empty()
	if err != nil || empty {
		return err
	}
	first, err := s.log.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return err
	}

	switch {
	case min > last || max < first:
		return nil
	case min <= first && max >= last:
		return s.log.Reset(max + 1)
	case max >= last:
		return s.log.Truncate(min)
	case min <= first:
		return s.log.Compact(max + 1)
	default:
		return errors.New("raftstore: cannot delete from the middle of the log")
	}
}

// Close closes the underlying log.
func (s *Store) Close() error {
	return s.log.Close()
}

func encode(in any) ([]byte, error) {
	var b []byte
	var h codec.MsgpackHandle
	err := codec.NewEncoderBytes(&b, &h).Encode(in)
	return b, err
}

func decode(b []byte, out any) error {
	var h codec.MsgpackHandle
	return codec.NewDecoderBytes(b, &h).Decode(out)
}
