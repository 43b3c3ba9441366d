package log

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tysonmote/gommap"
	"golang.org/x/exp/mmap"
)

/*
The segment wraps the segment file and its offset index to coordinate operations across the two.
While the segment is active, appends go through a buffered store. Once sealed the file is
immutable: it is reopened read-only and memory-mapped, and reads are served from the mapping.
*/

const (
	segmentExt = ".log"
	// a segment being built before it is renamed into place
	tmpExt = ".tmp"
)

type segmentState int

const (
	stateActive segmentState = iota
	stateSealed
)

func (s segmentState) String() string {
	if s == stateSealed {
		return "sealed"
	}
	return "active"
}

var errSealed = errors.New("log: segment is sealed")

// SegmentInfo describes one segment of the log.
type SegmentInfo struct {
	BaseIndex uint64
	// The index the next entry appended to this segment would get.
	NextIndex uint64
	// Bytes on disk, header included.
	Size      uint64
	CreatedAt time.Time
	Sealed    bool
}

// Len returns the number of entries in the segment.
func (i SegmentInfo) Len() uint64 {
	return i.NextIndex - i.BaseIndex
}

type segment struct {
	mu sync.RWMutex

	path  string
	store *store
	// read-only handle and mapping, set once the segment is sealed
	file *os.File
	mmap gommap.MMap

	index *index
	// the (global) index of the segment's first entry
	baseIndex uint64
	// the next (global) index to write to the segment
	nextIndex uint64
	size      uint64
	createdAt time.Time
	state     segmentState
	config    Config

	// in-flight reads; the file is only removed once they drain
	readers sync.WaitGroup
}

func segmentName(baseIndex uint64) string {
	return fmt.Sprintf("%020d%s", baseIndex, segmentExt)
}

// newSegment creates an empty active segment starting at baseIndex.
func newSegment(dir string, baseIndex uint64, c Config, now time.Time) (*segment, error) {
	return createSegment(filepath.Join(dir, segmentName(baseIndex)), baseIndex, c, now)
}

func createSegment(path string, baseIndex uint64, c Config, now time.Time) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	h := header{id: baseIndex, base: baseIndex, createdAt: now}
	if _, err := f.Write(h.encode()); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &segment{
		path:      path,
		store:     newStore(f, headerWidth),
		index:     newIndex(),
		baseIndex: baseIndex,
		nextIndex: baseIndex,
		size:      headerWidth,
		createdAt: now,
		state:     stateActive,
		config:    c,
	}, nil
}

// loadSegment rebuilds a segment from its file with a single scan. Only the tail segment
// (the one that was active when the log went down) has its records verified; a torn or
// corrupt record there and everything after it is cut off, and the number of bytes dropped
// is returned. Any framing problem in a sealed segment is an error.
func loadSegment(dir string, baseIndex uint64, c Config, tail bool) (*segment, uint64, error) {
	path := filepath.Join(dir, segmentName(baseIndex))
	r, err := mmap.Open(path)
	if err != nil {
		return nil, 0, err
	}
	size := uint64(r.Len())

	if size < headerWidth {
		_ = r.Close()
		if !tail {
			return nil, 0, &CorruptError{Segment: baseIndex, Index: baseIndex, Reason: "truncated segment header"}
		}
		// crashed while creating the segment
		s, err := newSegment(dir, baseIndex, c, time.Now())
		return s, size, err
	}

	hb := make([]byte, headerWidth)
	if _, err := r.ReadAt(hb, 0); err != nil {
		_ = r.Close()
		return nil, 0, err
	}
	h := decodeHeader(hb)
	if h.base != baseIndex || h.id != baseIndex {
		_ = r.Close()
		return nil, 0, &CorruptError{
			Segment: baseIndex,
			Index:   baseIndex,
			Reason:  fmt.Sprintf("header names segment %d starting at %d", h.id, h.base),
		}
	}

	s := &segment{
		path:      path,
		index:     newIndex(),
		baseIndex: baseIndex,
		nextIndex: baseIndex,
		createdAt: h.createdAt,
		config:    c,
	}

	pos := uint64(headerWidth)
	for pos < size {
		n, err := s.scanRecord(r, pos, size, tail)
		if err != nil {
			var fe frameError
			if tail && errors.As(err, &fe) {
				break
			}
			_ = r.Close()
			return nil, 0, err
		}
		if err := s.index.Write(uint32(s.nextIndex-baseIndex), pos); err != nil {
			_ = r.Close()
			return nil, 0, err
		}
		s.nextIndex++
		pos += n
	}
	if err := r.Close(); err != nil {
		return nil, 0, err
	}
	s.size = pos

	if !tail {
		if err := s.mapFile(); err != nil {
			return nil, 0, err
		}
		s.state = stateSealed
		return s, 0, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, err
	}
	cut := size - pos
	if cut > 0 {
		if err := f.Truncate(int64(pos)); err != nil {
			_ = f.Close()
			return nil, 0, err
		}
		if err := datasync(f); err != nil {
			_ = f.Close()
			return nil, 0, err
		}
	}
	s.store = newStore(f, pos)
	s.state = stateActive
	return s, cut, nil
}

// scanRecord checks the record at pos and returns its width. verify also checks the checksum.
func (s *segment) scanRecord(r io.ReaderAt, pos, size uint64, verify bool) (uint64, error) {
	if verify {
		i, p, err := readRecord(r, pos, size)
		if err != nil {
			return 0, err
		}
		if i != s.nextIndex {
			return 0, frameError(fmt.Sprintf("record index %d, want %d", i, s.nextIndex))
		}
		return recWidth + uint64(len(p)), nil
	}

	corrupt := func(reason string) error {
		return &CorruptError{Segment: s.baseIndex, Index: s.nextIndex, Position: pos, Reason: reason}
	}
	if pos+recWidth > size {
		return 0, corrupt("truncated record header")
	}
	var hdr [lenWidth + idxWidth]byte
	if _, err := r.ReadAt(hdr[:], int64(pos)); err != nil {
		return 0, err
	}
	n := recWidth + uint64(enc.Uint32(hdr[:lenWidth]))
	if pos+n > size {
		return 0, corrupt("truncated record payload")
	}
	if i := enc.Uint64(hdr[lenWidth:]); i != s.nextIndex {
		return 0, corrupt(fmt.Sprintf("record index %d, want %d", i, s.nextIndex))
	}
	return n, nil
}

// mapFile opens the segment file read-only and maps it.
func (s *segment) mapFile() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	adviseRandom(f)
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.mmap = m
	return nil
}

func (s *segment) unmapFile() error {
	var err error
	if s.mmap != nil {
		err = s.mmap.UnsafeUnmap()
		s.mmap = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Append writes the entry at index, which must be the segment's next index.
func (s *segment) Append(index uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateActive {
		return errSealed
	}
	if index != s.nextIndex {
		return fmt.Errorf("log: append index %d, segment expects %d", index, s.nextIndex)
	}

	n, pos, err := s.store.Append(index, p)
	if err != nil {
		return err
	}
	// index offsets are relative to the base index
	if err = s.index.Write(uint32(index-s.baseIndex), pos); err != nil {
		if rerr := s.store.rollback(pos); rerr != nil {
			return rerr
		}
		return err
	}
	s.nextIndex++
	s.size += n
	return nil
}

// Read returns the payload stored at index.
func (s *segment) Read(index uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.baseIndex || index >= s.nextIndex {
		return nil, &IndexOutOfRangeError{Index: index, First: s.baseIndex, Last: s.nextIndex - 1, Empty: s.nextIndex == s.baseIndex}
	}
	_, pos, err := s.index.Read(int64(index - s.baseIndex))
	if err != nil {
		return nil, err
	}

	var (
		i uint64
		p []byte
	)
	if s.state == stateSealed {
		i, p, err = readRecord(bytes.NewReader(s.mmap), pos, uint64(len(s.mmap)))
	} else {
		i, p, err = s.store.Read(pos)
	}
	if err != nil {
		var fe frameError
		if errors.As(err, &fe) {
			return nil, &CorruptError{Segment: s.baseIndex, Index: index, Position: pos, Reason: string(fe)}
		}
		return nil, ioFailure("read", err)
	}
	if i != index {
		return nil, &CorruptError{
			Segment:  s.baseIndex,
			Index:    index,
			Position: pos,
			Reason:   fmt.Sprintf("record carries index %d", i),
		}
	}
	return p, nil
}

// ReadAt reads raw segment bytes, header included.
func (s *segment) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == stateSealed {
		return bytes.NewReader(s.mmap).ReadAt(p, off)
	}
	return s.store.ReadAt(p, off)
}

// fits reports whether a record with an n byte payload stays within the segment size.
func (s *segment) fits(n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size+recWidth+uint64(n) <= uint64(s.config.Segment.MaxBytes)
}

// expired reports whether the segment has been active for the configured interval.
func (s *segment) expired(now time.Time) bool {
	return s.config.Segment.Interval > 0 && now.Sub(s.createdAt) >= s.config.Segment.Interval
}

// IsMaxed reports whether the next record of n bytes must go to a new segment.
func (s *segment) IsMaxed(n int, now time.Time) bool {
	return !s.fits(n) || s.expired(now)
}

// Sync forces the active segment's records to stable storage.
func (s *segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != stateActive {
		return nil
	}
	return s.store.Sync()
}

// Seal makes the segment immutable. The caller syncs it first.
func (s *segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateSealed {
		return nil
	}
	if err := s.mapFile(); err != nil {
		return err
	}
	err := s.store.Close()
	s.store = nil
	s.state = stateSealed
	return err
}

// Truncate reopens a sealed segment for writes and discards the entries at and after index.
func (s *segment) Truncate(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.baseIndex {
		index = s.baseIndex
	}

	if s.state == stateSealed {
		if err := s.unmapFile(); err != nil {
			return err
		}
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		s.store = newStore(f, s.size)
		s.state = stateActive
	}
	if index >= s.nextIndex {
		return nil
	}

	pos := uint64(headerWidth)
	if rel := index - s.baseIndex; rel > 0 {
		var err error
		if _, pos, err = s.index.Read(int64(rel)); err != nil {
			return err
		}
	}

	if err := s.store.Truncate(pos); err != nil {
		return err
	}
	s.index.Truncate(index - s.baseIndex)
	s.nextIndex = index
	s.size = pos
	return nil
}

func (s *segment) Info() SegmentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SegmentInfo{
		BaseIndex: s.baseIndex,
		NextIndex: s.nextIndex,
		Size:      s.size,
		CreatedAt: s.createdAt,
		Sealed:    s.state == stateSealed,
	}
}

func (s *segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Reset()
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return s.unmapFile()
}

// rename moves the segment's file to path, replacing any file already there.
func (s *segment) rename(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(s.path, path); err != nil {
		return err
	}
	s.path = path
	return nil
}

// Remove closes the segment and deletes its file.
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}
